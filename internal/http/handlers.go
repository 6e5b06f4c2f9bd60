package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/router"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/trip"
	"github.com/example/ride-dispatch/internal/ws"

	authpkg "github.com/example/ride-dispatch/internal/auth"
)

type Server struct {
	Registry *registry.Registry
	Presence *presence.Cache
	Trips    *trip.Index
	Engine   *dispatch.Engine
	Router   *router.Router
	Gateway  *ws.Gateway
	Store    storage.TripStore
	Kafka    *ingest.KafkaProducer

	logger *slog.Logger
	mux    *mux.Router
}

// NewServer wires the full dispatch core from config. All shared state is
// constructed here and handed to components by reference, so tests can build
// a fresh instance per case.
func NewServer(cfg config.ServerConfig, logger *slog.Logger) *Server {
	reg := registry.New()
	pres := presence.NewCache()
	trips := trip.NewIndex()

	var store storage.TripStore
	var msgs storage.MessageStore
	if cfg.PGDSN != "" {
		if ps, err := storage.NewPostgresStore(cfg.PGDSN); err == nil {
			store = ps
			msgs = ps
		} else {
			logger.Warn("postgres unavailable, using memory store", "error", err)
		}
	}
	if store == nil {
		ms := storage.NewMemoryStore()
		store = ms
		msgs = ms
	}

	var kp *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		kp = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	}

	calc := &fare.Calculator{DefaultSpeedMps: cfg.DefaultSpeedMps}
	if cfg.OSRMEndpoint != "" {
		calc.Route = fare.NewOSRMClient(cfg.OSRMEndpoint)
	}

	rt := router.New(reg, trips, pres, msgs, store, logger)

	eng := dispatch.NewEngine(pres, trips, store, calc, rt, logger)
	eng.SearchRadiusM = cfg.SearchRadiusM
	eng.CandidateLimit = cfg.CandidateLimit
	eng.PendingTimeout = cfg.PendingTimeout
	eng.MaxRedispatch = cfg.MaxRedispatch
	if cfg.StripeEnabled {
		eng.Payments = payments.NewStripeClient()
	}

	gw := &ws.Gateway{
		Auth:     authpkg.NewVerifier(cfg.JWTSecret),
		Registry: reg,
		Presence: pres,
		Engine:   eng,
		Router:   rt,
		Ingest:   kp,
		Log:      logger,
	}

	s := &Server{
		Registry: reg,
		Presence: pres,
		Trips:    trips,
		Engine:   eng,
		Router:   rt,
		Gateway:  gw,
		Store:    store,
		Kafka:    kp,
		logger:   logger,
		mux:      mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/ws", s.Gateway.HandleWS)
	s.mux.HandleFunc("/api/v1/trips/{trip_id}", s.handleGetTrip).Methods("GET")
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods("POST")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// handleGetTrip serves the active in-memory trip when available, falling
// back to the durable store for terminal trips.
func (s *Server) handleGetTrip(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["trip_id"]
	if t, ok := s.Trips.Get(id); ok {
		writeJSON(w, t)
		return
	}
	t, err := s.Store.GetTrip(id)
	if err != nil {
		http.Error(w, "store error", http.StatusInternalServerError)
		return
	}
	if t == nil {
		http.Error(w, "trip not found", http.StatusNotFound)
		return
	}
	writeJSON(w, t)
}

// handleDriverLocation is an ingest side door for location updates arriving
// over HTTP instead of the socket (e.g. from a telemetry relay).
func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var d models.DriverPresence
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if d.DriverID == "" {
		http.Error(w, "driver_id required", http.StatusBadRequest)
		return
	}
	if d.VehicleClass == "" {
		d.VehicleClass = models.VehicleCar
	}
	s.Presence.Update(d.DriverID, d.Loc, d.VehicleClass, d.Online)
	observability.DriversOnline.Set(float64(s.Presence.OnlineCount()))
	if s.Kafka != nil {
		if cur, ok := s.Presence.Get(d.DriverID); ok {
			go func() { _ = s.Kafka.PublishPresence(cur) }()
		}
	}
	s.Router.RouteLocationUpdate(d.DriverID, d.Loc, d.Online)
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
