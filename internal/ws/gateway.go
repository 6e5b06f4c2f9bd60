package ws

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/router"
	"github.com/example/ride-dispatch/internal/trip"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Gateway upgrades authenticated parties onto the real-time channel and
// translates wire events into calls on the dispatch core.
type Gateway struct {
	Auth     *auth.Verifier
	Registry *registry.Registry
	Presence *presence.Cache
	Engine   *dispatch.Engine
	Router   *router.Router
	Ingest   *ingest.KafkaProducer // optional location mirror
	Log      *slog.Logger
}

// HandleWS is the websocket endpoint. The bearer credential is validated
// before any event handler runs; a bad token refuses the connection.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	partyID, role, err := g.Auth.Verify(token)
	if err != nil {
		http.Error(w, "authentication error", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	sess := newSession(conn)
	g.Registry.Register(partyID, role, sess)
	go sess.writePump()

	g.Log.Info("party connected", "party_id", partyID, "role", role)
	g.readLoop(sess, partyID, role)

	g.Registry.Unregister(partyID, sess)
	if role == models.RoleDriver {
		g.Presence.SetOffline(partyID)
		observability.DriversOnline.Set(float64(g.Presence.OnlineCount()))
		g.Engine.DriverWithdrawn(partyID)
		g.Router.RouteStatusToggle(partyID, false)
	}
	g.Log.Info("party disconnected", "party_id", partyID, "role", role)
}

func bearerToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(h), "bearer ") {
		return strings.TrimSpace(h[len("bearer "):])
	}
	return ""
}

func (g *Gateway) readLoop(sess *Session, partyID string, role models.Role) {
	sess.conn.SetReadLimit(maxMessageSize)
	_ = sess.conn.SetReadDeadline(time.Now().Add(pongWait))
	sess.conn.SetPongHandler(func(string) error {
		return sess.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var env struct {
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
		}
		if err := sess.conn.ReadJSON(&env); err != nil {
			sess.Close()
			return
		}
		g.handleEvent(sess, partyID, role, env.Event, env.Data)
	}
}

func (g *Gateway) handleEvent(sess *Session, partyID string, role models.Role, event string, data json.RawMessage) {
	var err error
	switch role {
	case models.RoleDriver:
		err = g.handleDriverEvent(partyID, event, data)
	case models.RoleCustomer:
		err = g.handleCustomerEvent(sess, partyID, event, data)
	}
	if err != nil {
		g.reportError(sess, event, err)
	}
}

var errUnknownEvent = errors.New("unknown event")

func (g *Gateway) handleDriverEvent(driverID, event string, data json.RawMessage) error {
	switch event {
	case "update-location":
		var p struct {
			Lat          float64             `json:"lat"`
			Lon          float64             `json:"lon"`
			IsOnline     bool                `json:"is_online"`
			VehicleClass models.VehicleClass `json:"vehicle_class"`
		}
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		g.updatePresence(driverID, models.Coord{Lat: p.Lat, Lon: p.Lon}, p.VehicleClass, p.IsOnline)
		g.Router.RouteLocationUpdate(driverID, models.Coord{Lat: p.Lat, Lon: p.Lon}, p.IsOnline)
		return nil

	case "toggle-status":
		var p struct {
			IsOnline bool `json:"is_online"`
		}
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		if p.IsOnline {
			d, ok := g.Presence.Get(driverID)
			if !ok {
				// dispatch cannot offer a driver with no coordinates; wait
				// for the first update-location before announcing them
				return nil
			}
			g.updatePresence(driverID, d.Loc, d.VehicleClass, true)
		} else {
			g.Presence.SetOffline(driverID)
			g.Engine.DriverWithdrawn(driverID)
		}
		observability.DriversOnline.Set(float64(g.Presence.OnlineCount()))
		g.Router.RouteStatusToggle(driverID, p.IsOnline)
		return nil

	case "accept-booking":
		var p struct {
			TripID string `json:"trip_id"`
		}
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		_, err := g.Engine.Accept(driverID, p.TripID)
		return err

	case "update-booking-status":
		var p struct {
			TripID   string            `json:"trip_id"`
			Status   models.TripStatus `json:"status"`
			Location *models.Coord     `json:"location"`
			Reason   string            `json:"reason"`
		}
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		switch p.Status {
		case models.StatusPickedUp, models.StatusInProgress:
			_, err := g.Engine.Advance(driverID, p.TripID, p.Status, p.Location)
			return err
		case models.StatusCompleted:
			_, err := g.Engine.Complete(driverID, p.TripID, p.Location)
			return err
		case models.StatusCancelled:
			if t, ok := g.Engine.Trips.Get(p.TripID); !ok || t.DriverID != driverID {
				return trip.ErrNotAssigned
			}
			_, err := g.Engine.Cancel(p.TripID, models.RoleDriver, p.Reason)
			return err
		default:
			return trip.ErrInvalidTransition
		}

	case "send-message":
		return g.chat(driverID, models.RoleDriver, data)
	}
	return errUnknownEvent
}

func (g *Gateway) handleCustomerEvent(sess *Session, customerID, event string, data json.RawMessage) error {
	switch event {
	case "create-booking":
		var p struct {
			Pickup        models.Coord        `json:"pickup"`
			Destination   models.Coord        `json:"destination"`
			VehicleType   models.VehicleClass `json:"vehicle_type"`
			EstimatedFare int64               `json:"estimated_fare"`
		}
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		t, err := g.Engine.Dispatch(models.TripRequest{
			CustomerID:    customerID,
			Pickup:        p.Pickup,
			Destination:   p.Destination,
			VehicleClass:  p.VehicleType,
			EstimatedFare: p.EstimatedFare,
		})
		if err != nil && !errors.Is(err, dispatch.ErrNoDriverAvailable) {
			return err
		}
		_ = sess.Send(router.EvBookingCreated, map[string]any{"booking": t})
		if errors.Is(err, dispatch.ErrNoDriverAvailable) {
			return err
		}
		return nil

	case "cancel-booking":
		var p struct {
			TripID string `json:"trip_id"`
			Reason string `json:"reason"`
		}
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		if t, ok := g.Engine.Trips.Get(p.TripID); !ok || t.CustomerID != customerID {
			return trip.ErrNotAvailable
		}
		_, err := g.Engine.Cancel(p.TripID, models.RoleCustomer, p.Reason)
		return err

	case "send-message":
		return g.chat(customerID, models.RoleCustomer, data)
	}
	return errUnknownEvent
}

func (g *Gateway) chat(senderID string, role models.Role, data json.RawMessage) error {
	var p struct {
		TripID  string `json:"trip_id"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	return g.Router.RouteChatMessage(p.TripID, senderID, role, p.Message)
}

// updatePresence refreshes the in-memory cache and mirrors the update onto
// the location stream. The mirror is fire-and-forget and never gates the
// cache write.
func (g *Gateway) updatePresence(driverID string, loc models.Coord, class models.VehicleClass, online bool) {
	if class == "" {
		if d, ok := g.Presence.Get(driverID); ok {
			class = d.VehicleClass
		} else {
			class = models.VehicleCar
		}
	}
	g.Presence.Update(driverID, loc, class, online)
	observability.DriversOnline.Set(float64(g.Presence.OnlineCount()))
	if g.Ingest != nil {
		d, _ := g.Presence.Get(driverID)
		go func() {
			if err := g.Ingest.PublishPresence(d); err != nil {
				g.Log.Debug("presence mirror publish failed", "driver_id", driverID, "error", err)
			}
		}()
	}
}

// reportError sends a distinguishable error event back to the caller only.
// Losing an accept race or hitting an illegal transition is the caller's
// business, never a broadcast.
func (g *Gateway) reportError(sess *Session, event string, err error) {
	code := "bad_request"
	switch {
	case errors.Is(err, trip.ErrAlreadyTaken):
		code = "already_taken"
	case errors.Is(err, trip.ErrNotAvailable):
		code = "not_available"
	case errors.Is(err, trip.ErrInvalidTransition):
		code = "invalid_transition"
	case errors.Is(err, trip.ErrNotAssigned):
		code = "not_assigned"
	case errors.Is(err, dispatch.ErrNoDriverAvailable):
		code = "no_driver_available"
	case errors.Is(err, dispatch.ErrDriverOffline):
		code = "driver_offline"
	}
	_ = sess.Send(router.EvBookingError, map[string]any{
		"event":   event,
		"code":    code,
		"message": err.Error(),
	})
}
