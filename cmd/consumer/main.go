package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
)

// The consumer drains the driver-location stream and mirrors each presence
// update into Redis (geo set plus a metadata hash). The mirror is advisory:
// the dispatch server's in-memory cache is the live source of truth, this
// copy serves dashboards and future multi-node presence lookups.

var (
	consumed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ride_dispatch", Name: "mirror_messages_consumed_total",
		Help: "Presence messages read off the stream",
	})
	invalid = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ride_dispatch", Name: "mirror_messages_invalid_total",
		Help: "Presence messages that failed to decode",
	})
	mirrored = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ride_dispatch", Name: "mirror_redis_updates_total",
		Help: "Presence updates written to redis",
	})
	mirrorErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ride_dispatch", Name: "mirror_redis_errors_total",
		Help: "Presence updates that exhausted their redis retries",
	})
)

type mirrorConfig struct {
	brokers     []string
	topic       string
	group       string
	redisAddr   string
	geoKey      string
	metricsAddr string
}

func loadMirrorConfig() mirrorConfig {
	cfg := mirrorConfig{
		topic:       envOr("KAFKA_TOPIC", "driver-locations"),
		group:       envOr("KAFKA_GROUP", "ride-dispatch-mirror"),
		redisAddr:   envOr("REDIS_ADDR", "localhost:6379"),
		geoKey:      envOr("REDIS_GEO_KEY", "drivers_geo"),
		metricsAddr: envOr("METRICS_ADDR", ":2112"),
	}
	for _, b := range strings.Split(envOr("KAFKA_BROKERS", "localhost:9092"), ",") {
		if s := strings.TrimSpace(b); s != "" {
			cfg.brokers = append(cfg.brokers, s)
		}
	}
	return cfg
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func main() {
	cfg := loadMirrorConfig()
	flag.StringVar(&cfg.metricsAddr, "metrics-addr", cfg.metricsAddr, "address to serve prometheus metrics on")
	flag.Parse()

	log := logging.NewLogger(os.Getenv("LOG_LEVEL"))

	rc := redis.NewClient(&redis.Options{Addr: cfg.redisAddr, Password: os.Getenv("REDIS_PASSWORD")})
	go serveOps(cfg.metricsAddr, rc, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.brokers,
		Topic:    cfg.topic,
		GroupID:  cfg.group,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	defer func() {
		_ = reader.Close()
		_ = rc.Close()
	}()

	log.Info("presence mirror started", "topic", cfg.topic, "brokers", cfg.brokers, "group", cfg.group)
	consume(ctx, reader, &redisAdapter{c: rc}, cfg.geoKey, log)
}

// serveOps exposes /metrics plus liveness and readiness probes. Readiness
// requires redis to answer a ping.
func serveOps(addr string, rc *redis.Client, log *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := rc.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis not ready", 503)
			return
		}
		w.WriteHeader(200)
		w.Write([]byte("ready"))
	})
	log.Info("mirror ops server listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("mirror ops server stopped", "error", err)
	}
}

// consume reads presence updates until ctx is cancelled, backing off on
// broker errors and resetting the backoff after a good read.
func consume(ctx context.Context, r *kafka.Reader, rc RedisUpdater, geoKey string, log *slog.Logger) {
	const maxBackoff = 30 * time.Second
	backoff := time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("presence mirror stopping")
				return
			}
			log.Warn("kafka read failed", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			if backoff *= 2; backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		consumed.Inc()

		var d models.DriverPresence
		if err := json.Unmarshal(m.Value, &d); err != nil || d.DriverID == "" {
			invalid.Inc()
			log.Warn("undecodable presence message", "error", err)
			continue
		}

		if err := mirrorPresenceWithRetry(ctx, rc, &d, geoKey, 3, 200*time.Millisecond); err != nil {
			mirrorErrors.Inc()
			log.Warn("presence mirror write failed", "driver_id", d.DriverID, "error", err)
			continue
		}
		mirrored.Inc()
	}
}

// RedisUpdater is the subset of redis operations the mirror needs, small
// enough to fake in tests.
type RedisUpdater interface {
	GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error
	HSet(ctx context.Context, key string, values map[string]interface{}) error
}

type redisAdapter struct{ c *redis.Client }

func (r *redisAdapter) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	_, err := r.c.GeoAdd(ctx, key, loc).Result()
	return err
}

func (r *redisAdapter) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	_, err := r.c.HSet(ctx, key, values).Result()
	return err
}

// mirrorPresenceWithRetry writes one presence update into redis, retrying
// each of the two writes with doubling delays before giving up.
func mirrorPresenceWithRetry(ctx context.Context, rc RedisUpdater, d *models.DriverPresence, geoKey string, attempts int, delay time.Duration) error {
	for i := 0; i < attempts; i++ {
		if err := rc.GeoAdd(ctx, geoKey, &redis.GeoLocation{Longitude: d.Loc.Lon, Latitude: d.Loc.Lat, Name: d.DriverID}); err != nil {
			if i == attempts-1 {
				return err
			}
			time.Sleep(delay)
			delay *= 2
			continue
		}
		meta := map[string]interface{}{
			"vehicle_class": string(d.VehicleClass),
			"online":        d.Online,
			"updated":       d.Updated.Format(time.RFC3339),
		}
		if err := rc.HSet(ctx, "driver:presence:"+d.DriverID, meta); err != nil {
			if i == attempts-1 {
				return err
			}
			time.Sleep(delay)
			delay *= 2
			continue
		}
		return nil
	}
	return nil
}
