package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/example/service-dispatch/internal/bus"
	"github.com/example/service-dispatch/internal/config"
	"github.com/example/service-dispatch/internal/dispatch"
	"github.com/example/service-dispatch/internal/geo"
	"github.com/example/service-dispatch/internal/logging"
	"github.com/example/service-dispatch/internal/models"
	"github.com/example/service-dispatch/internal/storage"
)

// The dispatcher is the consuming half of the coordinator: it reacts
// to request.created by fanning out offers and keeps the geo index
// fresh from provider location updates. It can run as many replicas as
// needed; the acceptance marker in Redis is the only coordination.
func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.NewLogger(cfg.LogLevel, "dispatcher")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rc := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr(), Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer rc.Close()
	geoIndex := geo.NewRedisIndex(rc, cfg.Redis.GeoKey)
	marker := dispatch.NewRedisMarker(rc)

	var store dispatch.Store
	if pg, err := storage.NewPostgresStore(cfg.Postgres.DSN()); err != nil {
		logger.Warn("postgres unavailable, using in-memory store", "error", err)
		store = storage.NewMemoryStore()
	} else {
		store = pg
		defer pg.Close()
	}

	eventBus := bus.NewKafkaBus(cfg.Kafka.Brokers, cfg.Dispatch.PublishRetries, logger)
	defer eventBus.Close()

	coordinator := dispatch.NewCoordinator(cfg.Dispatch, geoIndex, store, eventBus, marker, nil, logger)

	go serveMetrics(metricsAddr, rc, logger.With("component", "metrics"))

	go func() {
		err := eventBus.Subscribe(ctx, bus.TopicRequestCreated, cfg.Kafka.GroupID+"-matching", func(ctx context.Context, value []byte) error {
			var ev models.RequestCreatedEvent
			if err := json.Unmarshal(value, &ev); err != nil {
				return err
			}
			return coordinator.HandleRequestCreated(ctx, ev)
		})
		if err != nil && ctx.Err() == nil {
			logger.Error("request consumer stopped", "error", err)
			stop()
		}
	}()

	go func() {
		err := eventBus.Subscribe(ctx, bus.TopicProviderLocation, cfg.Kafka.GroupID+"-location", func(ctx context.Context, value []byte) error {
			var ev models.ProviderLocationEvent
			if err := json.Unmarshal(value, &ev); err != nil {
				return err
			}
			return coordinator.HandleProviderLocation(ctx, ev)
		})
		if err != nil && ctx.Err() == nil {
			logger.Error("location consumer stopped", "error", err)
			stop()
		}
	}()

	logger.Info("dispatcher running", "brokers", cfg.Kafka.Brokers, "radius_km", cfg.Dispatch.RadiusKm)
	<-ctx.Done()
	logger.Info("shutting down dispatcher")
}

func serveMetrics(addr string, rc *redis.Client, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := rc.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(200)
		w.Write([]byte("ready"))
	})
	logger.Info("metrics/health listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server stopped", "error", err)
	}
}
