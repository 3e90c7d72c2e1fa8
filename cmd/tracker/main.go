package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/example/service-dispatch/internal/bus"
	"github.com/example/service-dispatch/internal/config"
	"github.com/example/service-dispatch/internal/geo"
	"github.com/example/service-dispatch/internal/logging"
	"github.com/example/service-dispatch/internal/models"
	"github.com/example/service-dispatch/internal/storage"
	"github.com/example/service-dispatch/internal/tracking"
)

// The tracker worker persists the location ping stream: every ping on
// the bus becomes an append-only history row and a live-position
// update in the geo index. The realtime gateway consumes the same
// topic under its own group, so relay latency is independent of
// persistence.
func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2113", "address to serve prometheus metrics on")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.NewLogger(cfg.LogLevel, "tracker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rc := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr(), Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer rc.Close()
	geoIndex := geo.NewRedisIndex(rc, cfg.Redis.GeoKey)

	var store tracking.Store
	if pg, err := storage.NewPostgresStore(cfg.Postgres.DSN()); err != nil {
		logger.Warn("postgres unavailable, using in-memory store", "error", err)
		store = storage.NewMemoryStore()
	} else {
		store = pg
		defer pg.Close()
	}

	eventBus := bus.NewKafkaBus(cfg.Kafka.Brokers, cfg.Dispatch.PublishRetries, logger)
	defer eventBus.Close()

	tracker := tracking.NewTracker(store, geoIndex, eventBus, logger)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		logger.Info("metrics/health listening", "addr", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	err = eventBus.Subscribe(ctx, bus.TopicJobLocationPing, cfg.Kafka.GroupID+"-tracking", func(ctx context.Context, value []byte) error {
		var ev models.LocationPingEvent
		if err := json.Unmarshal(value, &ev); err != nil {
			return err
		}
		return tracker.IngestPing(ctx, models.LocationPing{
			JobID:      ev.JobID,
			ProviderID: ev.ProviderID,
			Lat:        ev.Lat,
			Lng:        ev.Lng,
		})
	})
	if err != nil && ctx.Err() == nil {
		logger.Error("tracking consumer stopped", "error", err)
	}
	logger.Info("shutting down tracker")
}
