package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/example/service-dispatch/internal/bus"
	"github.com/example/service-dispatch/internal/config"
	"github.com/example/service-dispatch/internal/dispatch"
	"github.com/example/service-dispatch/internal/geo"
	"github.com/example/service-dispatch/internal/logging"
	"github.com/example/service-dispatch/internal/models"
	"github.com/example/service-dispatch/internal/storage"
)

type sweepStore interface {
	dispatch.Store
	ListRequestsByStatus(ctx context.Context, statuses ...models.RequestStatus) ([]models.ServiceRequest, error)
}

// The sweeper is the external scheduler the coordinator relies on for
// timeouts: every minute it expires requests that outlived their offer
// window, going through the same compare-and-set as acceptance so it
// can never beat a legitimate winner.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.NewLogger(cfg.LogLevel, "sweeper")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rc := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr(), Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer rc.Close()
	marker := dispatch.NewRedisMarker(rc)
	geoIndex := geo.NewRedisIndex(rc, cfg.Redis.GeoKey)

	pg, err := storage.NewPostgresStore(cfg.Postgres.DSN())
	if err != nil {
		// The sweeper is pointless without the shared store.
		log.Fatalf("postgres: %v", err)
	}
	defer pg.Close()
	var store sweepStore = pg

	eventBus := bus.NewKafkaBus(cfg.Kafka.Brokers, cfg.Dispatch.PublishRetries, logger)
	defer eventBus.Close()

	coordinator := dispatch.NewCoordinator(cfg.Dispatch, geoIndex, store, eventBus, marker, nil, logger)

	c := cron.New()
	_, err = c.AddFunc("* * * * *", func() {
		sweep(ctx, store, coordinator, cfg.Dispatch.OfferTimeout, logger)
	})
	if err != nil {
		log.Fatalf("cron: %v", err)
	}
	c.Start()
	logger.Info("sweeper running", "offer_timeout", cfg.Dispatch.OfferTimeout)

	<-ctx.Done()
	<-c.Stop().Done()
	logger.Info("sweeper stopped")
}

func sweep(ctx context.Context, store sweepStore, coordinator *dispatch.Coordinator, offerTimeout time.Duration, logger *slog.Logger) {
	requests, err := store.ListRequestsByStatus(ctx, models.RequestPending, models.RequestOffered)
	if err != nil {
		logger.Warn("sweep listing failed", "error", err)
		return
	}
	cutoff := time.Now().Add(-offerTimeout)
	for _, req := range requests {
		if req.CreatedAt.After(cutoff) {
			continue
		}
		if err := coordinator.Expire(ctx, req.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			logger.Warn("expiry failed", "request_id", req.ID, "error", err)
		}
	}
}
