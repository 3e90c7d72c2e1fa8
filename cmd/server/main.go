package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/service-dispatch/internal/bus"
	"github.com/example/service-dispatch/internal/config"
	"github.com/example/service-dispatch/internal/dispatch"
	"github.com/example/service-dispatch/internal/geo"
	httpapi "github.com/example/service-dispatch/internal/http"
	"github.com/example/service-dispatch/internal/jobs"
	"github.com/example/service-dispatch/internal/logging"
	"github.com/example/service-dispatch/internal/payments"
	"github.com/example/service-dispatch/internal/realtime"
	"github.com/example/service-dispatch/internal/storage"
	"github.com/example/service-dispatch/internal/tracing"
	"github.com/example/service-dispatch/internal/tracking"
)

type dispatchStore interface {
	dispatch.Store
	jobs.Store
	tracking.Store
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.NewLogger(cfg.LogLevel, "dispatch-server")

	shutdownTracing, err := tracing.InitTracer("dispatch-server")
	if err != nil {
		log.Fatalf("tracing: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Redis backs the shared geo index and the acceptance markers.
	// Without it we fall back to process-local implementations, which
	// is only correct for a single replica.
	rc := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr(), Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	var geoIndex geo.Index
	var marker dispatch.Marker
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	if err := rc.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unavailable, using in-memory geo index and marker", "error", err)
		geoIndex = geo.NewMemoryIndex()
		marker = dispatch.NewMemoryMarker()
	} else {
		geoIndex = geo.NewRedisIndex(rc, cfg.Redis.GeoKey)
		marker = dispatch.NewRedisMarker(rc)
	}
	cancel()

	var store dispatchStore
	if pg, err := storage.NewPostgresStore(cfg.Postgres.DSN()); err != nil {
		logger.Warn("postgres unavailable, using in-memory store", "error", err)
		store = storage.NewMemoryStore()
	} else {
		store = pg
		defer pg.Close()
	}

	// Same degradation policy as Redis: probe the broker, fall back to
	// the in-process bus when none answers. Single-replica only.
	var eventBus bus.Bus
	probeCtx, cancelProbe := context.WithTimeout(ctx, 3*time.Second)
	if err := bus.ProbeBrokers(probeCtx, cfg.Kafka.Brokers); err != nil {
		logger.Warn("kafka unavailable, using in-memory bus", "error", err)
		eventBus = bus.NewMemoryBus()
	} else {
		kb := bus.NewKafkaBus(cfg.Kafka.Brokers, cfg.Dispatch.PublishRetries, logger)
		defer kb.Close()
		eventBus = kb
	}
	cancelProbe()

	var stripeClient *payments.StripeClient
	if cfg.StripeAPIKey != "" {
		stripeClient = payments.NewStripeClient(cfg.StripeAPIKey)
	}
	// A nil *StripeClient inside a non-nil interface would dodge the
	// payments==nil guards downstream.
	var authorizer dispatch.PaymentAuthorizer
	var settler jobs.PaymentSettler
	if stripeClient != nil {
		authorizer = stripeClient
		settler = stripeClient
	}

	coordinator := dispatch.NewCoordinator(cfg.Dispatch, geoIndex, store, eventBus, marker, authorizer, logger)
	lifecycle := jobs.NewLifecycle(store, eventBus, settler, logger)
	tracker := tracking.NewTracker(store, geoIndex, eventBus, logger)

	registry := realtime.NewRegistry()
	relay := realtime.NewRelay(registry, eventBus, cfg.Kafka.GroupID+"-gateway", logger)
	go relay.Run(ctx)

	api := httpapi.NewServer(coordinator, lifecycle, tracker, registry, logger)
	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("dispatch server listening", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("tracing shutdown failed", "error", err)
	}
}
