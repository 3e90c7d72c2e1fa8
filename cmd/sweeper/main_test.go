package main

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/example/service-dispatch/internal/bus"
	"github.com/example/service-dispatch/internal/config"
	"github.com/example/service-dispatch/internal/dispatch"
	"github.com/example/service-dispatch/internal/geo"
	"github.com/example/service-dispatch/internal/models"
	"github.com/example/service-dispatch/internal/storage"
)

func TestSweepExpiresOnlyStaleRequests(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := storage.NewMemoryStore()
	cfg := config.DispatchConfig{RadiusKm: 10, OfferTimeout: 30 * time.Second, AcceptLeaseTTL: time.Hour}
	coordinator := dispatch.NewCoordinator(cfg, geo.NewMemoryIndex(), store, bus.NewMemoryBus(), dispatch.NewMemoryMarker(), nil, logger)

	now := time.Now()
	store.UpsertRequest(ctx, models.ServiceRequest{
		ID: "stale", CustomerID: "c1", Status: models.RequestOffered, CreatedAt: now.Add(-time.Minute),
	})
	store.UpsertRequest(ctx, models.ServiceRequest{
		ID: "fresh", CustomerID: "c1", Status: models.RequestOffered, CreatedAt: now,
	})
	store.UpsertRequest(ctx, models.ServiceRequest{
		ID: "taken", CustomerID: "c1", Status: models.RequestAccepted, CreatedAt: now.Add(-time.Minute),
	})

	sweep(ctx, store, coordinator, cfg.OfferTimeout, logger)

	want := map[string]models.RequestStatus{
		"stale": models.RequestExpired,
		"fresh": models.RequestOffered,
		"taken": models.RequestAccepted,
	}
	for id, status := range want {
		req, err := store.GetRequest(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if req.Status != status {
			t.Fatalf("request %s: expected %s, got %s", id, status, req.Status)
		}
	}
}
