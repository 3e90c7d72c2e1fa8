package tracking

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/service-dispatch/internal/bus"
	"github.com/example/service-dispatch/internal/geo"
	"github.com/example/service-dispatch/internal/models"
	"github.com/example/service-dispatch/internal/observability"
)

// Store is the persistence surface the tracker needs.
type Store interface {
	AppendPing(ctx context.Context, p models.LocationPing) error
	PingHistory(ctx context.Context, jobID string) ([]models.LocationPing, error)
}

// Tracker maintains the append-only route history of active jobs and
// keeps the geo index in sync with the provider's live position.
//
// The ping topic is fed either by the provider's session relay or by
// the HTTP fallback (PublishPing); the tracker worker consumes it and
// persists through IngestPing, while the realtime gateway consumes the
// same topic under its own group for live relay.
type Tracker struct {
	store  Store
	geo    geo.Index
	bus    bus.Bus
	logger *slog.Logger
}

func NewTracker(store Store, idx geo.Index, b bus.Bus, logger *slog.Logger) *Tracker {
	return &Tracker{store: store, geo: idx, bus: b, logger: logger.With("component", "tracker")}
}

// PublishPing puts a ping on the bus without touching storage. Used by
// the synchronous HTTP fallback when the session transport is down.
func (t *Tracker) PublishPing(ctx context.Context, ping models.LocationPing) error {
	ev := models.LocationPingEvent{
		JobID:      ping.JobID,
		ProviderID: ping.ProviderID,
		Lat:        ping.Lat,
		Lng:        ping.Lng,
	}
	if err := t.bus.Publish(ctx, bus.TopicJobLocationPing, ev); err != nil {
		observability.PublishFailures.WithLabelValues(bus.TopicJobLocationPing).Inc()
		return fmt.Errorf("publish ping for %s: %w", ping.JobID, err)
	}
	return nil
}

// IngestPing appends the ping to the job's history (always, even when
// it arrived out of order) and overwrites the provider's live position
// last-write-wins.
func (t *Tracker) IngestPing(ctx context.Context, ping models.LocationPing) error {
	if ping.Timestamp.IsZero() {
		ping.Timestamp = time.Now()
	}
	if err := t.store.AppendPing(ctx, ping); err != nil {
		return fmt.Errorf("append ping for %s: %w", ping.JobID, err)
	}
	observability.PingsIngested.Inc()

	if err := t.geo.Upsert(ctx, ping.ProviderID, ping.Lat, ping.Lng); err != nil {
		t.logger.Warn("geo upsert failed", "provider_id", ping.ProviderID, "error", err)
	}
	return nil
}

// History returns all pings for a job ordered by timestamp ascending.
// Meant for post-hoc route reconstruction; live tracking uses the
// event stream.
func (t *Tracker) History(ctx context.Context, jobID string) ([]models.LocationPing, error) {
	return t.store.PingHistory(ctx, jobID)
}
