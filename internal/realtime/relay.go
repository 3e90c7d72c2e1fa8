package realtime

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/example/service-dispatch/internal/bus"
	"github.com/example/service-dispatch/internal/models"
)

// Relay subscribes to the dispatch output topics and forwards each
// event to the sessions that care about it: offers to the candidate
// provider, acceptance to both parties, status and position updates to
// the job room.
type Relay struct {
	reg    *Registry
	bus    bus.Bus
	group  string
	logger *slog.Logger
}

func NewRelay(reg *Registry, b bus.Bus, group string, logger *slog.Logger) *Relay {
	return &Relay{reg: reg, bus: b, group: group, logger: logger.With("component", "relay")}
}

// Run starts one consumer loop per topic and blocks until ctx is done.
func (r *Relay) Run(ctx context.Context) {
	go r.consume(ctx, bus.TopicOfferCreated, r.onOffer)
	go r.consume(ctx, bus.TopicJobAccepted, r.onAccepted)
	go r.consume(ctx, bus.TopicJobStatusChanged, r.onStatus)
	go r.consume(ctx, bus.TopicJobLocationPing, r.onPing)
	<-ctx.Done()
}

func (r *Relay) consume(ctx context.Context, topic string, handler bus.Handler) {
	if err := r.bus.Subscribe(ctx, topic, r.group+"-"+topic, handler); err != nil && ctx.Err() == nil {
		r.logger.Error("relay consumer stopped", "topic", topic, "error", err)
	}
}

func (r *Relay) onOffer(ctx context.Context, value []byte) error {
	var ev models.OfferCreatedEvent
	if err := json.Unmarshal(value, &ev); err != nil {
		return err
	}
	if err := r.reg.SendTo("provider:"+ev.ProviderID, "request_offer", ev); err != nil {
		r.logger.Debug("offer not delivered", "provider_id", ev.ProviderID, "error", err)
	}
	return nil
}

func (r *Relay) onAccepted(ctx context.Context, value []byte) error {
	var ev models.JobAcceptedEvent
	if err := json.Unmarshal(value, &ev); err != nil {
		return err
	}
	customer := "customer:" + ev.CustomerID
	provider := "provider:" + ev.ProviderID
	_ = r.reg.SendTo(customer, "job_accepted", ev)
	_ = r.reg.SendTo(provider, "job_accepted", ev)
	// Both parties follow the job from here on.
	room := "job:" + ev.JobID
	r.reg.Join(room, customer)
	r.reg.Join(room, provider)
	return nil
}

func (r *Relay) onStatus(ctx context.Context, value []byte) error {
	var ev models.JobStatusChangedEvent
	if err := json.Unmarshal(value, &ev); err != nil {
		return err
	}
	r.reg.Broadcast("job:"+ev.JobID, "job_status_update", ev)
	return nil
}

func (r *Relay) onPing(ctx context.Context, value []byte) error {
	var ev models.LocationPingEvent
	if err := json.Unmarshal(value, &ev); err != nil {
		return err
	}
	r.reg.Broadcast("job:"+ev.JobID, "location_update", ev)
	return nil
}
