package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/service-dispatch/internal/bus"
	"github.com/example/service-dispatch/internal/config"
	"github.com/example/service-dispatch/internal/geo"
	"github.com/example/service-dispatch/internal/models"
	"github.com/example/service-dispatch/internal/observability"
	"github.com/example/service-dispatch/internal/storage"
)

// ErrOfferTaken is the normal outcome of losing the acceptance race.
// Callers surface it as a conflict, never log it as an error.
var ErrOfferTaken = errors.New("offer no longer available")

// expiredHolder is written into the marker when the sweeper wins the
// race instead of a provider.
const expiredHolder = "EXPIRED"

// Store is the persistence surface the coordinator needs.
type Store interface {
	UpsertRequest(ctx context.Context, r models.ServiceRequest) error
	GetRequest(ctx context.Context, id string) (models.ServiceRequest, error)
	UpdateRequestStatus(ctx context.Context, id string, status models.RequestStatus, providerID string) error
	SaveOffer(ctx context.Context, o models.Offer) error
	GetOffer(ctx context.Context, id string) (models.Offer, error)
	ListOffersByRequest(ctx context.Context, requestID string) ([]models.Offer, error)
	ResolveOffers(ctx context.Context, requestID, winnerID string) error
	CreateJob(ctx context.Context, j models.Job) error
	GetJobByRequest(ctx context.Context, requestID string) (models.Job, error)
}

// PaymentAuthorizer places a hold on the customer's payment method when
// a priced request is accepted. Best effort: a failed hold never blocks
// dispatch.
type PaymentAuthorizer interface {
	Hold(ctx context.Context, amount int64, currency, customerID string) (string, error)
}

// Coordinator drives a service request from PENDING through offer
// fan-out to exactly one accepted job. Multiple replicas may run
// concurrently; the marker is the only synchronization between them.
type Coordinator struct {
	cfg      config.DispatchConfig
	geo      geo.Index
	store    Store
	bus      bus.Bus
	marker   Marker
	payments PaymentAuthorizer
	logger   *slog.Logger
	tracer   trace.Tracer
}

func NewCoordinator(cfg config.DispatchConfig, idx geo.Index, store Store, b bus.Bus, marker Marker, payments PaymentAuthorizer, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		cfg:      cfg,
		geo:      idx,
		store:    store,
		bus:      b,
		marker:   marker,
		payments: payments,
		logger:   logger.With("component", "coordinator"),
		tracer:   otel.Tracer("dispatch-coordinator"),
	}
}

// HandleRequestCreated queries the geo index and fans an offer out to
// every candidate. Zero candidates is not an error: the request stays
// PENDING and the sweeper decides its fate later. A geo outage degrades
// to the same path.
func (c *Coordinator) HandleRequestCreated(ctx context.Context, ev models.RequestCreatedEvent) error {
	now := time.Now()
	req := models.ServiceRequest{
		ID:          ev.RequestID,
		CustomerID:  ev.CustomerID,
		CategoryID:  ev.CategoryID,
		Description: ev.Description,
		PickupLat:   ev.Lat,
		PickupLng:   ev.Lng,
		Price:       ev.Price,
		Status:      models.RequestPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	// Duplicate delivery after an acceptance must not resurrect the
	// request or re-offer it.
	if existing, err := c.store.GetRequest(ctx, ev.RequestID); err == nil && existing.Status != models.RequestPending {
		c.logger.Debug("request already past pending, skipping", "request_id", ev.RequestID, "status", existing.Status)
		return nil
	}
	if err := c.store.UpsertRequest(ctx, req); err != nil {
		return fmt.Errorf("persist request %s: %w", ev.RequestID, err)
	}

	candidates, err := c.geo.QueryRadius(ctx, ev.Lat, ev.Lng, c.cfg.RadiusKm)
	if err != nil {
		// Fail closed: treat a geo outage as zero candidates.
		c.logger.Warn("geo query failed, leaving request pending", "request_id", ev.RequestID, "error", err)
		return nil
	}
	if len(candidates) == 0 {
		c.logger.Info("no providers in radius", "request_id", ev.RequestID, "radius_km", c.cfg.RadiusKm)
		return nil
	}

	timeoutSeconds := int(c.cfg.OfferTimeout.Seconds())
	sent := 0
	for _, providerID := range candidates {
		offer := models.Offer{
			ID:             uuid.NewString(),
			RequestID:      ev.RequestID,
			ProviderID:     providerID,
			Status:         models.OfferPending,
			TimeoutSeconds: timeoutSeconds,
			CreatedAt:      time.Now(),
		}
		if err := c.store.SaveOffer(ctx, offer); err != nil {
			c.logger.Warn("offer persist failed", "request_id", ev.RequestID, "provider_id", providerID, "error", err)
			continue
		}
		c.publish(ctx, bus.TopicOfferCreated, models.OfferCreatedEvent{
			RequestID:      ev.RequestID,
			ProviderID:     providerID,
			TimeoutSeconds: timeoutSeconds,
		})
		sent++
	}
	if sent > 0 {
		observability.OffersPublished.Add(float64(sent))
		if err := c.store.UpdateRequestStatus(ctx, ev.RequestID, models.RequestOffered, ""); err != nil {
			c.logger.Warn("request status update failed", "request_id", ev.RequestID, "error", err)
		}
	}
	c.logger.Info("offers dispatched", "request_id", ev.RequestID, "candidates", len(candidates), "sent", sent)
	return nil
}

// Accept races the given provider against everyone else for the
// request. The loser path returns ErrOfferTaken.
func (c *Coordinator) Accept(ctx context.Context, requestID, providerID string) (models.Job, error) {
	return c.resolveAcceptance(ctx, requestID, providerID, "")
}

// AcceptOffer accepts one concrete (usually counter-priced) offer. The
// compare-and-set stays keyed by request id, so two different offers on
// the same request still cannot both win.
func (c *Coordinator) AcceptOffer(ctx context.Context, offerID string) (models.Job, error) {
	offer, err := c.store.GetOffer(ctx, offerID)
	if err != nil {
		return models.Job{}, err
	}
	if offer.Status != models.OfferPending {
		return models.Job{}, ErrOfferTaken
	}
	return c.resolveAcceptance(ctx, offer.RequestID, offer.ProviderID, offer.ID)
}

func (c *Coordinator) resolveAcceptance(ctx context.Context, requestID, providerID, offerID string) (models.Job, error) {
	ctx, span := c.tracer.Start(ctx, "dispatch.accept",
		trace.WithAttributes(attribute.String("request.id", requestID), attribute.String("provider.id", providerID)))
	defer span.End()

	req, err := c.store.GetRequest(ctx, requestID)
	if err != nil {
		return models.Job{}, err
	}
	if req.Status.Terminal() {
		observability.AcceptAttempts.WithLabelValues("conflict").Inc()
		return models.Job{}, ErrOfferTaken
	}

	won, err := c.marker.TryAcquire(ctx, requestID, providerID, c.cfg.AcceptLeaseTTL)
	if err != nil {
		// Marker store trouble is the one infrastructure failure we
		// cannot paper over: without the CAS there is no winner.
		return models.Job{}, fmt.Errorf("acceptance marker: %w", err)
	}
	if !won {
		observability.AcceptAttempts.WithLabelValues("conflict").Inc()
		return models.Job{}, ErrOfferTaken
	}
	observability.AcceptAttempts.WithLabelValues("won").Inc()

	now := time.Now()
	job := models.Job{
		ID:         uuid.NewString(),
		RequestID:  requestID,
		ProviderID: providerID,
		CustomerID: req.CustomerID,
		Status:     models.JobAccepted,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if c.payments != nil && req.Price > 0 {
		// Round, don't truncate: 19.99*100 is 1998.999... in float64.
		ref, err := c.payments.Hold(ctx, int64(math.Round(req.Price*100)), "brl", req.CustomerID)
		if err != nil {
			c.logger.Warn("payment hold failed", "request_id", requestID, "error", err)
		} else {
			job.PaymentRef = ref
		}
	}

	if err := c.store.CreateJob(ctx, job); err != nil {
		return models.Job{}, fmt.Errorf("create job for %s: %w", requestID, err)
	}
	if err := c.store.UpdateRequestStatus(ctx, requestID, models.RequestAccepted, providerID); err != nil {
		c.logger.Warn("request status update failed", "request_id", requestID, "error", err)
	}
	if offerID == "" {
		// Broadcast acceptance: the winner is this provider's pending
		// offer, if one was recorded during fan-out.
		if offers, err := c.store.ListOffersByRequest(ctx, requestID); err == nil {
			for _, o := range offers {
				if o.ProviderID == providerID && o.Status == models.OfferPending {
					offerID = o.ID
					break
				}
			}
		}
	}
	if err := c.store.ResolveOffers(ctx, requestID, offerID); err != nil {
		c.logger.Warn("offer resolution failed", "request_id", requestID, "error", err)
	}

	c.publish(ctx, bus.TopicJobAccepted, models.JobAcceptedEvent{
		RequestID:  requestID,
		JobID:      job.ID,
		ProviderID: providerID,
		CustomerID: req.CustomerID,
	})

	c.logger.Info("acceptance won", "request_id", requestID, "provider_id", providerID, "job_id", job.ID)
	return job, nil
}

// Propose records a priced counter-offer against a still-open request
// and notifies the customer side through the offer topic.
func (c *Coordinator) Propose(ctx context.Context, requestID, providerID string, price float64, message string) (models.Offer, error) {
	req, err := c.store.GetRequest(ctx, requestID)
	if err != nil {
		return models.Offer{}, err
	}
	if req.Status.Terminal() {
		return models.Offer{}, ErrOfferTaken
	}

	offer := models.Offer{
		ID:             uuid.NewString(),
		RequestID:      requestID,
		ProviderID:     providerID,
		ProposedPrice:  price,
		Message:        message,
		Status:         models.OfferPending,
		TimeoutSeconds: int(c.cfg.OfferTimeout.Seconds()),
		CreatedAt:      time.Now(),
	}
	if err := c.store.SaveOffer(ctx, offer); err != nil {
		return models.Offer{}, fmt.Errorf("save proposal for %s: %w", requestID, err)
	}
	c.publish(ctx, bus.TopicOfferCreated, models.OfferCreatedEvent{
		RequestID:      requestID,
		ProviderID:     providerID,
		TimeoutSeconds: offer.TimeoutSeconds,
		OfferID:        offer.ID,
		ProposedPrice:  price,
	})
	return offer, nil
}

// Offers lists every offer recorded against a request, counter-
// proposals included, oldest first.
func (c *Coordinator) Offers(ctx context.Context, requestID string) ([]models.Offer, error) {
	if _, err := c.store.GetRequest(ctx, requestID); err != nil {
		return nil, err
	}
	return c.store.ListOffersByRequest(ctx, requestID)
}

// HandleProviderLocation refreshes the geo index from the session
// relay. An explicit offline flag removes the provider entirely.
func (c *Coordinator) HandleProviderLocation(ctx context.Context, ev models.ProviderLocationEvent) error {
	if ev.Online != nil && !*ev.Online {
		if err := c.geo.Remove(ctx, ev.ProviderID); err != nil {
			c.logger.Warn("geo remove failed", "provider_id", ev.ProviderID, "error", err)
		}
		return nil
	}
	if err := c.geo.Upsert(ctx, ev.ProviderID, ev.Lat, ev.Lng); err != nil {
		c.logger.Warn("geo upsert failed", "provider_id", ev.ProviderID, "error", err)
	}
	return nil
}

// Expire is the sweeper's entry point for a request that outlived its
// offers. It goes through the same compare-and-set as acceptance, so a
// provider racing the sweeper still yields exactly one winner. A marker
// held by a crashed acceptor blocks expiry until its lease lapses;
// the next sweep then wins and the request is closed out.
func (c *Coordinator) Expire(ctx context.Context, requestID string) error {
	if job, err := c.store.GetJobByRequest(ctx, requestID); err == nil {
		// A winner created the job but died before updating the
		// request; finish its bookkeeping instead of expiring.
		if err := c.store.UpdateRequestStatus(ctx, requestID, models.RequestAccepted, job.ProviderID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("reconcile request %s: %w", requestID, err)
		}
		c.logger.Info("request reconciled to accepted", "request_id", requestID, "job_id", job.ID)
		return nil
	}

	req, err := c.store.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if req.Status.Terminal() {
		return nil
	}

	won, err := c.marker.TryAcquire(ctx, requestID, expiredHolder, c.cfg.AcceptLeaseTTL)
	if err != nil {
		return fmt.Errorf("expiry marker: %w", err)
	}
	if !won {
		c.logger.Debug("expiry lost to in-flight acceptance", "request_id", requestID)
		return nil
	}

	if err := c.store.UpdateRequestStatus(ctx, requestID, models.RequestExpired, ""); err != nil {
		return fmt.Errorf("expire request %s: %w", requestID, err)
	}
	if err := c.store.ResolveOffers(ctx, requestID, ""); err != nil {
		c.logger.Warn("offer resolution failed", "request_id", requestID, "error", err)
	}
	observability.RequestsExpired.Inc()
	c.logger.Info("request expired", "request_id", requestID)
	return nil
}

// publish is fire-and-forget: the bus already retries, and a dead
// broker must never turn a completed state change into an error.
func (c *Coordinator) publish(ctx context.Context, topic string, payload any) {
	if err := c.bus.Publish(ctx, topic, payload); err != nil {
		observability.PublishFailures.WithLabelValues(topic).Inc()
		c.logger.Warn("publish failed", "topic", topic, "error", err)
	}
}
