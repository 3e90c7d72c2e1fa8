package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/service-dispatch/internal/bus"
	"github.com/example/service-dispatch/internal/models"
	"github.com/example/service-dispatch/internal/observability"
)

// ErrInvalidTransition is returned when the requested edge is not part
// of the job status graph. State is left unchanged.
var ErrInvalidTransition = errors.New("invalid status transition")

// validNext encodes the status graph: a linear progression from
// ACCEPTED to COMPLETED, plus CANCELED from every non-terminal state.
var validNext = map[models.JobStatus][]models.JobStatus{
	models.JobAccepted: {models.JobOnTheWay, models.JobCanceled},
	models.JobOnTheWay: {models.JobArrived, models.JobCanceled},
	models.JobArrived:  {models.JobStarted, models.JobCanceled},
	models.JobStarted:  {models.JobCompleted, models.JobCanceled},
}

// ValidTransition reports whether from → to is an allowed edge.
func ValidTransition(from, to models.JobStatus) bool {
	for _, next := range validNext[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Store is the persistence surface the lifecycle needs.
type Store interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	UpdateJob(ctx context.Context, j models.Job) error
}

// PaymentSettler finalizes or releases the hold taken at acceptance.
// Both calls are best effort; settlement failures never block the
// status change that triggered them.
type PaymentSettler interface {
	Capture(ctx context.Context, paymentRef string) error
	Cancel(ctx context.Context, paymentRef string) error
}

// Lifecycle owns the validated state machine of accepted jobs.
// Authorization (only the assigned provider drives transitions) is the
// caller's responsibility; this component trusts its inputs.
type Lifecycle struct {
	store    Store
	bus      bus.Bus
	payments PaymentSettler
	logger   *slog.Logger
}

func NewLifecycle(store Store, b bus.Bus, payments PaymentSettler, logger *slog.Logger) *Lifecycle {
	return &Lifecycle{store: store, bus: b, payments: payments, logger: logger.With("component", "lifecycle")}
}

// Transition applies one edge of the status graph. On success the new
// status is persisted (stamping started/completed timestamps) and a
// status-changed event goes out; publish failure is logged, never
// surfaced, because the persisted state is the source of truth.
func (l *Lifecycle) Transition(ctx context.Context, jobID string, to models.JobStatus) (models.Job, error) {
	job, err := l.store.GetJob(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}
	if !ValidTransition(job.Status, to) {
		return models.Job{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, to)
	}

	now := time.Now()
	job.Status = to
	job.UpdatedAt = now
	switch to {
	case models.JobStarted:
		job.StartedAt = &now
	case models.JobCompleted:
		job.CompletedAt = &now
	}

	if err := l.store.UpdateJob(ctx, job); err != nil {
		return models.Job{}, fmt.Errorf("persist transition %s -> %s: %w", jobID, to, err)
	}
	observability.JobTransitions.WithLabelValues(string(to)).Inc()

	l.settle(ctx, job)

	if err := l.bus.Publish(ctx, bus.TopicJobStatusChanged, models.JobStatusChangedEvent{
		JobID:      job.ID,
		RequestID:  job.RequestID,
		ProviderID: job.ProviderID,
		CustomerID: job.CustomerID,
		Status:     to,
	}); err != nil {
		observability.PublishFailures.WithLabelValues(bus.TopicJobStatusChanged).Inc()
		l.logger.Warn("status publish failed", "job_id", job.ID, "status", to, "error", err)
	}

	l.logger.Info("job transitioned", "job_id", job.ID, "status", to)
	return job, nil
}

func (l *Lifecycle) settle(ctx context.Context, job models.Job) {
	if l.payments == nil || job.PaymentRef == "" {
		return
	}
	var err error
	switch job.Status {
	case models.JobCompleted:
		err = l.payments.Capture(ctx, job.PaymentRef)
	case models.JobCanceled:
		err = l.payments.Cancel(ctx, job.PaymentRef)
	default:
		return
	}
	if err != nil {
		l.logger.Warn("payment settlement failed", "job_id", job.ID, "status", job.Status, "error", err)
	}
}
