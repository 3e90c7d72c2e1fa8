package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/example/service-dispatch/internal/models"
)

// ErrNotFound is returned when a request, offer or job id is unknown.
var ErrNotFound = errors.New("not found")

// MemoryStore keeps all dispatch state in process. It backs tests and
// zero-dependency local runs; deployments use PostgresStore.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]models.ServiceRequest
	offers   map[string]models.Offer
	jobs     map[string]models.Job
	jobByReq map[string]string
	pings    map[string][]models.LocationPing
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: make(map[string]models.ServiceRequest),
		offers:   make(map[string]models.Offer),
		jobs:     make(map[string]models.Job),
		jobByReq: make(map[string]string),
		pings:    make(map[string][]models.LocationPing),
	}
}

func (m *MemoryStore) UpsertRequest(ctx context.Context, r models.ServiceRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[r.ID] = r
	return nil
}

func (m *MemoryStore) GetRequest(ctx context.Context, id string) (models.ServiceRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return models.ServiceRequest{}, ErrNotFound
	}
	return r, nil
}

func (m *MemoryStore) UpdateRequestStatus(ctx context.Context, id string, status models.RequestStatus, providerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return ErrNotFound
	}
	r.Status = status
	if providerID != "" {
		r.ProviderID = providerID
	}
	r.UpdatedAt = time.Now()
	m.requests[id] = r
	return nil
}

func (m *MemoryStore) ListRequestsByStatus(ctx context.Context, statuses ...models.RequestStatus) ([]models.ServiceRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.ServiceRequest
	for _, r := range m.requests {
		for _, s := range statuses {
			if r.Status == s {
				out = append(out, r)
				break
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) SaveOffer(ctx context.Context, o models.Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offers[o.ID] = o
	return nil
}

func (m *MemoryStore) GetOffer(ctx context.Context, id string) (models.Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.offers[id]
	if !ok {
		return models.Offer{}, ErrNotFound
	}
	return o, nil
}

func (m *MemoryStore) ListOffersByRequest(ctx context.Context, requestID string) ([]models.Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Offer
	for _, o := range m.offers {
		if o.RequestID == requestID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ResolveOffers marks the winner ACCEPTED and every sibling offer for
// the same request REJECTED. winnerID may be empty when the acceptance
// came straight from an offer-less broadcast.
func (m *MemoryStore) ResolveOffers(ctx context.Context, requestID, winnerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, o := range m.offers {
		if o.RequestID != requestID || o.Status != models.OfferPending {
			continue
		}
		if id == winnerID {
			o.Status = models.OfferAccepted
		} else {
			o.Status = models.OfferRejected
		}
		m.offers[id] = o
	}
	return nil
}

func (m *MemoryStore) CreateJob(ctx context.Context, j models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[j.ID] = j
	m.jobByReq[j.RequestID] = j.ID
	return nil
}

func (m *MemoryStore) GetJob(ctx context.Context, id string) (models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	return j, nil
}

func (m *MemoryStore) GetJobByRequest(ctx context.Context, requestID string) (models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.jobByReq[requestID]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	return m.jobs[id], nil
}

func (m *MemoryStore) UpdateJob(ctx context.Context, j models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[j.ID]; !ok {
		return ErrNotFound
	}
	j.UpdatedAt = time.Now()
	m.jobs[j.ID] = j
	return nil
}

func (m *MemoryStore) AppendPing(ctx context.Context, p models.LocationPing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pings[p.JobID] = append(m.pings[p.JobID], p)
	return nil
}

func (m *MemoryStore) PingHistory(ctx context.Context, jobID string) ([]models.LocationPing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.pings[jobID]
	out := make([]models.LocationPing, len(src))
	copy(out, src)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}
