package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Marker is the linearizable compare-and-set register that decides the
// single winner of a request. TryAcquire creates the per-request marker
// only if absent and returns whether this caller won. The lease TTL
// bounds how long a crashed winner can hold the request hostage.
type Marker interface {
	TryAcquire(ctx context.Context, requestID, holder string, ttl time.Duration) (bool, error)
}

// RedisMarker implements Marker with SET NX EX. This is the entire
// correctness mechanism for at-most-one acceptance: one atomic command
// against one shared Redis, shared by every coordinator replica.
type RedisMarker struct {
	client *redis.Client
}

func NewRedisMarker(client *redis.Client) *RedisMarker {
	return &RedisMarker{client: client}
}

func (m *RedisMarker) TryAcquire(ctx context.Context, requestID, holder string, ttl time.Duration) (bool, error) {
	ok, err := m.client.SetNX(ctx, markerKey(requestID), holder, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire marker for %s: %w", requestID, err)
	}
	return ok, nil
}

func markerKey(requestID string) string { return "request:" + requestID + ":accepted" }

// MemoryMarker is a process-local Marker for tests and single-binary
// runs. Linearizability across replicas obviously does not hold here.
type MemoryMarker struct {
	mu      sync.Mutex
	holders map[string]markerEntry
}

type markerEntry struct {
	holder  string
	expires time.Time
}

func NewMemoryMarker() *MemoryMarker {
	return &MemoryMarker{holders: make(map[string]markerEntry)}
}

func (m *MemoryMarker) TryAcquire(ctx context.Context, requestID, holder string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.holders[requestID]; ok && time.Now().Before(e.expires) {
		return false, nil
	}
	m.holders[requestID] = markerEntry{holder: holder, expires: time.Now().Add(ttl)}
	return true, nil
}
