package geo

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/example/service-dispatch/internal/models"
)

// Index is the queryable store of online providers' live coordinates.
// Upsert is last-write-wins by call order; Remove takes the provider
// offline; QueryRadius returns an unordered set of provider ids within
// radiusKm of the point.
type Index interface {
	Upsert(ctx context.Context, providerID string, lat, lng float64) error
	Remove(ctx context.Context, providerID string) error
	QueryRadius(ctx context.Context, lat, lng, radiusKm float64) ([]string, error)
}

// MemoryIndex is a map-backed Index for local runs and tests.
type MemoryIndex struct {
	mu        sync.RWMutex
	providers map[string]models.ProviderLocation
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{providers: make(map[string]models.ProviderLocation)}
}

func (g *MemoryIndex) Upsert(ctx context.Context, providerID string, lat, lng float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.providers[providerID] = models.ProviderLocation{
		ProviderID: providerID,
		Lat:        lat,
		Lng:        lng,
		UpdatedAt:  time.Now(),
	}
	return nil
}

func (g *MemoryIndex) Remove(ctx context.Context, providerID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.providers, providerID)
	return nil
}

// naive scan; fine for the sizes a single process sees. Redis GEO backs
// the shared deployment.
func (g *MemoryIndex) QueryRadius(ctx context.Context, lat, lng, radiusKm float64) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.providers))
	for id, p := range g.providers {
		if HaversineKm(lat, lng, p.Lat, p.Lng) <= radiusKm {
			out = append(out, id)
		}
	}
	return out, nil
}

// Get returns the current position of a provider, if online.
func (g *MemoryIndex) Get(providerID string) (models.ProviderLocation, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.providers[providerID]
	return p, ok
}

// HaversineKm returns the great-circle distance in kilometers.
func HaversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	const R = 6371.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLng := (lng2 - lng1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
