package geo

import (
	"context"
	"math"
	"testing"
)

func TestHaversineZero(t *testing.T) {
	if d := HaversineKm(0, 0, 0, 0); d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineSaoPauloRio(t *testing.T) {
	d := HaversineKm(-23.5505, -46.6333, -22.9068, -43.1729)
	if math.Abs(d-357) > 10 {
		t.Fatalf("expected ~357km, got %f", d)
	}
}

func TestQueryRadius(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	// Two providers near the São Paulo city center, one in Rio.
	idx.Upsert(ctx, "near-1", -23.5510, -46.6340)
	idx.Upsert(ctx, "near-2", -23.5600, -46.6500)
	idx.Upsert(ctx, "far", -22.9068, -43.1729)

	ids, err := idx.QueryRadius(ctx, -23.5505, -46.6333, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 providers in radius, got %v", ids)
	}
	for _, id := range ids {
		if id == "far" {
			t.Fatal("provider outside radius returned")
		}
	}
}

func TestRemoveTakesProviderOffline(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	idx.Upsert(ctx, "p1", -23.5505, -46.6333)
	if err := idx.Remove(ctx, "p1"); err != nil {
		t.Fatal(err)
	}
	ids, err := idx.QueryRadius(ctx, -23.5505, -46.6333, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected empty result after remove, got %v", ids)
	}
	if _, ok := idx.Get("p1"); ok {
		t.Fatal("provider still present after remove")
	}
}

func TestUpsertOverwrites(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	idx.Upsert(ctx, "p1", -23.5505, -46.6333)
	idx.Upsert(ctx, "p1", -22.9068, -43.1729)
	p, ok := idx.Get("p1")
	if !ok {
		t.Fatal("provider missing")
	}
	if p.Lat != -22.9068 {
		t.Fatalf("expected last write to win, got lat %f", p.Lat)
	}
}
