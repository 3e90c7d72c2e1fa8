package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/service-dispatch/internal/models"
)

func TestResolveOffers(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for _, id := range []string{"o1", "o2", "o3"} {
		s.SaveOffer(ctx, models.Offer{ID: id, RequestID: "r1", Status: models.OfferPending})
	}
	// An offer on another request must not be touched.
	s.SaveOffer(ctx, models.Offer{ID: "other", RequestID: "r2", Status: models.OfferPending})

	if err := s.ResolveOffers(ctx, "r1", "o2"); err != nil {
		t.Fatal(err)
	}

	want := map[string]models.OfferStatus{
		"o1":    models.OfferRejected,
		"o2":    models.OfferAccepted,
		"o3":    models.OfferRejected,
		"other": models.OfferPending,
	}
	for id, status := range want {
		o, err := s.GetOffer(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if o.Status != status {
			t.Fatalf("offer %s: expected %s, got %s", id, status, o.Status)
		}
	}
}

func TestResolveOffersWithoutWinnerRejectsAll(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.SaveOffer(ctx, models.Offer{ID: "o1", RequestID: "r1", Status: models.OfferPending})
	s.SaveOffer(ctx, models.Offer{ID: "o2", RequestID: "r1", Status: models.OfferPending})

	if err := s.ResolveOffers(ctx, "r1", ""); err != nil {
		t.Fatal(err)
	}
	offers, _ := s.ListOffersByRequest(ctx, "r1")
	for _, o := range offers {
		if o.Status != models.OfferRejected {
			t.Fatalf("offer %s: expected REJECTED, got %s", o.ID, o.Status)
		}
	}
}

func TestPingHistorySortedByTimestamp(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Now()
	// Appended out of order; history must come back oldest first.
	s.AppendPing(ctx, models.LocationPing{JobID: "j1", Lat: 2, Timestamp: base.Add(2 * time.Second)})
	s.AppendPing(ctx, models.LocationPing{JobID: "j1", Lat: 0, Timestamp: base})
	s.AppendPing(ctx, models.LocationPing{JobID: "j1", Lat: 1, Timestamp: base.Add(time.Second)})

	history, err := s.PingHistory(ctx, "j1")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 pings, got %d", len(history))
	}
	for i, p := range history {
		if p.Lat != float64(i) {
			t.Fatalf("position %d: expected lat %d, got %f", i, i, p.Lat)
		}
	}
}

func TestNotFound(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if _, err := s.GetRequest(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.GetJobByRequest(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.UpdateJob(ctx, models.Job{ID: "missing"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.UpdateRequestStatus(ctx, "missing", models.RequestExpired, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
