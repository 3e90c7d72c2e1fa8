package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/service-dispatch/internal/bus"
	"github.com/example/service-dispatch/internal/config"
	"github.com/example/service-dispatch/internal/geo"
	"github.com/example/service-dispatch/internal/models"
	"github.com/example/service-dispatch/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() config.DispatchConfig {
	return config.DispatchConfig{
		RadiusKm:       10,
		OfferTimeout:   30 * time.Second,
		AcceptLeaseTTL: time.Hour,
	}
}

type fixture struct {
	coordinator *Coordinator
	store       *storage.MemoryStore
	geo         *geo.MemoryIndex
}

func newFixture(payments PaymentAuthorizer) *fixture {
	store := storage.NewMemoryStore()
	idx := geo.NewMemoryIndex()
	c := NewCoordinator(testConfig(), idx, store, bus.NewMemoryBus(), NewMemoryMarker(), payments, testLogger())
	return &fixture{coordinator: c, store: store, geo: idx}
}

func requestEvent(id string) models.RequestCreatedEvent {
	return models.RequestCreatedEvent{
		RequestID:  id,
		CustomerID: "cust-1",
		CategoryID: "cleaning",
		Lat:        -23.5505,
		Lng:        -46.6333,
	}
}

func TestFanOutCreatesOffers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(nil)
	f.geo.Upsert(ctx, "near-1", -23.5510, -46.6340)
	f.geo.Upsert(ctx, "near-2", -23.5600, -46.6500)
	f.geo.Upsert(ctx, "far", -22.9068, -43.1729)

	if err := f.coordinator.HandleRequestCreated(ctx, requestEvent("r1")); err != nil {
		t.Fatal(err)
	}

	offers, err := f.store.ListOffersByRequest(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if len(offers) != 2 {
		t.Fatalf("expected 2 offers, got %d", len(offers))
	}
	for _, o := range offers {
		if o.Status != models.OfferPending {
			t.Fatalf("offer %s: expected PENDING, got %s", o.ID, o.Status)
		}
		if o.ProviderID == "far" {
			t.Fatal("offered to provider outside radius")
		}
	}
	req, err := f.store.GetRequest(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if req.Status != models.RequestOffered {
		t.Fatalf("expected OFFERED, got %s", req.Status)
	}
}

func TestFanOutNoCandidatesLeavesRequestPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(nil)

	if err := f.coordinator.HandleRequestCreated(ctx, requestEvent("r1")); err != nil {
		t.Fatal(err)
	}
	req, err := f.store.GetRequest(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if req.Status != models.RequestPending {
		t.Fatalf("expected PENDING, got %s", req.Status)
	}
	offers, _ := f.store.ListOffersByRequest(ctx, "r1")
	if len(offers) != 0 {
		t.Fatalf("expected no offers, got %d", len(offers))
	}
}

func TestConcurrentAcceptYieldsOneWinner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(nil)
	providers := []string{"p1", "p2", "p3", "p4", "p5"}
	for _, id := range providers {
		f.geo.Upsert(ctx, id, -23.5510, -46.6340)
	}
	if err := f.coordinator.HandleRequestCreated(ctx, requestEvent("r1")); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var wins []models.Job
	var losses int
	var wg sync.WaitGroup
	for _, id := range providers {
		wg.Add(1)
		go func(providerID string) {
			defer wg.Done()
			job, err := f.coordinator.Accept(ctx, "r1", providerID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins = append(wins, job)
			case errors.Is(err, ErrOfferTaken):
				losses++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(id)
	}
	wg.Wait()

	if len(wins) != 1 {
		t.Fatalf("expected exactly one winner, got %d", len(wins))
	}
	if losses != len(providers)-1 {
		t.Fatalf("expected %d losers, got %d", len(providers)-1, losses)
	}

	winner := wins[0]
	req, err := f.store.GetRequest(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if req.Status != models.RequestAccepted || req.ProviderID != winner.ProviderID {
		t.Fatalf("request not assigned to winner: %+v", req)
	}
	job, err := f.store.GetJobByRequest(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if job.ID != winner.ID || job.Status != models.JobAccepted {
		t.Fatalf("unexpected job: %+v", job)
	}

	offers, _ := f.store.ListOffersByRequest(ctx, "r1")
	accepted := 0
	for _, o := range offers {
		switch o.Status {
		case models.OfferAccepted:
			accepted++
			if o.ProviderID != winner.ProviderID {
				t.Fatalf("accepted offer belongs to %s, winner is %s", o.ProviderID, winner.ProviderID)
			}
		case models.OfferPending:
			t.Fatalf("offer %s left pending after resolution", o.ID)
		}
	}
	if accepted != 1 {
		t.Fatalf("expected 1 accepted offer, got %d", accepted)
	}
}

func TestAcceptOfferCounterProposal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(nil)
	if err := f.coordinator.HandleRequestCreated(ctx, requestEvent("r1")); err != nil {
		t.Fatal(err)
	}

	first, err := f.coordinator.Propose(ctx, "r1", "p1", 120, "can start today")
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.coordinator.Propose(ctx, "r1", "p2", 95, "")
	if err != nil {
		t.Fatal(err)
	}

	job, err := f.coordinator.AcceptOffer(ctx, first.ID)
	if err != nil {
		t.Fatal(err)
	}
	if job.ProviderID != "p1" {
		t.Fatalf("job assigned to %s, expected p1", job.ProviderID)
	}

	if _, err := f.coordinator.AcceptOffer(ctx, second.ID); !errors.Is(err, ErrOfferTaken) {
		t.Fatalf("expected ErrOfferTaken, got %v", err)
	}
	// Accepting the winning offer twice must also fail.
	if _, err := f.coordinator.AcceptOffer(ctx, first.ID); !errors.Is(err, ErrOfferTaken) {
		t.Fatalf("expected ErrOfferTaken on replay, got %v", err)
	}
}

func TestAcceptOfferUnknown(t *testing.T) {
	f := newFixture(nil)
	if _, err := f.coordinator.AcceptOffer(context.Background(), "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestProposeOnTerminalRequest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(nil)
	if err := f.coordinator.HandleRequestCreated(ctx, requestEvent("r1")); err != nil {
		t.Fatal(err)
	}
	if _, err := f.coordinator.Accept(ctx, "r1", "p1"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.coordinator.Propose(ctx, "r1", "p2", 50, ""); !errors.Is(err, ErrOfferTaken) {
		t.Fatalf("expected ErrOfferTaken, got %v", err)
	}
}

type fakePayments struct {
	holds   int
	amounts []int64
	fail    bool
}

func (f *fakePayments) Hold(ctx context.Context, amount int64, currency, customerID string) (string, error) {
	f.holds++
	f.amounts = append(f.amounts, amount)
	if f.fail {
		return "", errors.New("card declined")
	}
	return "pi_test_123", nil
}

func TestAcceptHoldsPayment(t *testing.T) {
	ctx := context.Background()
	payments := &fakePayments{}
	f := newFixture(payments)
	ev := requestEvent("r1")
	ev.Price = 150
	if err := f.coordinator.HandleRequestCreated(ctx, ev); err != nil {
		t.Fatal(err)
	}

	job, err := f.coordinator.Accept(ctx, "r1", "p1")
	if err != nil {
		t.Fatal(err)
	}
	if payments.holds != 1 {
		t.Fatalf("expected 1 hold, got %d", payments.holds)
	}
	if job.PaymentRef != "pi_test_123" {
		t.Fatalf("payment ref not recorded: %q", job.PaymentRef)
	}
}

func TestHoldRoundsPriceToCents(t *testing.T) {
	ctx := context.Background()
	// Prices whose float64 product with 100 lands just under the true
	// cent value; truncation would hold one cent short.
	cases := map[float64]int64{19.99: 1999, 0.29: 29, 150: 15000}
	for price, cents := range cases {
		payments := &fakePayments{}
		f := newFixture(payments)
		ev := requestEvent("r1")
		ev.Price = price
		if err := f.coordinator.HandleRequestCreated(ctx, ev); err != nil {
			t.Fatal(err)
		}
		if _, err := f.coordinator.Accept(ctx, "r1", "p1"); err != nil {
			t.Fatal(err)
		}
		if len(payments.amounts) != 1 || payments.amounts[0] != cents {
			t.Fatalf("price %v: expected hold of %d cents, got %v", price, cents, payments.amounts)
		}
	}
}

func TestAcceptSurvivesPaymentFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(&fakePayments{fail: true})
	ev := requestEvent("r1")
	ev.Price = 150
	if err := f.coordinator.HandleRequestCreated(ctx, ev); err != nil {
		t.Fatal(err)
	}

	job, err := f.coordinator.Accept(ctx, "r1", "p1")
	if err != nil {
		t.Fatal(err)
	}
	if job.PaymentRef != "" {
		t.Fatalf("expected empty payment ref, got %q", job.PaymentRef)
	}
}

func TestDuplicateRequestEventAfterAccept(t *testing.T) {
	ctx := context.Background()
	f := newFixture(nil)
	f.geo.Upsert(ctx, "p1", -23.5510, -46.6340)
	if err := f.coordinator.HandleRequestCreated(ctx, requestEvent("r1")); err != nil {
		t.Fatal(err)
	}
	if _, err := f.coordinator.Accept(ctx, "r1", "p1"); err != nil {
		t.Fatal(err)
	}
	offersBefore, _ := f.store.ListOffersByRequest(ctx, "r1")

	// Redelivery of the creation event must not re-open the request.
	if err := f.coordinator.HandleRequestCreated(ctx, requestEvent("r1")); err != nil {
		t.Fatal(err)
	}
	req, _ := f.store.GetRequest(ctx, "r1")
	if req.Status != models.RequestAccepted {
		t.Fatalf("expected ACCEPTED, got %s", req.Status)
	}
	offersAfter, _ := f.store.ListOffersByRequest(ctx, "r1")
	if len(offersAfter) != len(offersBefore) {
		t.Fatalf("duplicate event re-offered: %d -> %d", len(offersBefore), len(offersAfter))
	}
}

func TestExpirePendingRequest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(nil)
	if err := f.coordinator.HandleRequestCreated(ctx, requestEvent("r1")); err != nil {
		t.Fatal(err)
	}

	if err := f.coordinator.Expire(ctx, "r1"); err != nil {
		t.Fatal(err)
	}
	req, _ := f.store.GetRequest(ctx, "r1")
	if req.Status != models.RequestExpired {
		t.Fatalf("expected EXPIRED, got %s", req.Status)
	}

	// An acceptance arriving after expiry loses.
	if _, err := f.coordinator.Accept(ctx, "r1", "p1"); !errors.Is(err, ErrOfferTaken) {
		t.Fatalf("expected ErrOfferTaken, got %v", err)
	}
}

func TestExpireAfterAcceptIsNoop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(nil)
	if err := f.coordinator.HandleRequestCreated(ctx, requestEvent("r1")); err != nil {
		t.Fatal(err)
	}
	if _, err := f.coordinator.Accept(ctx, "r1", "p1"); err != nil {
		t.Fatal(err)
	}

	if err := f.coordinator.Expire(ctx, "r1"); err != nil {
		t.Fatal(err)
	}
	req, _ := f.store.GetRequest(ctx, "r1")
	if req.Status != models.RequestAccepted {
		t.Fatalf("expiry clobbered accepted request: %s", req.Status)
	}
}

func TestExpireReconcilesOrphanedJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(nil)
	if err := f.coordinator.HandleRequestCreated(ctx, requestEvent("r1")); err != nil {
		t.Fatal(err)
	}
	// A winner wrote the job but crashed before the request update.
	f.store.CreateJob(ctx, models.Job{ID: "j1", RequestID: "r1", ProviderID: "p9", Status: models.JobAccepted})

	if err := f.coordinator.Expire(ctx, "r1"); err != nil {
		t.Fatal(err)
	}
	req, _ := f.store.GetRequest(ctx, "r1")
	if req.Status != models.RequestAccepted || req.ProviderID != "p9" {
		t.Fatalf("orphaned job not reconciled: %+v", req)
	}
}

func TestGeoOutageLeavesRequestPending(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	c := NewCoordinator(testConfig(), failingGeo{}, store, bus.NewMemoryBus(), NewMemoryMarker(), nil, testLogger())

	if err := c.HandleRequestCreated(ctx, requestEvent("r1")); err != nil {
		t.Fatal(err)
	}
	req, err := store.GetRequest(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if req.Status != models.RequestPending {
		t.Fatalf("expected PENDING, got %s", req.Status)
	}
}

type failingGeo struct{}

func (failingGeo) Upsert(ctx context.Context, providerID string, lat, lng float64) error { return nil }
func (failingGeo) Remove(ctx context.Context, providerID string) error                   { return nil }
func (failingGeo) QueryRadius(ctx context.Context, lat, lng, radiusKm float64) ([]string, error) {
	return nil, errors.New("geo store down")
}

func TestMemoryMarkerLease(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryMarker()
	won, err := m.TryAcquire(ctx, "r1", "p1", 10*time.Millisecond)
	if err != nil || !won {
		t.Fatalf("first acquire: won=%v err=%v", won, err)
	}
	if won, _ = m.TryAcquire(ctx, "r1", "p2", 10*time.Millisecond); won {
		t.Fatal("second acquire won while lease held")
	}
	time.Sleep(20 * time.Millisecond)
	if won, _ = m.TryAcquire(ctx, "r1", "p2", 10*time.Millisecond); !won {
		t.Fatal("acquire after lease expiry lost")
	}
}

func TestHandleProviderLocationOffline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(nil)
	f.geo.Upsert(ctx, "p1", -23.5510, -46.6340)

	offline := false
	online := &offline
	if err := f.coordinator.HandleProviderLocation(ctx, models.ProviderLocationEvent{ProviderID: "p1", Online: online}); err != nil {
		t.Fatal(err)
	}
	if _, ok := f.geo.Get("p1"); ok {
		t.Fatal("offline provider still in geo index")
	}
}
