package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/example/roadside-dispatch/internal/capacity"
	"github.com/example/roadside-dispatch/internal/dispatch"
	"github.com/example/roadside-dispatch/internal/geo"
	"github.com/example/roadside-dispatch/internal/models"
	"github.com/example/roadside-dispatch/internal/policy"
	"github.com/example/roadside-dispatch/internal/storage"
)

var (
	pickup  = models.Coord{Lat: -26.2041, Lon: 28.0473}
	dropoff = models.Coord{Lat: -26.1076, Lon: 28.0567}
)

type fakePricer struct{}

func (fakePricer) Quote(ctx context.Context, st models.ServiceType, p models.Coord, d *models.Coord) (models.PricingSnapshot, error) {
	return models.PricingSnapshot{
		EstimatedTotal: 50000,
		BookingFee:     10000,
		Currency:       "ZAR",
		DistanceKm:     12.5,
	}, nil
}

type failingPricer struct{}

func (failingPricer) Quote(context.Context, models.ServiceType, models.Coord, *models.Coord) (models.PricingSnapshot, error) {
	return models.PricingSnapshot{}, errors.New("pricing backend down")
}

type recordingNotifier struct {
	mu     sync.Mutex
	events map[string][]dispatch.Event
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{events: make(map[string][]dispatch.Event)}
}

func (n *recordingNotifier) Notify(providerID string, ev dispatch.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events[providerID] = append(n.events[providerID], ev)
}

func (n *recordingNotifier) eventsFor(providerID string) []dispatch.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]dispatch.Event(nil), n.events[providerID]...)
}

// waitFor polls until the condition holds; notifications are delivered on
// goroutines.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never held")
}

type fakeGateway struct {
	mu       sync.Mutex
	held     []int64
	captured []string
	refunded []string
	released []string
}

func (g *fakeGateway) Hold(ctx context.Context, amount int64, currency, customerID string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.held = append(g.held, amount)
	return "pi_test", nil
}

func (g *fakeGateway) Capture(ctx context.Context, ref string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.captured = append(g.captured, ref)
	return nil
}

func (g *fakeGateway) Refund(ctx context.Context, ref string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refunded = append(g.refunded, ref)
	return nil
}

func (g *fakeGateway) Release(ctx context.Context, ref string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.released = append(g.released, ref)
	return nil
}

func (g *fakeGateway) refunds() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.refunded...)
}

type testRig struct {
	engine *Engine
	index  *geo.Index
	store  *storage.MemoryStore
	now    time.Time
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	store := storage.NewMemoryStore()
	index := geo.NewIndex()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := New(store, index, capacity.NewGuard(store, 3000), policy.Default(), fakePricer{}, DefaultConfig(), logger)
	rig := &testRig{engine: eng, index: index, store: store, now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	eng.now = func() time.Time { return rig.now }
	return rig
}

func (r *testRig) advance(d time.Duration) { r.now = r.now.Add(d) }

func (r *testRig) addProvider(t *testing.T, id string, loc models.Coord) {
	t.Helper()
	err := r.index.Upsert(context.Background(), models.Provider{
		ID:          id,
		ServiceType: models.ServiceTow,
		Online:      true,
		Loc:         loc,
		ReportedAt:  r.now,
	})
	if err != nil {
		t.Fatalf("upsert %s: %v", id, err)
	}
}

// broadcastRequest creates and payment-confirms a tow request with the given
// providers near the pickup.
func (r *testRig) broadcastRequest(t *testing.T, providerIDs ...string) *models.ServiceRequest {
	t.Helper()
	for _, id := range providerIDs {
		r.addProvider(t, id, models.Coord{Lat: pickup.Lat + 0.001, Lon: pickup.Lon})
	}
	ctx := context.Background()
	req, err := r.engine.Create(ctx, CreateCommand{
		CustomerID:  "cust-1",
		ServiceType: models.ServiceTow,
		Pickup:      pickup,
		Dropoff:     &dropoff,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	req, err = r.engine.ConfirmPayment(ctx, req.ID)
	if err != nil {
		t.Fatalf("confirm payment: %v", err)
	}
	return req
}

func assertEngineErr(t *testing.T, err error, class Class, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s/%s, got nil", class, code)
	}
	if ClassOf(err) != class || CodeOf(err) != code {
		t.Fatalf("expected %s/%s, got %v", class, code, err)
	}
}

func TestCreateFailsWithoutProviders(t *testing.T) {
	rig := newTestRig(t)
	_, err := rig.engine.Create(context.Background(), CreateCommand{
		CustomerID:  "cust-1",
		ServiceType: models.ServiceTow,
		Pickup:      models.Coord{Lat: -26.2041, Lon: 28.0473},
	})
	assertEngineErr(t, err, ClassConflict, CodeNoProviders)
}

func TestCreateValidation(t *testing.T) {
	rig := newTestRig(t)
	_, err := rig.engine.Create(context.Background(), CreateCommand{ServiceType: models.ServiceTow, Pickup: pickup})
	assertEngineErr(t, err, ClassValidation, CodeBadInput)

	_, err = rig.engine.Create(context.Background(), CreateCommand{CustomerID: "c", ServiceType: "helicopter", Pickup: pickup})
	assertEngineErr(t, err, ClassValidation, CodeBadInput)
}

func TestCreatePricingFailureIsUpstream(t *testing.T) {
	rig := newTestRig(t)
	rig.engine.pricer = failingPricer{}
	rig.addProvider(t, "p1", pickup)
	_, err := rig.engine.Create(context.Background(), CreateCommand{
		CustomerID:  "cust-1",
		ServiceType: models.ServiceTow,
		Pickup:      pickup,
	})
	assertEngineErr(t, err, ClassUpstream, CodePricingFailed)
}

func TestCreateSnapshotsPricing(t *testing.T) {
	rig := newTestRig(t)
	rig.addProvider(t, "p1", pickup)
	req, err := rig.engine.Create(context.Background(), CreateCommand{
		CustomerID:  "cust-1",
		ServiceType: models.ServiceTow,
		Pickup:      pickup,
		Dropoff:     &dropoff,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if req.Status != models.StatusCreated {
		t.Fatalf("expected CREATED, got %s", req.Status)
	}
	if req.Pricing == nil || req.Pricing.EstimatedTotal != 50000 || req.Pricing.Currency != "ZAR" {
		t.Fatalf("pricing snapshot missing or wrong: %+v", req.Pricing)
	}
}

func TestConfirmPaymentBroadcasts(t *testing.T) {
	rig := newTestRig(t)
	req := rig.broadcastRequest(t, "p1", "p2")

	if req.Status != models.StatusBroadcasted {
		t.Fatalf("expected BROADCASTED, got %s", req.Status)
	}
	if len(req.CandidateProviderIDs) != 2 {
		t.Fatalf("expected 2 candidates, got %v", req.CandidateProviderIDs)
	}
	if len(req.DispatchLog) != 2 {
		t.Fatalf("expected one dispatch-log entry per candidate, got %d", len(req.DispatchLog))
	}

	_, err := rig.engine.ConfirmPayment(context.Background(), req.ID)
	assertEngineErr(t, err, ClassConflict, CodeNotAwaitingPayment)
}

func TestClaimAssignsWinner(t *testing.T) {
	rig := newTestRig(t)
	req := rig.broadcastRequest(t, "p1", "p2")

	got, err := rig.engine.Claim(context.Background(), req.ID, "p1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if got.Status != models.StatusAssigned || got.AssignedProviderID != "p1" {
		t.Fatalf("expected p1 assigned, got %s/%s", got.Status, got.AssignedProviderID)
	}
	if got.AssignedAt == nil || !got.AssignedAt.Equal(rig.now) {
		t.Fatalf("expected assignedAt=now, got %v", got.AssignedAt)
	}
	if len(got.CandidateProviderIDs) != 0 {
		t.Fatalf("candidate set not cleared: %v", got.CandidateProviderIDs)
	}

	_, err = rig.engine.Claim(context.Background(), req.ID, "p2")
	assertEngineErr(t, err, ClassConflict, CodeClaimConflict)
}

func TestClaimRequiresCandidacy(t *testing.T) {
	rig := newTestRig(t)
	req := rig.broadcastRequest(t, "p1")
	rig.addProvider(t, "outsider", pickup)

	_, err := rig.engine.Claim(context.Background(), req.ID, "outsider")
	assertEngineErr(t, err, ClassConflict, CodeNotACandidate)
}

func TestClaimUnknownProviderLocation(t *testing.T) {
	rig := newTestRig(t)
	req := rig.broadcastRequest(t, "p1")

	// p1 is a candidate but force-drop its directory entry by rebuilding the
	// index without it.
	rig.index = geo.NewIndex()
	rig.engine.geo = rig.index
	_, err := rig.engine.Claim(context.Background(), req.ID, "p1")
	assertEngineErr(t, err, ClassNotFound, CodeProviderNotFound)
}

func TestClaimBlockedByAssignedRequest(t *testing.T) {
	rig := newTestRig(t)
	req := rig.broadcastRequest(t, "p1", "p2")

	// p1 already holds an ASSIGNED request
	held := &models.ServiceRequest{
		ID:                 "held-1",
		CustomerID:         "other",
		ServiceType:        models.ServiceTow,
		Status:             models.StatusAssigned,
		AssignedProviderID: "p1",
		Pickup:             pickup,
	}
	if err := rig.store.Create(context.Background(), held); err != nil {
		t.Fatalf("seed held request: %v", err)
	}

	_, err := rig.engine.Claim(context.Background(), req.ID, "p1")
	assertEngineErr(t, err, ClassConflict, capacity.ReasonHasAssigned)

	// p2 is unencumbered
	if _, err := rig.engine.Claim(context.Background(), req.ID, "p2"); err != nil {
		t.Fatalf("p2 claim: %v", err)
	}
}

func TestClaimFollowOnProximity(t *testing.T) {
	rig := newTestRig(t)
	req := rig.broadcastRequest(t, "p1")

	far := models.Coord{Lat: dropoff.Lat + 0.09, Lon: dropoff.Lon}
	inProgress := &models.ServiceRequest{
		ID:                 "busy-1",
		CustomerID:         "other",
		ServiceType:        models.ServiceTow,
		Status:             models.StatusInProgress,
		AssignedProviderID: "p1",
		Pickup:             pickup,
		Dropoff:            &far,
	}
	if err := rig.store.Create(context.Background(), inProgress); err != nil {
		t.Fatalf("seed in-progress request: %v", err)
	}

	_, err := rig.engine.Claim(context.Background(), req.ID, "p1")
	assertEngineErr(t, err, ClassConflict, capacity.ReasonTooFar)
	var e *Error
	if !errors.As(err, &e) || e.DistanceMeters <= 3000 {
		t.Fatalf("expected measured distance in error, got %v", err)
	}
}

func TestClaimNotifiesLosers(t *testing.T) {
	rig := newTestRig(t)
	notifier := newRecordingNotifier()
	rig.engine.SetNotifier(notifier)
	req := rig.broadcastRequest(t, "p1", "p2", "p3")

	if _, err := rig.engine.Claim(context.Background(), req.ID, "p2"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	waitFor(t, func() bool {
		return hasEvent(notifier.eventsFor("p1"), dispatch.EventTaken) &&
			hasEvent(notifier.eventsFor("p3"), dispatch.EventTaken) &&
			hasEvent(notifier.eventsFor("p2"), dispatch.EventAssigned)
	})
	if hasEvent(notifier.eventsFor("p2"), dispatch.EventTaken) {
		t.Fatal("winner received a taken event")
	}
}

func hasEvent(events []dispatch.Event, typ string) bool {
	for _, ev := range events {
		if ev.Type == typ {
			return true
		}
	}
	return false
}

func TestRejectIsIdempotent(t *testing.T) {
	rig := newTestRig(t)
	req := rig.broadcastRequest(t, "p1", "p2")

	for i := 0; i < 2; i++ {
		var err error
		req, err = rig.engine.Reject(context.Background(), req.ID, "p1")
		if err != nil {
			t.Fatalf("reject %d: %v", i, err)
		}
	}

	if req.Status != models.StatusBroadcasted {
		t.Fatalf("reject changed state to %s", req.Status)
	}
	if req.HasCandidate("p1") {
		t.Fatal("rejected provider still a candidate")
	}
	count := 0
	for _, id := range req.ExcludedProviderIDs {
		if id == "p1" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected p1 exactly once in exclusions, got %d", count)
	}
}

func TestProviderCancelRebroadcasts(t *testing.T) {
	rig := newTestRig(t)
	req := rig.broadcastRequest(t, "p1", "p2")
	if _, err := rig.engine.Claim(context.Background(), req.ID, "p1"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	rig.advance(90 * time.Second)
	got, err := rig.engine.ProviderCancel(context.Background(), req.ID, "p1", "truck broke down")
	if err != nil {
		t.Fatalf("provider cancel: %v", err)
	}
	if got.Status != models.StatusBroadcasted {
		t.Fatalf("expected BROADCASTED, got %s", got.Status)
	}
	if got.AssignedProviderID != "" || got.AssignedAt != nil {
		t.Fatalf("assignment not cleared: %s %v", got.AssignedProviderID, got.AssignedAt)
	}
	if !got.IsExcluded("p1") {
		t.Fatal("cancelling provider not excluded")
	}
	if got.HasCandidate("p1") {
		t.Fatal("cancelling provider back in candidate set")
	}
	if !got.HasCandidate("p2") {
		t.Fatalf("expected p2 in fresh candidate set, got %v", got.CandidateProviderIDs)
	}

	// a different eligible provider can now claim
	claimed, err := rig.engine.Claim(context.Background(), req.ID, "p2")
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if claimed.AssignedProviderID != "p2" {
		t.Fatalf("expected p2 assigned, got %s", claimed.AssignedProviderID)
	}
}

func TestProviderCancelEmptyRecomputedSetIsValid(t *testing.T) {
	rig := newTestRig(t)
	req := rig.broadcastRequest(t, "p1")
	if _, err := rig.engine.Claim(context.Background(), req.ID, "p1"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	rig.advance(time.Minute)
	got, err := rig.engine.ProviderCancel(context.Background(), req.ID, "p1", "no show customer")
	if err != nil {
		t.Fatalf("provider cancel: %v", err)
	}
	if got.Status != models.StatusBroadcasted {
		t.Fatalf("expected BROADCASTED, got %s", got.Status)
	}
	if len(got.CandidateProviderIDs) != 0 {
		t.Fatalf("expected empty candidate set, got %v", got.CandidateProviderIDs)
	}
}

func TestProviderCancelGuards(t *testing.T) {
	rig := newTestRig(t)
	req := rig.broadcastRequest(t, "p1", "p2")

	// not assigned yet
	_, err := rig.engine.ProviderCancel(context.Background(), req.ID, "p1", "x")
	assertEngineErr(t, err, ClassConflict, CodeNotAssigned)

	if _, err := rig.engine.Claim(context.Background(), req.ID, "p1"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// wrong actor
	_, err = rig.engine.ProviderCancel(context.Background(), req.ID, "p2", "x")
	assertEngineErr(t, err, ClassForbidden, CodeWrongProvider)

	// window expired
	rig.advance(2*time.Minute + time.Second)
	_, err = rig.engine.ProviderCancel(context.Background(), req.ID, "p1", "x")
	assertEngineErr(t, err, ClassForbidden, CodeCancelWindowExpired)

	// already in progress
	if _, err := rig.engine.StartService(context.Background(), req.ID, "p1", pickup); err != nil {
		t.Fatalf("start: %v", err)
	}
	_, err = rig.engine.ProviderCancel(context.Background(), req.ID, "p1", "x")
	assertEngineErr(t, err, ClassForbidden, CodeAlreadyInProgress)
}

func TestCustomerCancelGraceBoundary(t *testing.T) {
	for _, tc := range []struct {
		name    string
		elapsed time.Duration
		refund  bool
		reason  string
	}{
		{"at grace boundary", 180000 * time.Millisecond, true, policy.ReasonWithinGrace},
		{"one ms past grace", 180001 * time.Millisecond, false, policy.ReasonPostGrace},
		{"fifty minutes no-show", 50 * time.Minute, true, policy.ReasonNoShowTimeout},
	} {
		t.Run(tc.name, func(t *testing.T) {
			rig := newTestRig(t)
			req := rig.broadcastRequest(t, "p1")
			if _, err := rig.engine.Claim(context.Background(), req.ID, "p1"); err != nil {
				t.Fatalf("claim: %v", err)
			}
			rig.advance(tc.elapsed)
			got, err := rig.engine.CustomerCancel(context.Background(), req.ID, "cust-1", "changed my mind")
			if err != nil {
				t.Fatalf("cancel: %v", err)
			}
			if got.Status != models.StatusCancelled {
				t.Fatalf("expected CANCELLED, got %s", got.Status)
			}
			if got.Cancellation == nil {
				t.Fatal("cancellation metadata missing")
			}
			if got.Cancellation.Refund != tc.refund || got.Cancellation.RefundReason != tc.reason {
				t.Fatalf("expected refund=%v/%s, got %v/%s",
					tc.refund, tc.reason, got.Cancellation.Refund, got.Cancellation.RefundReason)
			}
		})
	}
}

func TestCustomerCancelWhileBroadcasted(t *testing.T) {
	rig := newTestRig(t)
	req := rig.broadcastRequest(t, "p1")
	got, err := rig.engine.CustomerCancel(context.Background(), req.ID, "cust-1", "found help")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Cancellation.Refund || got.Cancellation.RefundReason != policy.ReasonBroadcastCancel {
		t.Fatalf("expected broadcast_cancel_no_refund, got %+v", got.Cancellation)
	}
}

func TestCustomerCancelGuards(t *testing.T) {
	rig := newTestRig(t)
	rig.addProvider(t, "p1", pickup)
	draft, err := rig.engine.Create(context.Background(), CreateCommand{
		CustomerID:  "cust-1",
		ServiceType: models.ServiceTow,
		Pickup:      pickup,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// drafts must use the discard path
	_, err = rig.engine.CustomerCancel(context.Background(), draft.ID, "cust-1", "x")
	assertEngineErr(t, err, ClassValidation, CodeDraftNotCancellable)

	// wrong customer
	_, err = rig.engine.CustomerCancel(context.Background(), draft.ID, "stranger", "x")
	assertEngineErr(t, err, ClassForbidden, CodeWrongCustomer)

	// terminal states
	req := rig.broadcastRequest(t, "p2")
	if _, err := rig.engine.Claim(context.Background(), req.ID, "p2"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := rig.engine.StartService(context.Background(), req.ID, "p2", pickup); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := rig.engine.CompleteService(context.Background(), req.ID, "p2"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	_, err = rig.engine.CustomerCancel(context.Background(), req.ID, "cust-1", "x")
	assertEngineErr(t, err, ClassConflict, CodeAlreadyCompleted)

	cancelled := rig.broadcastRequest(t, "p3")
	if _, err := rig.engine.CustomerCancel(context.Background(), cancelled.ID, "cust-1", "x"); err != nil {
		t.Fatalf("first cancel: %v", err)
	}
	_, err = rig.engine.CustomerCancel(context.Background(), cancelled.ID, "cust-1", "x")
	assertEngineErr(t, err, ClassConflict, CodeAlreadyCancelled)
}

func TestDiscardDraft(t *testing.T) {
	rig := newTestRig(t)
	rig.addProvider(t, "p1", pickup)
	draft, err := rig.engine.Create(context.Background(), CreateCommand{
		CustomerID:  "cust-1",
		ServiceType: models.ServiceTow,
		Pickup:      pickup,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := rig.engine.DiscardDraft(context.Background(), draft.ID, "cust-1")
	if err != nil {
		t.Fatalf("discard: %v", err)
	}
	if got.Status != models.StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", got.Status)
	}
	if got.Cancellation == nil || got.Cancellation.Reason != "draft_discarded" {
		t.Fatalf("expected draft_discarded metadata, got %+v", got.Cancellation)
	}
	if got.Cancellation.Refund {
		t.Fatal("draft discard must not evaluate a refund")
	}

	_, err = rig.engine.DiscardDraft(context.Background(), draft.ID, "cust-1")
	assertEngineErr(t, err, ClassConflict, CodeNotADraft)
}

// metersNorth returns a coordinate offset north of the given point by
// approximately m meters.
func metersNorth(c models.Coord, m float64) models.Coord {
	return models.Coord{Lat: c.Lat + m/6371000*180/math.Pi, Lon: c.Lon}
}

func TestStartServiceGeofence(t *testing.T) {
	rig := newTestRig(t)
	req := rig.broadcastRequest(t, "p1")
	if _, err := rig.engine.Claim(context.Background(), req.ID, "p1"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// 31m out: rejected with the measured distance and the threshold
	_, err := rig.engine.StartService(context.Background(), req.ID, "p1", metersNorth(pickup, 31))
	assertEngineErr(t, err, ClassConflict, CodeTooFarFromPickup)
	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("expected engine error, got %v", err)
	}
	if e.DistanceMeters != 31 || e.ThresholdMeters != 30 {
		t.Fatalf("expected 31m vs 30m threshold, got %dm vs %dm", e.DistanceMeters, e.ThresholdMeters)
	}

	// exactly at the 30m fence: allowed
	got, err := rig.engine.StartService(context.Background(), req.ID, "p1", metersNorth(pickup, 30))
	if err != nil {
		t.Fatalf("start at fence: %v", err)
	}
	if got.Status != models.StatusInProgress {
		t.Fatalf("expected IN_PROGRESS, got %s", got.Status)
	}
}

func TestStartServiceGuards(t *testing.T) {
	rig := newTestRig(t)
	req := rig.broadcastRequest(t, "p1", "p2")

	_, err := rig.engine.StartService(context.Background(), req.ID, "p1", pickup)
	assertEngineErr(t, err, ClassConflict, CodeNotAssigned)

	if _, err := rig.engine.Claim(context.Background(), req.ID, "p1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	_, err = rig.engine.StartService(context.Background(), req.ID, "p2", pickup)
	assertEngineErr(t, err, ClassForbidden, CodeWrongProvider)

	if _, err := rig.engine.StartService(context.Background(), req.ID, "p1", pickup); err != nil {
		t.Fatalf("start: %v", err)
	}
	_, err = rig.engine.StartService(context.Background(), req.ID, "p1", pickup)
	assertEngineErr(t, err, ClassConflict, CodeAlreadyInProgress)
}

func TestCompleteService(t *testing.T) {
	rig := newTestRig(t)
	req := rig.broadcastRequest(t, "p1", "p2")

	_, err := rig.engine.CompleteService(context.Background(), req.ID, "p1")
	assertEngineErr(t, err, ClassConflict, CodeNotInProgress)

	if _, err := rig.engine.Claim(context.Background(), req.ID, "p1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := rig.engine.StartService(context.Background(), req.ID, "p1", pickup); err != nil {
		t.Fatalf("start: %v", err)
	}

	_, err = rig.engine.CompleteService(context.Background(), req.ID, "p2")
	assertEngineErr(t, err, ClassForbidden, CodeWrongProvider)

	got, err := rig.engine.CompleteService(context.Background(), req.ID, "p1")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got.Status != models.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", got.Status)
	}
	if !RatingEligible(got) {
		t.Fatal("completed request must be rating eligible")
	}

	_, err = rig.engine.CompleteService(context.Background(), req.ID, "p1")
	assertEngineErr(t, err, ClassConflict, CodeAlreadyCompleted)
}

func TestRebroadcastRefreshesCandidates(t *testing.T) {
	rig := newTestRig(t)
	req := rig.broadcastRequest(t, "p1")

	// a new provider comes online after the first broadcast
	rig.addProvider(t, "late", models.Coord{Lat: pickup.Lat + 0.002, Lon: pickup.Lon})
	got, err := rig.engine.Rebroadcast(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("rebroadcast: %v", err)
	}
	if !got.HasCandidate("late") {
		t.Fatalf("expected late provider in refreshed set, got %v", got.CandidateProviderIDs)
	}

	if _, err := rig.engine.Claim(context.Background(), req.ID, "p1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	_, err = rig.engine.Rebroadcast(context.Background(), req.ID)
	assertEngineErr(t, err, ClassConflict, CodeNotBroadcasted)
}

func TestBookingFeeLifecycle(t *testing.T) {
	rig := newTestRig(t)
	gateway := &fakeGateway{}
	rig.engine.SetPayments(gateway)
	req := rig.broadcastRequest(t, "p1")

	if req.Pricing.PaymentRef != "pi_test" {
		t.Fatalf("expected hold ref on snapshot, got %q", req.Pricing.PaymentRef)
	}
	if _, err := rig.engine.Claim(context.Background(), req.ID, "p1"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// cancel inside the grace window: refund goes out
	rig.advance(time.Minute)
	if _, err := rig.engine.CustomerCancel(context.Background(), req.ID, "cust-1", "mistake"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := gateway.refunds(); len(got) != 1 || got[0] != "pi_test" {
		t.Fatalf("expected one refund of pi_test, got %v", got)
	}
}

func TestChatPermittedGate(t *testing.T) {
	rig := newTestRig(t)
	req := rig.broadcastRequest(t, "p1")
	if rig.engine.ChatPermitted(req, rig.now) {
		t.Fatal("chat open while broadcasted")
	}

	assigned, err := rig.engine.Claim(context.Background(), req.ID, "p1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if rig.engine.ChatPermitted(assigned, rig.now.Add(2*time.Minute)) {
		t.Fatal("chat open before the unlock delay")
	}
	if !rig.engine.ChatPermitted(assigned, rig.now.Add(3*time.Minute)) {
		t.Fatal("chat closed after the unlock delay")
	}
}
