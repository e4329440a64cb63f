package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/freight-negotiation/internal/errs"
	"github.com/example/freight-negotiation/internal/logging"
	"github.com/example/freight-negotiation/internal/models"
	"github.com/example/freight-negotiation/internal/negotiation"
	"github.com/example/freight-negotiation/internal/payments"
	"github.com/example/freight-negotiation/internal/storage"
	"github.com/example/freight-negotiation/internal/timer"
)

var t0 = time.Date(2026, 5, 4, 7, 30, 0, 0, time.UTC)

var (
	pickup = models.Coord{Lat: 26.89, Lon: 78.71}
	drop   = models.Coord{Lat: 27.18, Lon: 78.01}
)

type recordingPub struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *recordingPub) Publish(_ context.Context, ev models.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingPub) last() models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

type staticEligibility []string

func (s staticEligibility) EligibleProviders(context.Context, *models.Trip) ([]string, error) {
	return s, nil
}

type fixedPositions map[string]models.Position

func (f fixedPositions) Latest(_ context.Context, userID string) (models.Position, bool, error) {
	p, ok := f[userID]
	return p, ok, nil
}

type forgetter struct{ forgotten []string }

func (f *forgetter) Forget(tripID string) { f.forgotten = append(f.forgotten, tripID) }

type harness struct {
	m      *Manager
	store  *storage.MemoryStore
	clock  *timer.ManualClock
	timers *timer.Service
	pub    *recordingPub
	forget *forgetter
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, storage.NewMemoryStore(), timer.NewManualClock(t0))
}

func newHarnessWith(t *testing.T, store *storage.MemoryStore, clk *timer.ManualClock) *harness {
	t.Helper()
	return buildHarness(t, store, clk, nil, Config{ProximityRadiusM: 5000})
}

func buildHarness(t *testing.T, store *storage.MemoryStore, clk *timer.ManualClock, pos Positions, cfg Config) *harness {
	t.Helper()
	pub := &recordingPub{}
	timers := timer.NewService(clk)
	engine := negotiation.NewEngine(store, pub, negotiation.Rules{Opener: models.RoleProvider, WindowDuration: 30 * time.Minute}, clk, logging.Discard())
	f := &forgetter{}
	m := NewManager(Deps{
		Store:       store,
		Timers:      timers,
		Engine:      engine,
		Publisher:   pub,
		Eligibility: staticEligibility{"provider-1", "provider-2"},
		Watchers:    f,
		Positions:   pos,
		Clock:       clk,
		Logger:      logging.Discard(),
	}, cfg)
	return &harness{m: m, store: store, clock: clk, timers: timers, pub: pub, forget: f}
}

func validRequest() CreateTripRequest {
	return CreateTripRequest{
		ConsumerID: "consumer-1",
		From:       "AGR",
		To:         "DEL",
		Pickup:     pickup,
		Drop:       drop,
		CargoType:  "steel coils",
		Weight:     "1200",
		QuotePrice: "5000",
		TripDate:   "2026-05-10",
	}
}

func (h *harness) openTrip(t *testing.T) *models.Trip {
	t.Helper()
	ctx := context.Background()
	trip, err := h.m.CreateTrip(ctx, validRequest())
	require.NoError(t, err)
	trip, err = h.m.StartBidding(ctx, trip.ID)
	require.NoError(t, err)
	return trip
}

func (h *harness) acceptedTrip(t *testing.T) *models.Trip {
	t.Helper()
	ctx := context.Background()
	trip := h.openTrip(t)
	_, err := h.m.SubmitCounter(ctx, trip.ID, models.RoleProvider, "provider-1", 4500)
	require.NoError(t, err)
	_, err = h.m.SubmitCounter(ctx, trip.ID, models.RoleConsumer, "consumer-1", 4700)
	require.NoError(t, err)
	trip, err = h.m.AcceptBid(ctx, trip.ID, models.RoleProvider, "provider-1", 1)
	require.NoError(t, err)
	return trip
}

func (h *harness) payBooking(t *testing.T, tripID string) {
	t.Helper()
	h.payStage(t, tripID, payments.StageBooking)
}

func (h *harness) payStage(t *testing.T, tripID string, stage payments.Stage) {
	t.Helper()
	_, err := h.store.UpdateTrip(context.Background(), tripID, func(tr *models.Trip) error {
		pct := payments.DefaultSchedule().Percent(stage)
		tr.Transactions = append(tr.Transactions, models.Transaction{
			ID:     "tx-" + string(stage),
			Stage:  string(stage),
			Amount: tr.FinalPrice * float64(pct) / 100,
			Type:   models.Debit,
		})
		return nil
	})
	require.NoError(t, err)
}

func (h *harness) inProgressTrip(t *testing.T) *models.Trip {
	t.Helper()
	trip := h.acceptedTrip(t)
	h.payBooking(t, trip.ID)
	trip, err := h.m.AdvanceToInProgress(context.Background(), trip.ID)
	require.NoError(t, err)
	return trip
}

func TestNegotiationScenarioEndsAtConsumerCounter(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	trip, err := h.m.CreateTrip(ctx, validRequest())
	require.NoError(t, err)
	assert.Equal(t, models.StatusCreated, trip.Status)
	assert.Equal(t, models.BiddingNotStarted, trip.BiddingStatus)
	assert.Equal(t, 5000.0, trip.Cargo.QuotePrice)

	trip, err = h.m.StartBidding(ctx, trip.ID)
	require.NoError(t, err)
	newTrip := h.pub.last()
	assert.Equal(t, models.EventNewTrip, newTrip.Type)
	assert.Equal(t, []string{"provider-1", "provider-2"}, newTrip.Recipients)
	rem, ok := h.timers.Remaining(trip.ID)
	require.True(t, ok)
	assert.Equal(t, 30*time.Minute, rem)

	res, err := h.m.SubmitCounter(ctx, trip.ID, models.RoleProvider, "provider-1", 4500)
	require.NoError(t, err)
	assert.Equal(t, models.EventRevisedPrice, h.pub.last().Type)
	assert.Equal(t, models.RoleConsumer, res.NextTurn)

	h.clock.Advance(5 * time.Minute)
	res, err = h.m.SubmitCounter(ctx, trip.ID, models.RoleConsumer, "consumer-1", 4700)
	require.NoError(t, err)
	assert.Equal(t, models.EventCounterPrice, h.pub.last().Type)
	assert.Equal(t, []string{"provider-1"}, h.pub.last().Recipients)

	offer, ok, err := h.m.LatestOffer(ctx, trip.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 4700.0, offer.Amount())

	trip, err = h.m.AcceptBid(ctx, trip.ID, models.RoleProvider, "provider-1", 1)
	require.NoError(t, err)
	assert.Equal(t, models.BiddingAccepted, trip.BiddingStatus)
	assert.Equal(t, 4700.0, trip.FinalPrice)
	assert.Equal(t, "provider-1", trip.ProviderID)
	assert.Len(t, trip.Bids, 2)

	_, tracked := h.timers.Window(trip.ID)
	assert.False(t, tracked, "accept stops the window timer")

	_, err = h.m.SubmitCounter(ctx, trip.ID, models.RoleProvider, "provider-1", 4600)
	assert.ErrorIs(t, err, errs.ErrNegotiationClosed)
	_, err = h.m.AcceptBid(ctx, trip.ID, models.RoleProvider, "provider-1", 1)
	assert.ErrorIs(t, err, errs.ErrInvalidState, "acceptance is final")
}

func TestAcceptBidRules(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	trip := h.openTrip(t)

	_, err := h.m.AcceptBid(ctx, trip.ID, models.RoleConsumer, "consumer-1", 0)
	assert.ErrorIs(t, err, errs.ErrInvalidState, "nothing to accept yet")

	_, err = h.m.SubmitCounter(ctx, trip.ID, models.RoleProvider, "provider-1", 4500)
	require.NoError(t, err)
	_, err = h.m.SubmitCounter(ctx, trip.ID, models.RoleConsumer, "consumer-1", 4700)
	require.NoError(t, err)

	_, err = h.m.AcceptBid(ctx, trip.ID, models.RoleProvider, "provider-1", 0)
	assert.ErrorIs(t, err, errs.ErrValidation, "only the latest bid")

	_, err = h.m.AcceptBid(ctx, trip.ID, models.RoleConsumer, "consumer-1", 1)
	assert.ErrorIs(t, err, errs.ErrOutOfTurn, "cannot accept own counter")

	_, err = h.m.AcceptBid(ctx, trip.ID, models.RoleProvider, "provider-9", 1)
	assert.ErrorIs(t, err, errs.ErrValidation, "a provider outside the negotiation")

	got, err := h.m.Get(ctx, trip.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BiddingStarted, got.BiddingStatus)
}

func TestWindowExpiryCancelsOpenTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	trip := h.openTrip(t)
	_, err := h.m.SubmitCounter(ctx, trip.ID, models.RoleProvider, "provider-1", 4500)
	require.NoError(t, err)

	h.clock.Advance(29 * time.Minute)
	got, _ := h.m.Get(ctx, trip.ID)
	assert.Equal(t, models.StatusCreated, got.Status)

	h.clock.Advance(time.Minute)
	got, _ = h.m.Get(ctx, trip.ID)
	assert.Equal(t, models.StatusCancelled, got.Status)
	assert.Equal(t, ExpiredReason, got.CancelReason)
	assert.Equal(t, models.EventTripStatus, h.pub.last().Type)
	assert.Contains(t, h.forget.forgotten, trip.ID)

	_, err = h.m.SubmitCounter(ctx, trip.ID, models.RoleConsumer, "consumer-1", 4400)
	assert.ErrorIs(t, err, errs.ErrNegotiationClosed)
	_, err = h.m.AcceptBid(ctx, trip.ID, models.RoleConsumer, "consumer-1", 0)
	assert.ErrorIs(t, err, errs.ErrInvalidState)
}

func TestExpiryAfterAcceptIsNoop(t *testing.T) {
	h := newHarness(t)
	trip := h.acceptedTrip(t)
	h.clock.Advance(time.Hour)
	got, _ := h.m.Get(context.Background(), trip.ID)
	assert.Equal(t, models.StatusCreated, got.Status)
	assert.Equal(t, models.BiddingAccepted, got.BiddingStatus)
}

func TestRestoreWindowsUsesStoredStart(t *testing.T) {
	store := storage.NewMemoryStore()
	clk := timer.NewManualClock(t0)
	first := newHarnessWith(t, store, clk)
	trip := first.openTrip(t)
	clk.Advance(20 * time.Minute)

	// a fresh process: new timer service, same store and clock
	second := newHarnessWith(t, store, clk)
	n, err := second.m.RestoreWindows(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	rem, ok := second.timers.Remaining(trip.ID)
	require.True(t, ok)
	assert.Equal(t, 10*time.Minute, rem)

	clk.Advance(10 * time.Minute)
	got, _ := store.GetTrip(context.Background(), trip.ID)
	assert.Equal(t, models.StatusCancelled, got.Status)
}

func TestStartBiddingTwiceIsInvalid(t *testing.T) {
	h := newHarness(t)
	trip := h.openTrip(t)
	_, err := h.m.StartBidding(context.Background(), trip.ID)
	assert.ErrorIs(t, err, errs.ErrInvalidState)
	_, err = h.m.StartBidding(context.Background(), "missing")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestTransitionsRequirePrerequisites(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	trip := h.acceptedTrip(t)

	_, err := h.m.Complete(ctx, trip.ID)
	assert.ErrorIs(t, err, errs.ErrInvalidState)
	_, err = h.m.AdvanceToInProgress(ctx, trip.ID)
	assert.ErrorIs(t, err, errs.ErrInvalidState, "booking unpaid")

	h.payBooking(t, trip.ID)
	trip, err = h.m.AdvanceToInProgress(ctx, trip.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, trip.Status)

	_, err = h.m.Complete(ctx, trip.ID)
	assert.ErrorIs(t, err, errs.ErrInvalidState, "bill not accepted")

	_, err = h.m.RecordMilestone(ctx, trip.ID, "provider-1", models.MilestoneBill, drop)
	assert.ErrorIs(t, err, errs.ErrInvalidState, "goods receipt comes first")

	_, err = h.m.RecordMilestone(ctx, trip.ID, "provider-1", models.MilestoneGoodsReceipt, pickup)
	require.NoError(t, err)
	h.payStage(t, trip.ID, payments.StageMajority)
	_, err = h.m.RecordMilestone(ctx, trip.ID, "provider-1", models.MilestoneBill, drop)
	require.NoError(t, err)

	trip, err = h.m.Complete(ctx, trip.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, trip.Status)
	assert.Contains(t, h.pub.last().Recipients, "consumer-1")
	assert.Contains(t, h.pub.last().Recipients, "provider-1")

	_, err = h.m.Cancel(ctx, trip.ID, "too late")
	assert.ErrorIs(t, err, errs.ErrInvalidState)
}

func TestCompleteRequiresMajorityPaid(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sched := payments.DefaultSchedule()
	trip := h.inProgressTrip(t)

	_, err := h.m.RecordMilestone(ctx, trip.ID, "provider-1", models.MilestoneGoodsReceipt, pickup)
	require.NoError(t, err)
	_, err = h.m.RecordMilestone(ctx, trip.ID, "provider-1", models.MilestoneBill, drop)
	require.NoError(t, err)

	_, err = h.m.Complete(ctx, trip.ID)
	assert.ErrorIs(t, err, errs.ErrInvalidState)
	got, err := h.m.Get(ctx, trip.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, got.Status)
	st, ok := sched.NextDueStage(got)
	require.True(t, ok, "majority must stay payable")
	assert.Equal(t, payments.StageMajority, st)

	h.payStage(t, trip.ID, payments.StageMajority)
	got, err = h.m.Complete(ctx, trip.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	st, ok = sched.NextDueStage(got)
	require.True(t, ok)
	assert.Equal(t, payments.StageFinal, st)
}

func TestMilestoneProximityGate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	trip := h.inProgressTrip(t)

	sixKm := models.Coord{Lat: pickup.Lat + 0.054, Lon: pickup.Lon}
	_, err := h.m.RecordMilestone(ctx, trip.ID, "provider-1", models.MilestoneGoodsReceipt, sixKm)
	assert.ErrorIs(t, err, errs.ErrInvalidState)

	fourKm := models.Coord{Lat: pickup.Lat + 0.036, Lon: pickup.Lon}
	got, err := h.m.RecordMilestone(ctx, trip.ID, "provider-1", models.MilestoneGoodsReceipt, fourKm)
	require.NoError(t, err)
	assert.True(t, got.Milestones.GoodsReceiptAccepted)
	assert.Equal(t, "provider-1", got.Milestones.GoodsReceiptBy)
	require.NotNil(t, got.Milestones.GoodsReceiptAt)
	assert.Equal(t, t0, *got.Milestones.GoodsReceiptAt)

	_, err = h.m.RecordMilestone(ctx, trip.ID, "provider-1", "unknown", fourKm)
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestMilestoneOnlyByProvider(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	trip := h.inProgressTrip(t)

	for _, user := range []string{"consumer-1", "provider-2"} {
		_, err := h.m.RecordMilestone(ctx, trip.ID, user, models.MilestoneGoodsReceipt, pickup)
		assert.ErrorIs(t, err, errs.ErrForbidden, user)
	}
	_, err := h.m.RecordMilestone(ctx, trip.ID, "", models.MilestoneGoodsReceipt, pickup)
	assert.ErrorIs(t, err, errs.ErrValidation)

	got, err := h.m.Get(ctx, trip.ID)
	require.NoError(t, err)
	assert.False(t, got.Milestones.GoodsReceiptAccepted)
}

func TestMilestoneChecksTrackedPosition(t *testing.T) {
	ctx := context.Background()
	clk := timer.NewManualClock(t0)
	tracked := fixedPositions{}
	h := buildHarness(t, storage.NewMemoryStore(), clk, tracked, Config{ProximityRadiusM: 5000, PositionMaxAge: 10 * time.Minute})
	trip := h.inProgressTrip(t)

	_, err := h.m.RecordMilestone(ctx, trip.ID, "provider-1", models.MilestoneGoodsReceipt, pickup)
	assert.ErrorIs(t, err, errs.ErrInvalidState, "nothing tracked yet")

	tracked["provider-1"] = models.Position{UserID: "provider-1", Loc: drop, UpdatedAt: t0}
	_, err = h.m.RecordMilestone(ctx, trip.ID, "provider-1", models.MilestoneGoodsReceipt, pickup)
	assert.ErrorIs(t, err, errs.ErrInvalidState, "truck is tracked at the drop point")

	tracked["provider-1"] = models.Position{UserID: "provider-1", Loc: pickup, UpdatedAt: t0.Add(-time.Hour)}
	_, err = h.m.RecordMilestone(ctx, trip.ID, "provider-1", models.MilestoneGoodsReceipt, pickup)
	assert.ErrorIs(t, err, errs.ErrInvalidState, "stale fix")

	tracked["provider-1"] = models.Position{UserID: "provider-1", Loc: pickup, UpdatedAt: t0.Add(-time.Minute)}
	got, err := h.m.RecordMilestone(ctx, trip.ID, "provider-1", models.MilestoneGoodsReceipt, pickup)
	require.NoError(t, err)
	assert.True(t, got.Milestones.GoodsReceiptAccepted)
}

func TestCancelFromEveryNonTerminalState(t *testing.T) {
	ctx := context.Background()
	states := map[string]func(t *testing.T, h *harness) *models.Trip{
		"notStarted": func(t *testing.T, h *harness) *models.Trip {
			tr, err := h.m.CreateTrip(ctx, validRequest())
			require.NoError(t, err)
			return tr
		},
		"started":    func(t *testing.T, h *harness) *models.Trip { return h.openTrip(t) },
		"accepted":   func(t *testing.T, h *harness) *models.Trip { return h.acceptedTrip(t) },
		"inProgress": func(t *testing.T, h *harness) *models.Trip { return h.inProgressTrip(t) },
	}
	for name, build := range states {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			tr := build(t, h)
			got, err := h.m.Cancel(ctx, tr.ID, "consumer changed plans")
			require.NoError(t, err)
			assert.Equal(t, models.StatusCancelled, got.Status)
			assert.Equal(t, "consumer changed plans", got.CancelReason)
			_, tracked := h.timers.Window(tr.ID)
			assert.False(t, tracked)
			assert.Contains(t, h.forget.forgotten, tr.ID)
		})
	}
}

func TestCreateTripValidation(t *testing.T) {
	cases := []struct {
		field  string
		mutate func(r *CreateTripRequest)
	}{
		{"userId", func(r *CreateTripRequest) { r.ConsumerID = "" }},
		{"cargoType", func(r *CreateTripRequest) { r.CargoType = " " }},
		{"quotePrice", func(r *CreateTripRequest) { r.QuotePrice = "" }},
		{"quotePrice", func(r *CreateTripRequest) { r.QuotePrice = "abc" }},
		{"weight", func(r *CreateTripRequest) { r.Weight = "0" }},
		{"from", func(r *CreateTripRequest) { r.From = "" }},
		{"to", func(r *CreateTripRequest) { r.To = "" }},
		{"tripDate", func(r *CreateTripRequest) { r.TripDate = "" }},
		{"tripDate", func(r *CreateTripRequest) { r.TripDate = "next tuesday" }},
		{"pickup", func(r *CreateTripRequest) { r.Pickup = models.Coord{Lat: 120} }},
	}
	h := newHarness(t)
	for _, tc := range cases {
		req := validRequest()
		tc.mutate(&req)
		_, err := h.m.CreateTrip(context.Background(), req)
		var ve *errs.ValidationError
		require.ErrorAs(t, err, &ve, tc.field)
		assert.Equal(t, tc.field, ve.Field)
	}
	all, err := h.m.List(context.Background(), storage.TripFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}
