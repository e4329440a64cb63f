package payments

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/freight-negotiation/internal/errs"
	"github.com/example/freight-negotiation/internal/logging"
	"github.com/example/freight-negotiation/internal/models"
	"github.com/example/freight-negotiation/internal/storage"
	"github.com/example/freight-negotiation/internal/timer"
)

type fakeGateway struct {
	mu         sync.Mutex
	orders     map[string]Order
	captured   map[string]bool
	cancelled  map[string]bool
	failCreate error
	failCap    error
	calls      int
	seq        int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{orders: map[string]Order{}, captured: map[string]bool{}, cancelled: map[string]bool{}}
}

func (f *fakeGateway) CreateOrder(_ context.Context, req OrderRequest) (Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failCreate != nil {
		return Order{}, f.failCreate
	}
	f.seq++
	o := Order{ID: fmt.Sprintf("pi_%d", f.seq), TripID: req.TripID, Stage: req.Stage, AmountMinor: req.AmountMinor, Currency: req.Currency}
	f.orders[o.ID] = o
	return o, nil
}

func (f *fakeGateway) Order(_ context.Context, id string) (Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return Order{}, errors.New("no such payment intent")
	}
	return o, nil
}

func (f *fakeGateway) Capture(_ context.Context, id string) (Capture, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCap != nil {
		return Capture{}, f.failCap
	}
	f.captured[id] = true
	return Capture{OrderID: id, PaymentID: "ch_" + id}, nil
}

func (f *fakeGateway) Cancel(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled[id] = true
	return nil
}

var t0 = time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC)

func acceptedTrip() *models.Trip {
	return &models.Trip{
		ID:            "trip-1",
		ConsumerID:    "c1",
		ProviderID:    "p1",
		Status:        models.StatusCreated,
		BiddingStatus: models.BiddingAccepted,
		FinalPrice:    4700,
		CreatedAt:     t0,
	}
}

func newTracker(t *testing.T, trip *models.Trip) (*Tracker, *storage.MemoryStore, *fakeGateway) {
	t.Helper()
	store := storage.NewMemoryStore()
	require.NoError(t, store.CreateTrip(context.Background(), trip))
	gw := newFakeGateway()
	tr := NewTracker(store, store, gw, DefaultSchedule(), "inr", timer.NewManualClock(t0), logging.Discard())
	return tr, store, gw
}

func TestNextDueStageIsSequential(t *testing.T) {
	s := DefaultSchedule()
	trip := acceptedTrip()

	st, ok := s.NextDueStage(trip)
	require.True(t, ok)
	assert.Equal(t, StageBooking, st)
	assert.Equal(t, 470.0, s.Amount(trip, st))

	trip.Transactions = append(trip.Transactions, models.Transaction{Stage: string(StageBooking)})
	_, ok = s.NextDueStage(trip)
	assert.False(t, ok, "majority needs the trip in progress with goods received")

	trip.Status = models.StatusInProgress
	trip.Milestones.BillAccepted = true
	_, ok = s.NextDueStage(trip)
	assert.False(t, ok, "final cannot jump ahead of majority")

	trip.Milestones.GoodsReceiptAccepted = true
	st, _ = s.NextDueStage(trip)
	assert.Equal(t, StageMajority, st)
	assert.Equal(t, 3760.0, s.Amount(trip, st))

	trip.Transactions = append(trip.Transactions, models.Transaction{Stage: string(StageMajority)})
	st, _ = s.NextDueStage(trip)
	assert.Equal(t, StageFinal, st)

	trip.Transactions = append(trip.Transactions, models.Transaction{Stage: string(StageFinal)})
	_, ok = s.NextDueStage(trip)
	assert.False(t, ok)
}

func TestNextDueStageNothingBeforeAcceptOrAfterCancel(t *testing.T) {
	s := DefaultSchedule()
	trip := acceptedTrip()
	trip.BiddingStatus = models.BiddingStarted
	_, ok := s.NextDueStage(trip)
	assert.False(t, ok)

	trip = acceptedTrip()
	trip.Status = models.StatusCancelled
	_, ok = s.NextDueStage(trip)
	assert.False(t, ok)
}

func TestCheckoutAndVerifyBookingStage(t *testing.T) {
	ctx := context.Background()
	tr, store, gw := newTracker(t, acceptedTrip())

	co, err := tr.Checkout(ctx, "trip-1", "c1")
	require.NoError(t, err)
	assert.Equal(t, StageBooking, co.Stage)
	assert.Equal(t, 470.0, co.Amount)
	assert.Equal(t, int64(47000), gw.orders[co.OrderID].AmountMinor)

	tx, err := tr.Verify(ctx, "trip-1", co.OrderID)
	require.NoError(t, err)
	assert.Equal(t, "booking", tx.Stage)
	assert.Equal(t, 10, tx.PaymentPercent)
	assert.Equal(t, "ch_"+co.OrderID, tx.GatewayPaymentID)

	trip, err := store.GetTrip(ctx, "trip-1")
	require.NoError(t, err)
	require.Len(t, trip.Transactions, 1)
	assert.True(t, trip.HasStagePaid("booking"))

	w, err := tr.Wallet(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 470.0, w.Balance)
	require.Len(t, w.Transactions, 1)
	assert.Equal(t, models.Credit, w.Transactions[0].Type)

	again, err := tr.Verify(ctx, "trip-1", co.OrderID)
	require.NoError(t, err, "verifying twice is idempotent")
	assert.Equal(t, tx.ID, again.ID)
	w, _ = tr.Wallet(ctx, "p1")
	assert.Equal(t, 470.0, w.Balance)

	_, ok, err := tr.NextDue(ctx, "trip-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCheckoutRejections(t *testing.T) {
	ctx := context.Background()
	trip := acceptedTrip()
	trip.BiddingStatus = models.BiddingStarted
	tr, _, gw := newTracker(t, trip)

	_, err := tr.Checkout(ctx, "trip-1", "p1")
	assert.ErrorIs(t, err, errs.ErrValidation)

	_, err = tr.Checkout(ctx, "trip-1", "c1")
	assert.ErrorIs(t, err, errs.ErrInvalidState)

	_, err = tr.Checkout(ctx, "missing", "c1")
	assert.ErrorIs(t, err, errs.ErrNotFound)
	assert.Zero(t, gw.calls)
}

func TestGatewayFailureLeavesStageDue(t *testing.T) {
	ctx := context.Background()
	tr, store, gw := newTracker(t, acceptedTrip())

	gw.failCreate = errors.New("gateway timeout")
	_, err := tr.Checkout(ctx, "trip-1", "c1")
	assert.ErrorIs(t, err, errs.ErrPaymentGateway)
	assert.True(t, errs.Retryable(err))

	gw.failCreate = nil
	co, err := tr.Checkout(ctx, "trip-1", "c1")
	require.NoError(t, err)
	gw.failCap = errors.New("card declined")
	_, err = tr.Verify(ctx, "trip-1", co.OrderID)
	assert.ErrorIs(t, err, errs.ErrPaymentGateway)

	trip, _ := store.GetTrip(ctx, "trip-1")
	assert.Empty(t, trip.Transactions)
	d, ok, err := tr.NextDue(ctx, "trip-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StageBooking, d.Stage)
}

func TestVerifyReleasesOrderForStageNoLongerDue(t *testing.T) {
	ctx := context.Background()
	tr, store, gw := newTracker(t, acceptedTrip())

	co, err := tr.Checkout(ctx, "trip-1", "c1")
	require.NoError(t, err)
	_, err = store.UpdateTrip(ctx, "trip-1", func(trip *models.Trip) error {
		trip.Status = models.StatusCancelled
		return nil
	})
	require.NoError(t, err)

	_, err = tr.Verify(ctx, "trip-1", co.OrderID)
	assert.ErrorIs(t, err, errs.ErrInvalidState)
	assert.True(t, gw.cancelled[co.OrderID])
	assert.False(t, gw.captured[co.OrderID])
}

func TestVerifyRejectsForeignOrder(t *testing.T) {
	ctx := context.Background()
	tr, _, gw := newTracker(t, acceptedTrip())
	gw.orders["pi_other"] = Order{ID: "pi_other", TripID: "trip-2", Stage: StageBooking, AmountMinor: 47000}

	_, err := tr.Verify(ctx, "trip-1", "pi_other")
	assert.ErrorIs(t, err, errs.ErrValidation)
	assert.False(t, gw.captured["pi_other"])
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway()
	gw.failCreate = errors.New("503")
	b := NewBreakerGateway(gw, logging.Discard())

	for i := 0; i < 3; i++ {
		_, err := b.CreateOrder(ctx, OrderRequest{TripID: "t"})
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, b.State())

	_, err := b.CreateOrder(ctx, OrderRequest{TripID: "t"})
	assert.ErrorIs(t, err, ErrGatewayUnavailable)
	assert.Equal(t, 3, gw.calls)
}
