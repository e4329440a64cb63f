package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/freight-negotiation/internal/errs"
	"github.com/example/freight-negotiation/internal/models"
)

func newTrip(id, consumer string, created time.Time) *models.Trip {
	return &models.Trip{
		ID:            id,
		ConsumerID:    consumer,
		Status:        models.StatusCreated,
		BiddingStatus: models.BiddingNotStarted,
		CreatedAt:     created,
	}
}

func TestUpdateTripIsAtomic(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	require.NoError(t, m.CreateTrip(ctx, newTrip("t1", "c1", time.Now())))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.UpdateTrip(ctx, "t1", func(tr *models.Trip) error {
				tr.Bids = append(tr.Bids, models.Bid{Role: models.RoleProvider, Price: 1})
				return nil
			})
		}()
	}
	wg.Wait()

	got, err := m.GetTrip(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, got.Bids, 50)
	assert.Equal(t, int64(50), got.Version)
}

func TestUpdateTripFailureLeavesTripUntouched(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	require.NoError(t, m.CreateTrip(ctx, newTrip("t1", "c1", time.Now())))

	boom := errors.New("boom")
	_, err := m.UpdateTrip(ctx, "t1", func(tr *models.Trip) error {
		tr.Bids = append(tr.Bids, models.Bid{Role: models.RoleProvider, Price: 1})
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, _ := m.GetTrip(ctx, "t1")
	assert.Empty(t, got.Bids)
	assert.Zero(t, got.Version)
}

func TestGetTripReturnsCopy(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	require.NoError(t, m.CreateTrip(ctx, newTrip("t1", "c1", time.Now())))

	got, _ := m.GetTrip(ctx, "t1")
	got.Bids = append(got.Bids, models.Bid{Role: models.RoleProvider, Price: 9})

	again, _ := m.GetTrip(ctx, "t1")
	assert.Empty(t, again.Bids)
}

func TestMissingTrip(t *testing.T) {
	m := NewMemoryStore()
	_, err := m.GetTrip(context.Background(), "nope")
	assert.True(t, errors.Is(err, errs.ErrNotFound))
	_, err = m.UpdateTrip(context.Background(), "nope", func(*models.Trip) error { return nil })
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestListTripsFilter(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a := newTrip("a", "c1", base)
	b := newTrip("b", "c1", base.Add(time.Hour))
	b.Status = models.StatusInProgress
	b.ProviderID = "p1"
	c := newTrip("c", "c2", base.Add(2*time.Hour))
	for _, tr := range []*models.Trip{a, b, c} {
		require.NoError(t, m.CreateTrip(ctx, tr))
	}

	got, _ := m.ListTrips(ctx, TripFilter{ConsumerID: "c1"})
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].ID, "newest first")

	got, _ = m.ListTrips(ctx, TripFilter{ProviderID: "p1", Statuses: []models.TripStatus{models.StatusInProgress}})
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].ID)

	got, _ = m.ListTrips(ctx, TripFilter{ParticipantID: "p1"})
	require.Len(t, got, 1)

	got, _ = m.ListTrips(ctx, TripFilter{BiddingStatuses: []models.BiddingStatus{models.BiddingNotStarted}})
	assert.Len(t, got, 3)
}

func TestWalletIsAppendOnly(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	require.NoError(t, m.AppendTransaction(ctx, models.Transaction{ID: "x1", UserID: "p1", Amount: 500, Type: models.Credit}))
	require.NoError(t, m.AppendTransaction(ctx, models.Transaction{ID: "x2", UserID: "p1", Amount: 120, Type: models.Debit}))
	assert.ErrorIs(t, m.AppendTransaction(ctx, models.Transaction{ID: "x1", UserID: "p1", Amount: 500, Type: models.Credit}), ErrDuplicate)

	w, err := m.Wallet(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, w.Transactions, 2)
	assert.InDelta(t, 380, w.Balance, 1e-9)
}
