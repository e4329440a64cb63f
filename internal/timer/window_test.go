package timer

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/freight-negotiation/internal/errs"
)

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func TestStartWindowIsIdempotent(t *testing.T) {
	clk := NewManualClock(t0)
	s := NewService(clk)

	w1, started := s.StartWindow("trip-1", t0, 30*time.Minute)
	require.True(t, started)

	clk.Advance(time.Minute)
	w2, started := s.StartWindow("trip-1", clk.Now(), 30*time.Minute)
	assert.False(t, started)
	assert.Equal(t, w1, w2)

	fired := 0
	_, err := s.OnExpire("trip-1", func(Window) { fired++ })
	require.NoError(t, err)
	clk.Advance(29 * time.Minute)
	assert.Equal(t, 1, fired, "only the first window's timer exists")
}

func TestRemainingDoesNotDrift(t *testing.T) {
	clk := NewManualClock(t0)
	s := NewService(clk)
	s.StartWindow("trip-1", t0, 5*time.Minute)

	for i := 0; i < 100; i++ {
		r, ok := s.Remaining("trip-1")
		require.True(t, ok)
		assert.Equal(t, 5*time.Minute, r)
	}
	clk.Advance(2 * time.Minute)
	r, _ := s.Remaining("trip-1")
	assert.Equal(t, 3*time.Minute, r)

	clk.Advance(3 * time.Minute)
	r, _ = s.Remaining("trip-1")
	assert.Equal(t, time.Duration(0), r)

	clk.Advance(time.Hour)
	r, _ = s.Remaining("trip-1")
	assert.Equal(t, time.Duration(0), r)
}

func TestOnExpireFiresAtMostOnce(t *testing.T) {
	clk := NewManualClock(t0)
	s := NewService(clk)
	s.StartWindow("trip-1", t0, time.Minute)

	var got []Window
	_, err := s.OnExpire("trip-1", func(w Window) { got = append(got, w) })
	require.NoError(t, err)

	clk.Advance(time.Minute)
	clk.Advance(time.Minute)
	require.Len(t, got, 1)
	assert.Equal(t, "trip-1", got[0].TripID)

	late := 0
	_, err = s.OnExpire("trip-1", func(Window) { late++ })
	require.NoError(t, err)
	assert.Equal(t, 1, late)
}

func TestOnExpireCancel(t *testing.T) {
	clk := NewManualClock(t0)
	s := NewService(clk)
	s.StartWindow("trip-1", t0, time.Minute)

	fired := false
	cancel, err := s.OnExpire("trip-1", func(Window) { fired = true })
	require.NoError(t, err)
	cancel()
	clk.Advance(2 * time.Minute)
	assert.False(t, fired)
}

func TestStopCancelsTimer(t *testing.T) {
	clk := NewManualClock(t0)
	s := NewService(clk)
	s.StartWindow("trip-1", t0, time.Minute)

	fired := false
	_, _ = s.OnExpire("trip-1", func(Window) { fired = true })
	assert.True(t, s.Stop("trip-1"))
	assert.False(t, s.Stop("trip-1"))

	clk.Advance(time.Hour)
	assert.False(t, fired)
	_, ok := s.Remaining("trip-1")
	assert.False(t, ok)
}

func TestRearmAfterRestartUsesStoredStart(t *testing.T) {
	clk := NewManualClock(t0.Add(20 * time.Minute))
	s := NewService(clk)
	s.StartWindow("trip-1", t0, 30*time.Minute)

	r, _ := s.Remaining("trip-1")
	assert.Equal(t, 10*time.Minute, r)

	fired := false
	_, _ = s.OnExpire("trip-1", func(Window) { fired = true })
	clk.Advance(10 * time.Minute)
	assert.True(t, fired)
}

func TestOnExpireUnknownWindow(t *testing.T) {
	s := NewService(NewManualClock(t0))
	_, err := s.OnExpire("missing", func(Window) {})
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}
