package geo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/freight-negotiation/internal/models"
)

func TestHaversineZero(t *testing.T) {
	assert.Zero(t, Haversine(0, 0, 0, 0))
}

func TestHaversineOneDegreeLatitude(t *testing.T) {
	// one degree of latitude is ~111.2 km everywhere
	assert.InDelta(t, 111195, Haversine(26.0, 78.0, 27.0, 78.0), 50)
}

func TestNearbyOrdersByDistanceWithinRadius(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex()
	pickup := models.Coord{Lat: 26.89, Lon: 78.71}
	require.NoError(t, idx.Upsert(ctx, models.Position{UserID: "far", Loc: models.Coord{Lat: 27.5, Lon: 78.71}}))
	require.NoError(t, idx.Upsert(ctx, models.Position{UserID: "near", Loc: models.Coord{Lat: 26.891, Lon: 78.71}}))
	require.NoError(t, idx.Upsert(ctx, models.Position{UserID: "mid", Loc: models.Coord{Lat: 26.92, Lon: 78.71}}))

	got, err := idx.Nearby(ctx, pickup, 10000, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "near", got[0].UserID)
	assert.Equal(t, "mid", got[1].UserID)

	got, _ = idx.Nearby(ctx, pickup, 10000, 1)
	assert.Len(t, got, 1)
}

func TestMaxAgeHidesStalePositions(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	idx.now = func() time.Time { return now }
	idx.MaxAge = time.Minute

	require.NoError(t, idx.Upsert(ctx, models.Position{UserID: "p1", Loc: models.Coord{Lat: 1, Lon: 1}, UpdatedAt: now.Add(-2 * time.Minute)}))
	_, ok, _ := idx.Get(ctx, "p1")
	assert.False(t, ok)

	require.NoError(t, idx.Upsert(ctx, models.Position{UserID: "p1", Loc: models.Coord{Lat: 1, Lon: 1}}))
	p, ok, _ := idx.Get(ctx, "p1")
	assert.True(t, ok)
	assert.Equal(t, now, p.UpdatedAt)
}
