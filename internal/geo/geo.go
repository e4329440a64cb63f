package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/freight-negotiation/internal/models"
)

// Index stores the latest known position per user.
type Index interface {
	Upsert(ctx context.Context, p models.Position) error
	Get(ctx context.Context, userID string) (models.Position, bool, error)
	Nearby(ctx context.Context, c models.Coord, radiusM float64, limit int) ([]models.Position, error)
}

type MemoryIndex struct {
	mu        sync.RWMutex
	positions map[string]models.Position
	// MaxAge hides positions that stopped reporting; zero keeps them forever.
	MaxAge time.Duration
	now    func() time.Time
}

func NewIndex() *MemoryIndex {
	return &MemoryIndex{positions: make(map[string]models.Position), now: time.Now}
}

func (g *MemoryIndex) Upsert(ctx context.Context, p models.Position) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = g.now()
	}
	g.positions[p.UserID] = p
	return nil
}

func (g *MemoryIndex) Get(ctx context.Context, userID string) (models.Position, bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.positions[userID]
	if ok && g.stale(p) {
		return models.Position{}, false, nil
	}
	return p, ok, nil
}

// naive scan; fine for the in-process fallback
func (g *MemoryIndex) Nearby(ctx context.Context, c models.Coord, radiusM float64, limit int) ([]models.Position, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	type pair struct {
		p    models.Position
		dist float64
	}
	arr := make([]pair, 0, len(g.positions))
	for _, p := range g.positions {
		if g.stale(p) {
			continue
		}
		if d := Haversine(c.Lat, c.Lon, p.Loc.Lat, p.Loc.Lon); d <= radiusM {
			arr = append(arr, pair{p, d})
		}
	}
	sort.Slice(arr, func(i, j int) bool {
		if arr[i].dist == arr[j].dist {
			return arr[i].p.UserID < arr[j].p.UserID
		}
		return arr[i].dist < arr[j].dist
	})
	if limit > 0 && len(arr) > limit {
		arr = arr[:limit]
	}
	out := make([]models.Position, 0, len(arr))
	for _, a := range arr {
		out = append(out, a.p)
	}
	return out, nil
}

func (g *MemoryIndex) stale(p models.Position) bool {
	return g.MaxAge > 0 && g.now().Sub(p.UpdatedAt) > g.MaxAge
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// Distance is Haversine over coordinates.
func Distance(a, b models.Coord) float64 { return Haversine(a.Lat, a.Lon, b.Lat, b.Lon) }
