package client

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/example/freight-negotiation/internal/logging"
	"github.com/example/freight-negotiation/internal/models"
)

type Fetcher interface {
	GetTrip(ctx context.Context, tripID string) (*models.Trip, error)
}

// TripCache holds local copies of tracked trips. Copies are never patched
// from event payloads: any event that may change a trip triggers a full
// refetch, so the cache converges to the server's copy even after missed
// events.
type TripCache struct {
	api    Fetcher
	logger *slog.Logger

	mu       sync.RWMutex
	trips    map[string]*models.Trip
	onChange func(*models.Trip)
}

func NewTripCache(api Fetcher, logger *slog.Logger) *TripCache {
	return &TripCache{api: api, logger: logging.Component(logger, "trip-cache"), trips: make(map[string]*models.Trip)}
}

// OnChange registers a callback run whenever a tracked trip is replaced by
// a newer copy.
func (c *TripCache) OnChange(fn func(*models.Trip)) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

// Track fetches tripID and keeps it refreshed from then on.
func (c *TripCache) Track(ctx context.Context, tripID string) (*models.Trip, error) {
	if err := c.Refresh(ctx, tripID); err != nil {
		return nil, err
	}
	t, _ := c.Get(tripID)
	return t, nil
}

func (c *TripCache) Untrack(tripID string) {
	c.mu.Lock()
	delete(c.trips, tripID)
	c.mu.Unlock()
}

// Get returns a copy of the cached trip.
func (c *TripCache) Get(tripID string) (*models.Trip, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.trips[tripID]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

func (c *TripCache) Tracked() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.trips))
	for id := range c.trips {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Refresh refetches tripID. An older copy never replaces a newer one.
func (c *TripCache) Refresh(ctx context.Context, tripID string) error {
	fresh, err := c.api.GetTrip(ctx, tripID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	cur, ok := c.trips[tripID]
	replaced := !ok || fresh.Version >= cur.Version
	if replaced {
		c.trips[tripID] = fresh
	}
	fn := c.onChange
	c.mu.Unlock()
	if replaced && fn != nil && (!ok || fresh.Version > cur.Version) {
		fn(fresh.Clone())
	}
	return nil
}

// RefreshAll refetches every tracked trip. It is the reconnect hook: events
// missed while disconnected are not replayed.
func (c *TripCache) RefreshAll(ctx context.Context) error {
	var failed []error
	for _, id := range c.Tracked() {
		if err := c.Refresh(ctx, id); err != nil {
			failed = append(failed, err)
		}
	}
	return errors.Join(failed...)
}

// Stale reports whether ev describes a newer state than the cached copy.
func (c *TripCache) Stale(ev models.Event) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.trips[ev.TripID]
	if !ok {
		return false
	}
	if ev.Version > 0 {
		return ev.Version > t.Version
	}
	return ev.BidCount != len(t.Bids)
}

// HandleEvent refetches the trip an event refers to when the cached copy
// is behind.
func (c *TripCache) HandleEvent(ev models.Event) {
	switch ev.Type {
	case models.EventRevisedPrice, models.EventCounterPrice, models.EventTripStatus:
	default:
		return
	}
	if !c.Stale(ev) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.Refresh(ctx, ev.TripID); err != nil {
		c.logger.Warn("refetch after event failed", "trip_id", ev.TripID, "type", ev.Type, "error", err)
	}
}
