package tracking

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/freight-negotiation/internal/geo"
	"github.com/example/freight-negotiation/internal/logging"
	"github.com/example/freight-negotiation/internal/models"
)

const (
	DefaultInterval = 5 * time.Second
	DefaultMinMoveM = 25.0
)

// PositionSource yields the device's current coordinates.
type PositionSource interface {
	Current(ctx context.Context) (models.Coord, error)
}

// Sink accepts a position report. realtime.Client satisfies it.
type Sink interface {
	SaveLocation(lat, lng float64) error
}

// Reporter periodically samples a PositionSource and reports meaningful
// moves while the trip it serves is in progress.
type Reporter struct {
	Source PositionSource
	Sink   Sink
	// Status returns the current trip status; Run returns once it is no
	// longer in progress. Nil means report until ctx ends.
	Status   func(ctx context.Context) (models.TripStatus, error)
	Interval time.Duration
	MinMoveM float64
	Logger   *slog.Logger

	last    models.Coord
	hasLast bool
}

// Run blocks until ctx is cancelled or the trip leaves inProgress.
func (r *Reporter) Run(ctx context.Context) error {
	interval := r.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	log := logging.Component(r.Logger, "reporter")

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if done := r.tick(ctx, log); done {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// tick takes one sample. It reports true when reporting should stop.
func (r *Reporter) tick(ctx context.Context, log *slog.Logger) bool {
	if r.Status != nil {
		st, err := r.Status(ctx)
		if err != nil {
			log.Warn("trip status unavailable", "error", err)
			return false
		}
		if st != models.StatusInProgress {
			log.Info("trip no longer in progress, stopping", "status", st)
			return true
		}
	}
	cur, err := r.Source.Current(ctx)
	if err != nil {
		log.Warn("position unavailable", "error", err)
		return false
	}
	minMove := r.MinMoveM
	if minMove <= 0 {
		minMove = DefaultMinMoveM
	}
	if r.hasLast && geo.Distance(r.last, cur) < minMove {
		return false
	}
	if err := r.Sink.SaveLocation(cur.Lat, cur.Lon); err != nil {
		log.Warn("location report failed", "error", err)
		return false
	}
	r.last, r.hasLast = cur, true
	return false
}
