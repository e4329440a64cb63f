// Package tracking records where providers are during a trip and gates
// milestones on proximity to the pickup and drop points.
package tracking

import (
	"context"
	"log/slog"
	"math"

	"github.com/example/freight-negotiation/internal/errs"
	"github.com/example/freight-negotiation/internal/geo"
	"github.com/example/freight-negotiation/internal/logging"
	"github.com/example/freight-negotiation/internal/models"
	"github.com/example/freight-negotiation/internal/observability"
	"github.com/example/freight-negotiation/internal/storage"
	"github.com/example/freight-negotiation/internal/timer"
)

const DefaultRadiusM = 5000

// IsWithin reports whether cur lies within radiusM metres of target along
// the great circle.
func IsWithin(cur, target models.Coord, radiusM float64) bool {
	return geo.Distance(cur, target) <= radiusM
}

// ValidCoord rejects coordinates outside the WGS84 range.
func ValidCoord(c models.Coord) error {
	if math.IsNaN(c.Lat) || c.Lat < -90 || c.Lat > 90 {
		return errs.Invalid("latitude", "must be between -90 and 90")
	}
	if math.IsNaN(c.Lon) || c.Lon < -180 || c.Lon > 180 {
		return errs.Invalid("longitude", "must be between -180 and 180")
	}
	return nil
}

type Publisher interface {
	Publish(ctx context.Context, ev models.Event) error
}

// LocationLog receives every accepted position, e.g. a Kafka topic.
type LocationLog interface {
	PublishLocation(ctx context.Context, p models.Position) error
}

type TripLister interface {
	ListTrips(ctx context.Context, f storage.TripFilter) ([]*models.Trip, error)
}

type Service struct {
	index  geo.Index
	trips  TripLister
	pub    Publisher
	log    LocationLog
	clock  timer.Clock
	logger *slog.Logger
}

// NewService builds the server side of location tracking. pub and log may
// be nil.
func NewService(index geo.Index, trips TripLister, pub Publisher, log LocationLog, clock timer.Clock, logger *slog.Logger) *Service {
	if clock == nil {
		clock = timer.RealClock()
	}
	return &Service{index: index, trips: trips, pub: pub, log: log, clock: clock, logger: logging.Component(logger, "tracking")}
}

// Save records userID's latest position and forwards it to the consumers of
// any trip that user is currently carrying.
func (s *Service) Save(ctx context.Context, userID string, c models.Coord) (models.Position, error) {
	if userID == "" {
		return models.Position{}, errs.Invalid("userId", "is required")
	}
	if err := ValidCoord(c); err != nil {
		observability.LocationReports.WithLabelValues("invalid").Inc()
		return models.Position{}, err
	}
	p := models.Position{UserID: userID, Loc: c, UpdatedAt: s.clock.Now()}
	if err := s.index.Upsert(ctx, p); err != nil {
		observability.LocationReports.WithLabelValues("store_error").Inc()
		return models.Position{}, err
	}
	observability.LocationReports.WithLabelValues("stored").Inc()

	if s.log != nil {
		if err := s.log.PublishLocation(ctx, p); err != nil {
			s.logger.Warn("location log append failed", "user_id", userID, "error", err)
		}
	}
	s.fanOut(ctx, p)
	return p, nil
}

func (s *Service) fanOut(ctx context.Context, p models.Position) {
	if s.pub == nil || s.trips == nil {
		return
	}
	active, err := s.trips.ListTrips(ctx, storage.TripFilter{
		ProviderID: p.UserID,
		Statuses:   []models.TripStatus{models.StatusInProgress},
	})
	if err != nil {
		s.logger.Warn("listing active trips failed", "user_id", p.UserID, "error", err)
		return
	}
	for _, t := range active {
		ev := models.Event{
			Type:       models.EventUserLocation,
			TripID:     t.ID,
			UserID:     p.UserID,
			Latitude:   p.Loc.Lat,
			Longitude:  p.Loc.Lon,
			Recipients: []string{t.ConsumerID},
			At:         p.UpdatedAt,
		}
		if err := s.pub.Publish(ctx, ev); err != nil {
			s.logger.Debug("location push failed", "trip_id", t.ID, "error", err)
		}
	}
}

// SaveLocation adapts Save to the push channel's location frames.
func (s *Service) SaveLocation(ctx context.Context, userID string, c models.Coord) error {
	_, err := s.Save(ctx, userID, c)
	return err
}

// Latest returns the last recorded position of userID.
func (s *Service) Latest(ctx context.Context, userID string) (models.Position, bool, error) {
	return s.index.Get(ctx, userID)
}

func (s *Service) UserLocation(ctx context.Context, userID string) (models.Position, bool, error) {
	return s.Latest(ctx, userID)
}
