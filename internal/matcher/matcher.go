// Package matcher decides which providers are told about a newly opened
// trip.
package matcher

import (
	"context"
	"fmt"

	"github.com/example/freight-negotiation/internal/models"
)

type Geo interface {
	Nearby(ctx context.Context, c models.Coord, radiusM float64, limit int) ([]models.Position, error)
}

type Service struct {
	Geo     Geo
	RadiusM float64
	TopN    int
}

// EligibleProviders returns providers near the pickup point, closest first.
// The trip's own consumer is never eligible.
func (s *Service) EligibleProviders(ctx context.Context, t *models.Trip) ([]string, error) {
	topN := s.TopN
	if topN <= 0 {
		topN = 20
	}
	radius := s.RadiusM
	if radius <= 0 {
		radius = 50000
	}
	// one extra slot in case the consumer is also reporting a position
	cands, err := s.Geo.Nearby(ctx, t.Pickup, radius, topN+1)
	if err != nil {
		return nil, fmt.Errorf("eligible providers for %s: %w", t.ID, err)
	}
	out := make([]string, 0, len(cands))
	for _, c := range cands {
		if c.UserID == t.ConsumerID {
			continue
		}
		out = append(out, c.UserID)
		if len(out) == topN {
			break
		}
	}
	return out, nil
}
