package lifecycle

import (
	"context"
	"errors"

	"github.com/example/freight-negotiation/internal/models"
)

// Fanout publishes each event to every target in order, e.g. the push hub
// and the Kafka event log. A failing target does not stop the others.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, ev models.Event) error {
	var failed []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil {
			failed = append(failed, err)
		}
	}
	return errors.Join(failed...)
}
