package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/example/freight-negotiation/internal/logging"
	"github.com/example/freight-negotiation/internal/models"
)

// Broadcaster is the transport used by Bridge to reach other instances.
type Broadcaster interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// Bridge delivers events to the local hub immediately and relays them over
// Redis pub/sub to the hubs of other instances, where the recipient may be
// connected instead.
type Bridge struct {
	rdb     Broadcaster
	channel string
	origin  string
	local   *Hub
	logger  *slog.Logger
}

type envelope struct {
	Origin     string       `json:"origin"`
	Event      models.Event `json:"event"`
	Recipients []string     `json:"recipients,omitempty"`
}

func NewBridge(rdb Broadcaster, channel, origin string, local *Hub, logger *slog.Logger) *Bridge {
	return &Bridge{rdb: rdb, channel: channel, origin: origin, local: local, logger: logging.Component(logger, "realtime-bridge")}
}

func (b *Bridge) Publish(ctx context.Context, ev models.Event) error {
	localErr := b.local.Publish(ctx, ev)
	msg, err := json.Marshal(envelope{Origin: b.origin, Event: ev, Recipients: ev.Recipients})
	if err != nil {
		return fmt.Errorf("bridge encode: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.channel, msg).Err(); err != nil {
		b.logger.Warn("relay failed", "type", ev.Type, "trip_id", ev.TripID, "error", err)
	}
	return localErr
}

// Run relays events from other instances into the local hub until ctx ends.
func (b *Bridge) Run(ctx context.Context) error {
	sub := b.rdb.Subscribe(ctx, b.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("bridge subscribe %s: %w", b.channel, err)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			b.relay(ctx, []byte(m.Payload))
		}
	}
}

func (b *Bridge) relay(ctx context.Context, payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		b.logger.Warn("bad relay payload", "error", err)
		return
	}
	if env.Origin == b.origin {
		return
	}
	env.Event.Recipients = env.Recipients
	if err := b.local.Publish(ctx, env.Event); err != nil {
		b.logger.Debug("relayed delivery failed", "type", env.Event.Type, "error", err)
	}
}
