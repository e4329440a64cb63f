package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/freight-negotiation/internal/models"
)

// KafkaProducer appends trip events and location samples to their topics.
// Messages are keyed by trip (or user) and hashed to a partition, so the log
// preserves per-trip order.
type KafkaProducer struct {
	writer        *kafka.Writer
	tripTopic     string
	locationTopic string
}

func NewKafkaProducer(brokers []string, tripTopic, locationTopic string) *KafkaProducer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
	}
	return &KafkaProducer{writer: w, tripTopic: tripTopic, locationTopic: locationTopic}
}

// Publish writes a trip event. It satisfies the lifecycle publisher.
func (k *KafkaProducer) Publish(ctx context.Context, ev models.Event) error {
	if ev.TripID == "" {
		return nil
	}
	b, err := json.Marshal(EventRecord{Event: ev, Recipients: ev.Recipients})
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return k.writer.WriteMessages(ctx, kafka.Message{Topic: k.tripTopic, Key: []byte(ev.TripID), Value: b})
}

func (k *KafkaProducer) PublishLocation(ctx context.Context, p models.Position) error {
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode position: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return k.writer.WriteMessages(ctx, kafka.Message{Topic: k.locationTopic, Key: []byte(p.UserID), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// EventRecord is the log representation of an event; recipients are kept
// because the push envelope omits them.
type EventRecord struct {
	Event      models.Event `json:"event"`
	Recipients []string     `json:"recipients,omitempty"`
}

// DecodePosition parses a location topic message.
func DecodePosition(b []byte) (models.Position, error) {
	var p models.Position
	if err := json.Unmarshal(b, &p); err != nil {
		return p, err
	}
	if p.UserID == "" {
		return p, fmt.Errorf("position without userId")
	}
	if p.Loc.Lat < -90 || p.Loc.Lat > 90 || p.Loc.Lon < -180 || p.Loc.Lon > 180 {
		return p, fmt.Errorf("position out of range: %v", p.Loc)
	}
	return p, nil
}
