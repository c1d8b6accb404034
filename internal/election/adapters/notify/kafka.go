// Package notify delivers election lifecycle events to members.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"quorum/internal/election/models"
)

const defaultProduceTimeout = 5 * time.Second

// Producer is the part of *kgo.Client the notifier uses.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// Kafka publishes lifecycle events as JSON records keyed by election id, so
// one election's events stay ordered on a single partition.
type Kafka struct {
	producer Producer
	topic    string
	timeout  time.Duration
	logger   *slog.Logger
}

type KafkaOption func(*Kafka)

func WithProduceTimeout(d time.Duration) KafkaOption {
	return func(k *Kafka) {
		if d > 0 {
			k.timeout = d
		}
	}
}

func WithKafkaLogger(logger *slog.Logger) KafkaOption {
	return func(k *Kafka) {
		k.logger = logger
	}
}

func NewKafka(producer Producer, topic string, opts ...KafkaOption) *Kafka {
	k := &Kafka{producer: producer, topic: topic, timeout: defaultProduceTimeout}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Publish produces the event and waits for the broker acknowledgement.
func (k *Kafka) Publish(ctx context.Context, event models.LifecycleEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode lifecycle event: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()

	record := &kgo.Record{
		Topic: k.topic,
		Key:   []byte(event.ElectionID.String()),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "event_type", Value: []byte(event.Type)},
		},
		Timestamp: event.OccurredAt,
	}
	if err := k.producer.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce %s for election %s: %w", event.Type, event.ElectionID, err)
	}
	if k.logger != nil {
		k.logger.DebugContext(ctx, "lifecycle event published",
			"election_id", event.ElectionID.String(),
			"type", string(event.Type),
			"recipients", len(event.MemberIDs),
		)
	}
	return nil
}
