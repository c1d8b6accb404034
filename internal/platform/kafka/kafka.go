// Package kafka builds the franz-go client used for lifecycle notifications.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"quorum/internal/platform/config"
)

// New returns a producer client for the configured brokers, or nil when none
// are configured.
func New(cfg config.KafkaConfig, logger *slog.Logger) (*kgo.Client, error) {
	if len(cfg.Brokers) == 0 {
		return nil, nil
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.SnappyCompression(), kgo.NoCompression()),
		kgo.ClientID("quorum"),
	}
	if logger != nil {
		opts = append(opts, kgo.WithLogger(kgoLogger{logger: logger}))
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return client, nil
}

// EnsureTopic creates the notification topic; an existing topic is fine.
func EnsureTopic(ctx context.Context, client *kgo.Client, cfg config.KafkaConfig) error {
	adm := kadm.NewClient(client)
	resp, err := adm.CreateTopics(ctx, cfg.Partitions, cfg.ReplicationFactor, nil, cfg.Topic)
	if err != nil {
		return fmt.Errorf("create topic %s: %w", cfg.Topic, err)
	}
	for _, r := range resp {
		if r.Err != nil && !errors.Is(r.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("create topic %s: %w", r.Topic, r.Err)
		}
	}
	return nil
}

// Health pings any broker.
func Health(ctx context.Context, client *kgo.Client) error {
	return client.Ping(ctx)
}

// kgoLogger forwards franz-go's internal logging to slog at warn and above.
type kgoLogger struct {
	logger *slog.Logger
}

func (l kgoLogger) Level() kgo.LogLevel {
	return kgo.LogLevelWarn
}

func (l kgoLogger) Log(level kgo.LogLevel, msg string, keyvals ...any) {
	switch level {
	case kgo.LogLevelError:
		l.logger.Error(msg, append(keyvals, "component", "kafka")...)
	default:
		l.logger.Warn(msg, append(keyvals, "component", "kafka")...)
	}
}
