package notify

import (
	"context"
	"log/slog"

	"quorum/internal/election/models"
)

// Log records lifecycle events in the service log. It is used when no
// broker is configured.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) Publish(ctx context.Context, event models.LifecycleEvent) error {
	l.logger.InfoContext(ctx, "lifecycle notification",
		"election_id", event.ElectionID.String(),
		"type", string(event.Type),
		"recipients", len(event.MemberIDs),
		"occurred_at", event.OccurredAt,
	)
	return nil
}
