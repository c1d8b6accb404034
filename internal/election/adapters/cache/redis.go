// Package cache stores candidate display metadata for tally reports.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"quorum/internal/election/models"
	id "quorum/pkg/domain"
	"quorum/pkg/platform/sentinel"
)

const (
	keyPrefix  = "quorum:display:"
	defaultTTL = 5 * time.Minute
)

// Redis keeps one JSON value per election position.
type Redis struct {
	client redis.Cmdable
	ttl    time.Duration
}

func NewRedis(client redis.Cmdable, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Redis{client: client, ttl: ttl}
}

func displayKey(electionID id.ElectionID, positionID id.PositionID) string {
	return keyPrefix + electionID.String() + ":" + positionID.String()
}

func (c *Redis) GetDisplay(ctx context.Context, electionID id.ElectionID, positionID id.PositionID) ([]models.CandidateDisplay, error) {
	raw, err := c.client.Get(ctx, displayKey(electionID, positionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("redis get display: %w: %w", sentinel.ErrUnavailable, err)
	}
	var displays []models.CandidateDisplay
	if err := json.Unmarshal(raw, &displays); err != nil {
		// A value we cannot read is as good as a miss; the next Set replaces it.
		return nil, sentinel.ErrNotFound
	}
	return displays, nil
}

func (c *Redis) SetDisplay(ctx context.Context, electionID id.ElectionID, positionID id.PositionID, displays []models.CandidateDisplay) error {
	raw, err := json.Marshal(displays)
	if err != nil {
		return fmt.Errorf("encode display: %w", err)
	}
	if err := c.client.Set(ctx, displayKey(electionID, positionID), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set display: %w: %w", sentinel.ErrUnavailable, err)
	}
	return nil
}

// Invalidate drops a position's entry.
func (c *Redis) Invalidate(ctx context.Context, electionID id.ElectionID, positionID id.PositionID) error {
	if err := c.client.Del(ctx, displayKey(electionID, positionID)).Err(); err != nil {
		return fmt.Errorf("redis del display: %w: %w", sentinel.ErrUnavailable, err)
	}
	return nil
}
