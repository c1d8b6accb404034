package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"quorum/pkg/platform/sentinel"
)

// Redis is a fixed-window Store shared by every instance.
type Redis struct {
	client redis.Cmdable
	now    func() time.Time
}

func NewRedis(client redis.Cmdable) *Redis {
	return &Redis{client: client, now: time.Now}
}

func (s *Redis) Allow(ctx context.Context, key string, limit int, window time.Duration) (Result, error) {
	now := s.now()
	start := now.Truncate(window)
	bucket := fmt.Sprintf("%s:%d", key, start.Unix())

	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, bucket)
	pipe.PExpire(ctx, bucket, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return Result{}, fmt.Errorf("%w: rate limit counter: %v", sentinel.ErrUnavailable, err)
	}

	count := int(incr.Val())
	res := Result{Limit: limit, ResetAt: start.Add(window)}
	if count > limit {
		return res, nil
	}
	res.Allowed = true
	res.Remaining = limit - count
	return res, nil
}
