package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"quorum/internal/platform/config"
)

const healthTimeout = time.Second

// Client is the shared connection used by the display cache and the rate
// limiter. It satisfies redis.Cmdable, so adapters take it as that interface.
type Client struct {
	*redis.Client
}

// New connects to Redis. It returns (nil, nil) when no URL is configured,
// which callers treat as "run without Redis".
func New(ctx context.Context, cfg config.RedisConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, nil
	}
	opts, err := Options(cfg)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &Client{Client: client}, nil
}

// Options parses the URL and overlays the non-zero pool and timeout settings.
func Options(cfg config.RedisConfig) (*redis.Options, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	opts.MinIdleConns = cfg.MinIdleConns
	for _, d := range []struct {
		src time.Duration
		dst *time.Duration
	}{
		{cfg.DialTimeout, &opts.DialTimeout},
		{cfg.ReadTimeout, &opts.ReadTimeout},
		{cfg.WriteTimeout, &opts.WriteTimeout},
	} {
		if d.src > 0 {
			*d.dst = d.src
		}
	}
	return opts, nil
}

// Health pings Redis, giving up after a second so /healthz stays responsive.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}
