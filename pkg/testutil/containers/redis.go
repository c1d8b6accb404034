//go:build integration

package containers

import (
	"context"
	"strings"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"quorum/internal/platform/config"
	redisclient "quorum/internal/platform/redis"
)

// RedisContainer wraps a testcontainers Redis instance and a client opened
// through the service's own connection code.
type RedisContainer struct {
	Container testcontainers.Container
	URL       string
	Client    *redisclient.Client
}

// NewRedisContainer starts Redis. The container and client are closed when
// the test finishes.
func NewRedisContainer(t *testing.T) *RedisContainer {
	t.Helper()

	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("failed to start redis container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	url, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("failed to get redis connection string: %v", err)
	}
	client, err := redisclient.New(ctx, config.RedisConfig{URL: url})
	if err != nil {
		t.Fatalf("failed to connect to redis: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	return &RedisContainer{Container: container, URL: url, Client: client}
}

// DeletePrefix removes every key under prefix, so tests sharing a container
// start from an empty namespace.
func (r *RedisContainer) DeletePrefix(ctx context.Context, prefix string) error {
	iter := r.Client.Scan(ctx, 0, strings.TrimSuffix(prefix, "*")+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := r.Client.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}
