// Package postgres opens the service's database handle.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	_ "github.com/lib/pq"              // registers the "postgres" driver

	"quorum/internal/platform/config"
	"quorum/pkg/platform/retry"
	"quorum/pkg/platform/sentinel"
)

// Open connects with the configured driver and waits for the server to answer a ping.
func Open(ctx context.Context, cfg config.PostgresConfig) (*sql.DB, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("postgres url is empty")
	}
	driver := cfg.Driver
	if driver == "" {
		driver = "pgx"
	}
	db, err := sql.Open(driver, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open postgres (%s): %w", driver, err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	policy := retry.Policy{Attempts: 5, Timeout: 3 * time.Second, Base: 200 * time.Millisecond, Max: 2 * time.Second}
	err = retry.Do(ctx, policy, func(ctx context.Context) error {
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("%w: %w", sentinel.ErrUnavailable, err)
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	return db, nil
}

// Migrate applies schema, which must be idempotent (CREATE ... IF NOT EXISTS).
func Migrate(ctx context.Context, db *sql.DB, schema string) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Health pings the database.
func Health(ctx context.Context, db *sql.DB) error {
	return db.PingContext(ctx)
}
