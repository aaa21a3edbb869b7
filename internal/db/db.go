// Package db opens the Postgres pool shared by the audit and subscription
// stores.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	maxConns    = 10
	maxIdleTime = 5 * time.Minute
	pingTimeout = 5 * time.Second
)

// Connect opens a pgx pool for the given DSN and verifies it with a ping.
// Attempt rows are small and writes dominate, so a modest pool suffices.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = maxConns
	cfg.MaxConnIdleTime = maxIdleTime
	cfg.ConnConfig.RuntimeParams["application_name"] = "relaydock"

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}
