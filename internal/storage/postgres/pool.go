// Package postgres provides the shared connection pool for the relational
// store, with statement and acquisition timeouts from configuration.
package postgres

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/latticeim/im-realtime-service/config"
)

// NewPool builds a pgx pool from the db config. The statement timeout rides
// as a runtime parameter so every session inherits it server-side.
func NewPool(ctx context.Context, cfg config.DB) (*pgxpool.Pool, error) {
	pc, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse url: %w", err)
	}
	pc.MaxConns = cfg.PoolMax
	pc.MinConns = cfg.PoolMin
	pc.ConnConfig.ConnectTimeout = cfg.AcquireTimeout()
	pc.ConnConfig.RuntimeParams["statement_timeout"] = strconv.Itoa(cfg.StatementTimeoutMs)

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("postgres: pool: %w", err)
	}
	return pool, nil
}

// AcquireContext bounds pool acquisition. Acquisition timeouts are treated as
// retryable by callers.
func AcquireContext(ctx context.Context, cfg config.DB) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, cfg.AcquireTimeout())
}
