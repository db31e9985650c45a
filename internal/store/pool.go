// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Porybox Contributors

// Package store owns the PostgreSQL connection pool and the schema migrations
// for accounts and sessions.
package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
)

// PoolOptions tunes OpenPool.
type PoolOptions struct {
	// MaxConns caps the pool size. Zero keeps the pgxpool default.
	MaxConns int32
	// ConnectAttempts bounds how many times the initial ping is retried.
	ConnectAttempts uint64
	// RetryBase is the first backoff interval; later ones double.
	RetryBase time.Duration
	Logger    *slog.Logger
}

func (o PoolOptions) withDefaults() PoolOptions {
	if o.ConnectAttempts == 0 {
		o.ConnectAttempts = 5
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 500 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// pinger is satisfied by *pgxpool.Pool.
type pinger interface {
	Ping(ctx context.Context) error
}

// OpenPool connects to databaseURL and waits until the database answers,
// retrying with exponential backoff while it starts up.
func OpenPool(ctx context.Context, databaseURL string, opts PoolOptions) (*pgxpool.Pool, error) {
	opts = opts.withDefaults()

	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, oops.Code("POOL_CONFIG_INVALID").With("operation", "parse database url").Wrap(err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, oops.Code("POOL_OPEN_FAILED").With("operation", "create pool").Wrap(err)
	}

	if err := waitForDatabase(ctx, pool, opts); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func waitForDatabase(ctx context.Context, db pinger, opts PoolOptions) error {
	opts = opts.withDefaults()
	backoff := retry.WithMaxRetries(opts.ConnectAttempts-1,
		retry.WithCappedDuration(10*time.Second, retry.NewExponential(opts.RetryBase)))

	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if err := db.Ping(ctx); err != nil {
			opts.Logger.WarnContext(ctx, "database not ready",
				"attempt", attempt,
				"error", err,
			)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return oops.Code("POOL_CONNECT_FAILED").
			With("attempts", attempt).
			Wrap(err)
	}
	return nil
}
