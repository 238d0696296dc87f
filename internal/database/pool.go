package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/hasync/internal/config"
	"github.com/rickgao/hasync/internal/retry"
)

// Connect creates a connection pool and verifies it with a ping.
func Connect(ctx context.Context, cfg config.DBConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(BuildConnString(cfg))
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = int32(cfg.MinConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// ConnectWithRetry is Connect retried under policy, for daemons that start
// alongside their database.
func ConnectWithRetry(ctx context.Context, cfg config.DBConfig, policy retry.Policy, logger *slog.Logger) (*pgxpool.Pool, error) {
	if logger == nil {
		logger = slog.Default()
	}
	policy.OnRetry = func(err error, attempt int, delay time.Duration) {
		logger.Warn("database connect failed, retrying",
			"host", cfg.Host,
			"attempt", attempt,
			"backoff", delay,
			"error", err,
		)
	}
	return retry.DoValue(ctx, func(ctx context.Context) (*pgxpool.Pool, error) {
		return Connect(ctx, cfg)
	}, policy)
}
