package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolConfig parses dsn and sets application_name on every connection.
func PoolConfig(dsn, application string) (*pgxpool.Config, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("platform/db: parse config: %w", err)
	}
	if application != "" {
		config.ConnConfig.RuntimeParams["application_name"] = application
	}
	return config, nil
}

// New opens a pool for application and verifies it with a ping.
func New(ctx context.Context, dsn, application string) (*pgxpool.Pool, error) {
	config, err := PoolConfig(dsn, application)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("platform/db: new pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("platform/db: ping %s: %w", config.ConnConfig.Host, err)
	}

	return pool, nil
}
