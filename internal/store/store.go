// Package store implements ReleaseStore: a PostgreSQL-backed,
// category-then-year partitioned table of releases, with idempotent
// upserts and periodic retention pruning.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store owns the release table and its partitions.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to Postgres at dsn and runs pending migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	s := &Store{pool: pool}
	if err := runMigrations(dsn); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate release schema: %w", err)
	}
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}
