package kv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stacklok/chunksync/database"
)

const defaultConnectTimeout = 30 * time.Second

// PostgresStore persists values in the kv_entries table created by the
// embedded migrations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// PostgresOption configures the connection pool of NewPostgresStore
type PostgresOption func(*pgxpool.Config)

// WithBeforeConnect runs fn before every new connection, e.g. to inject a
// short-lived password
func WithBeforeConnect(fn func(context.Context, *pgx.ConnConfig) error) PostgresOption {
	return func(cfg *pgxpool.Config) {
		cfg.BeforeConnect = fn
	}
}

// NewPostgresStore connects to connString, retrying with exponential backoff
// until the server answers a ping, then applies migrations.
func NewPostgresStore(ctx context.Context, connString string, opts ...PostgresOption) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	for _, opt := range opts {
		opt(poolConfig)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	attempt := 0
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		if pingErr := pool.Ping(ctx); pingErr != nil {
			slog.Debug("Database not ready", "attempt", attempt, "error", pingErr)
			return struct{}{}, pingErr
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(defaultConnectTimeout),
	)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := database.MigrateUp(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	return NewPostgresStoreFromPool(pool), nil
}

// NewPostgresStoreFromPool wraps an existing, migrated pool
func NewPostgresStoreFromPool(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Get implements Store
func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM kv_entries
		 WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())`,
		key,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read key '%s': %w", key, err)
	}
	return value, true, nil
}

// Set implements Store
func (s *PostgresStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	expiresAt := expiry(time.Now(), ttl)

	_, err := s.pool.Exec(ctx, `
		INSERT INTO kv_entries (key, value, expires_at, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at, updated_at = now()`,
		key, value, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to write key '%s': %w", key, err)
	}
	return nil
}

// Update implements Updater. A transaction-scoped advisory lock on the key
// serializes updates across every process using the database.
func (s *PostgresStore) Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", key); err != nil {
		return fmt.Errorf("failed to lock key '%s': %w", key, err)
	}

	var current []byte
	ok := true
	err = tx.QueryRow(ctx,
		`SELECT value FROM kv_entries
		 WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())`,
		key,
	).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		ok = false
	} else if err != nil {
		return fmt.Errorf("failed to read key '%s': %w", key, err)
	}

	next, err := fn(current, ok)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO kv_entries (key, value, expires_at, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at, updated_at = now()`,
		key, next, expiry(time.Now(), ttl),
	)
	if err != nil {
		return fmt.Errorf("failed to write key '%s': %w", key, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit key '%s': %w", key, err)
	}
	return nil
}

// Close implements Store
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
