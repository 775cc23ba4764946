// Package storage opens the persistent state store selected by configuration.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/stacklok/chunksync/internal/app/storage/auth"
	"github.com/stacklok/chunksync/internal/config"
	"github.com/stacklok/chunksync/internal/kv"
)

// NewStore opens the store named by cfg.Type. The caller owns the result and
// must Close it.
func NewStore(ctx context.Context, cfg *config.StoreConfig) (kv.Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("store configuration cannot be nil")
	}

	switch cfg.Type {
	case config.StoreTypeMemory, "":
		slog.Info("Using in-memory state store; state is lost on exit")
		return kv.NewMemoryStore(), nil

	case config.StoreTypeFile:
		if cfg.File == nil {
			return nil, fmt.Errorf("file store configuration is required")
		}
		slog.Info("Using file state store", "path", cfg.File.Path)
		store, err := kv.NewFileStore(cfg.File.Path)
		if err != nil {
			return nil, err
		}
		return store, nil

	case config.StoreTypeSQLite:
		if cfg.SQLite == nil {
			return nil, fmt.Errorf("sqlite store configuration is required")
		}
		slog.Info("Using SQLite state store", "path", cfg.SQLite.Path)
		store, err := kv.NewSQLiteStore(ctx, cfg.SQLite.Path)
		if err != nil {
			return nil, err
		}
		return store, nil

	case config.StoreTypePostgres:
		return newPostgresStore(ctx, cfg.Postgres)

	default:
		return nil, fmt.Errorf("unknown store type: %s", cfg.Type)
	}
}

func newPostgresStore(ctx context.Context, cfg *config.DatabaseConfig) (kv.Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("postgres store configuration is required")
	}

	connString, err := cfg.GetConnectionString()
	if err != nil {
		return nil, err
	}

	var opts []kv.PostgresOption
	if cfg.DynamicAuth != nil {
		beforeConnect, err := auth.NewDynamicAuth(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to configure dynamic database auth: %w", err)
		}
		opts = append(opts, kv.WithBeforeConnect(beforeConnect))
	}

	slog.Info("Using PostgreSQL state store", "host", cfg.Host, "database", cfg.Database)
	store, err := kv.NewPostgresStore(ctx, connString, opts...)
	if err != nil {
		return nil, err
	}
	return store, nil
}
