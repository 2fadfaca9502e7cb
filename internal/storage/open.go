package storage

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Config selects and configures a NumberStore backend.
type Config struct {
	// Driver is one of "memory", "postgres" or "sqlite".
	Driver          string
	URL             string
	MaxConnections  int
	ConnMaxLifetime time.Duration
}

// Open builds the NumberStore described by cfg.
func Open(cfg Config) (NumberStore, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemoryStore(), nil
	case "postgres", "postgresql", "cockroach":
		pool := DefaultPoolConfig()
		if cfg.MaxConnections > 0 {
			pool.MaxOpenConns = cfg.MaxConnections
		}
		if cfg.ConnMaxLifetime > 0 {
			pool.ConnMaxLifetime = cfg.ConnMaxLifetime
		}
		return NewPostgresStoreFromDSN(cfg.URL, pool)
	case "sqlite", "sqlite3":
		return NewSQLiteStore(cfg.URL)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// MigrateConfig applies the schema for the backend described by cfg.
// The memory backend needs no schema and returns nil.
func MigrateConfig(ctx context.Context, cfg Config) error {
	store, err := Open(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	switch typed := store.(type) {
	case *PostgresStore:
		return Migrate(ctx, typed.DB(), DialectPostgres)
	default:
		// sqlite migrates on open; memory has no schema.
		return nil
	}
}
