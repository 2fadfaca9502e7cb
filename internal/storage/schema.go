package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// Dialect selects the DDL flavour used by Migrate.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

var schemaStatements = map[Dialect][]string{
	DialectPostgres: {
		`CREATE TABLE IF NOT EXISTS whatsapp_numbers (
			id TEXT PRIMARY KEY,
			company_id BIGINT NOT NULL,
			display_name TEXT NOT NULL,
			phone_number TEXT NOT NULL,
			is_connected BOOLEAN NOT NULL DEFAULT FALSE,
			messages_this_month INTEGER NOT NULL DEFAULT 0,
			last_synced_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (company_id, phone_number)
		)`,
		`CREATE INDEX IF NOT EXISTS whatsapp_numbers_company_idx ON whatsapp_numbers (company_id)`,
	},
	DialectSQLite: {
		`CREATE TABLE IF NOT EXISTS whatsapp_numbers (
			id TEXT PRIMARY KEY,
			company_id INTEGER NOT NULL,
			display_name TEXT NOT NULL,
			phone_number TEXT NOT NULL,
			is_connected INTEGER NOT NULL DEFAULT 0,
			messages_this_month INTEGER NOT NULL DEFAULT 0,
			last_synced_at INTEGER,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			UNIQUE (company_id, phone_number)
		)`,
		`CREATE INDEX IF NOT EXISTS whatsapp_numbers_company_idx ON whatsapp_numbers (company_id)`,
	},
}

// Migrate creates the whatsapp_numbers table when it does not exist.
func Migrate(ctx context.Context, db *sql.DB, dialect Dialect) error {
	statements, ok := schemaStatements[dialect]
	if !ok {
		return fmt.Errorf("unsupported dialect %q", dialect)
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s: %w", dialect, err)
		}
	}
	return nil
}
