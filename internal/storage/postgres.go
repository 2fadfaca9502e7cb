package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/haasonsaas/pairrelay/pkg/models"
)

// pq error code for undefined_table.
const pqUndefinedTable = "42P01"

// PostgresStore is a NumberStore backed by PostgreSQL (or CockroachDB).
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresStoreFromDSN opens and pings a PostgreSQL database.
func NewPostgresStoreFromDSN(dsn string, config *PoolConfig) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if config == nil {
		config = DefaultPoolConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return NewPostgresStore(db), nil
}

// NewPostgresStore wraps an already opened database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

// DB exposes the handle for migrations.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) UpsertNumber(ctx context.Context, in NumberUpsert) (*models.WhatsAppNumber, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO whatsapp_numbers (id, company_id, display_name, phone_number, is_connected, messages_this_month, last_synced_at, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,0,$6,$7,$7)
		 ON CONFLICT (company_id, phone_number) DO UPDATE SET
		   display_name = EXCLUDED.display_name,
		   is_connected = EXCLUDED.is_connected,
		   last_synced_at = EXCLUDED.last_synced_at,
		   updated_at = EXCLUDED.updated_at
		 RETURNING id, company_id, display_name, phone_number, is_connected, messages_this_month, last_synced_at, created_at, updated_at`,
		uuid.NewString(),
		in.CompanyID,
		in.DisplayName,
		in.PhoneNumber,
		in.IsConnected,
		in.LastSyncedAt.UTC(),
		now,
	)

	number, err := scanNumber(row)
	if err != nil {
		return nil, classifyPQError("upsert whatsapp number", err)
	}
	return number, nil
}

func (s *PostgresStore) ListNumbers(ctx context.Context, companyID int64) ([]*models.WhatsAppNumber, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, company_id, display_name, phone_number, is_connected, messages_this_month, last_synced_at, created_at, updated_at
		 FROM whatsapp_numbers WHERE company_id = $1 ORDER BY created_at ASC`, companyID)
	if err != nil {
		return nil, classifyPQError("list whatsapp numbers", err)
	}
	defer rows.Close()

	var out []*models.WhatsAppNumber
	for rows.Next() {
		number, err := scanNumber(rows)
		if err != nil {
			return nil, fmt.Errorf("scan whatsapp number: %w", err)
		}
		out = append(out, number)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list whatsapp numbers: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNumber(row rowScanner) (*models.WhatsAppNumber, error) {
	var number models.WhatsAppNumber
	var lastSynced sql.NullTime
	if err := row.Scan(
		&number.ID,
		&number.CompanyID,
		&number.DisplayName,
		&number.PhoneNumber,
		&number.IsConnected,
		&number.MessagesThisMonth,
		&lastSynced,
		&number.CreatedAt,
		&number.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if lastSynced.Valid {
		number.LastSyncedAt = lastSynced.Time
	}
	return &number, nil
}

func classifyPQError(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == pqUndefinedTable {
		return fmt.Errorf("%s: %w", op, ErrSchemaMissing)
	}
	return fmt.Errorf("%s: %w", op, err)
}
