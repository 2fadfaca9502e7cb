package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/haasonsaas/pairrelay/pkg/models"
)

// SQLiteStore is a NumberStore for single-node deployments and local
// development. Timestamps are stored as unix milliseconds.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (creating if needed) the database at path and
// ensures the schema exists.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(strings.TrimPrefix(path, "sqlite://"))
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	dsn := path
	if !strings.Contains(dsn, "_pragma=") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db, now: time.Now}
	if err := Migrate(context.Background(), db, DialectSQLite); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) UpsertNumber(ctx context.Context, in NumberUpsert) (*models.WhatsAppNumber, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	now := s.now().UTC().UnixMilli()
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO whatsapp_numbers (id, company_id, display_name, phone_number, is_connected, messages_this_month, last_synced_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)
		 ON CONFLICT (company_id, phone_number) DO UPDATE SET
		   display_name = excluded.display_name,
		   is_connected = excluded.is_connected,
		   last_synced_at = excluded.last_synced_at,
		   updated_at = excluded.updated_at
		 RETURNING id, company_id, display_name, phone_number, is_connected, messages_this_month, last_synced_at, created_at, updated_at`,
		uuid.NewString(),
		in.CompanyID,
		in.DisplayName,
		in.PhoneNumber,
		in.IsConnected,
		in.LastSyncedAt.UTC().UnixMilli(),
		now,
		now,
	)
	number, err := scanSQLiteNumber(row)
	if err != nil {
		return nil, fmt.Errorf("upsert whatsapp number: %w", err)
	}
	return number, nil
}

func (s *SQLiteStore) ListNumbers(ctx context.Context, companyID int64) ([]*models.WhatsAppNumber, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, company_id, display_name, phone_number, is_connected, messages_this_month, last_synced_at, created_at, updated_at
		 FROM whatsapp_numbers WHERE company_id = ? ORDER BY created_at ASC`, companyID)
	if err != nil {
		return nil, fmt.Errorf("list whatsapp numbers: %w", err)
	}
	defer rows.Close()

	var out []*models.WhatsAppNumber
	for rows.Next() {
		number, err := scanSQLiteNumber(rows)
		if err != nil {
			return nil, fmt.Errorf("scan whatsapp number: %w", err)
		}
		out = append(out, number)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func scanSQLiteNumber(row rowScanner) (*models.WhatsAppNumber, error) {
	var number models.WhatsAppNumber
	var lastSynced sql.NullInt64
	var createdAt, updatedAt int64
	if err := row.Scan(
		&number.ID,
		&number.CompanyID,
		&number.DisplayName,
		&number.PhoneNumber,
		&number.IsConnected,
		&number.MessagesThisMonth,
		&lastSynced,
		&createdAt,
		&updatedAt,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if lastSynced.Valid {
		number.LastSyncedAt = time.UnixMilli(lastSynced.Int64).UTC()
	}
	number.CreatedAt = time.UnixMilli(createdAt).UTC()
	number.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &number, nil
}
