package storage

import (
	"context"
	"errors"
	"time"

	"github.com/haasonsaas/pairrelay/pkg/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrSchemaMissing = errors.New("whatsapp_numbers table missing; run migrate")
	ErrInvalidNumber = errors.New("company id and phone number are required")
)

// NumberUpsert carries the fields written when a device finishes pairing.
type NumberUpsert struct {
	CompanyID    int64
	PhoneNumber  string
	DisplayName  string
	IsConnected  bool
	LastSyncedAt time.Time
}

// NumberStore persists linked WhatsApp numbers keyed by (company, phone).
type NumberStore interface {
	// UpsertNumber inserts or updates the record for (CompanyID, PhoneNumber)
	// and returns the stored row.
	UpsertNumber(ctx context.Context, in NumberUpsert) (*models.WhatsAppNumber, error)
	ListNumbers(ctx context.Context, companyID int64) ([]*models.WhatsAppNumber, error)
	Close() error
}

func (in NumberUpsert) validate() error {
	if in.CompanyID <= 0 || in.PhoneNumber == "" {
		return ErrInvalidNumber
	}
	return nil
}
