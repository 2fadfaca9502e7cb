package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/pairrelay/pkg/models"
)

// MemoryStore provides an in-memory NumberStore.
type MemoryStore struct {
	mu      sync.RWMutex
	numbers map[string]*models.WhatsAppNumber
	now     func() time.Time
}

// NewMemoryStore creates an in-memory number store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		numbers: make(map[string]*models.WhatsAppNumber),
		now:     time.Now,
	}
}

func numberKey(companyID int64, phone string) string {
	return fmt.Sprintf("%d|%s", companyID, phone)
}

func (s *MemoryStore) UpsertNumber(ctx context.Context, in NumberUpsert) (*models.WhatsAppNumber, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := s.now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	key := numberKey(in.CompanyID, in.PhoneNumber)
	number, ok := s.numbers[key]
	if !ok {
		number = &models.WhatsAppNumber{
			ID:          uuid.NewString(),
			CompanyID:   in.CompanyID,
			PhoneNumber: in.PhoneNumber,
			CreatedAt:   now,
		}
		s.numbers[key] = number
	}
	number.DisplayName = in.DisplayName
	number.IsConnected = in.IsConnected
	number.LastSyncedAt = in.LastSyncedAt.UTC()
	number.UpdatedAt = now

	out := *number
	return &out, nil
}

func (s *MemoryStore) ListNumbers(ctx context.Context, companyID int64) ([]*models.WhatsAppNumber, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.WhatsAppNumber, 0)
	for _, number := range s.numbers {
		if number.CompanyID != companyID {
			continue
		}
		copied := *number
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
