package models

import (
	"strings"
	"time"
)

// WhatsAppNumber is a phone number linked to a company account through the
// pairing flow. Records are unique per (CompanyID, PhoneNumber).
type WhatsAppNumber struct {
	ID                string    `json:"id"`
	CompanyID         int64     `json:"companyId"`
	DisplayName       string    `json:"displayName"`
	PhoneNumber       string    `json:"phoneNumber"`
	IsConnected       bool      `json:"isConnected"`
	MessagesThisMonth int       `json:"messagesThisMonth"`
	LastSyncedAt      time.Time `json:"lastSyncedAt"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// Normalized returns a copy with trimmed strings and UTC timestamps, the
// shape sent to dashboards.
func (n *WhatsAppNumber) Normalized() *WhatsAppNumber {
	if n == nil {
		return nil
	}
	out := *n
	out.DisplayName = strings.TrimSpace(out.DisplayName)
	out.PhoneNumber = strings.TrimSpace(out.PhoneNumber)
	out.LastSyncedAt = out.LastSyncedAt.UTC()
	out.CreatedAt = out.CreatedAt.UTC()
	out.UpdatedAt = out.UpdatedAt.UTC()
	return &out
}
