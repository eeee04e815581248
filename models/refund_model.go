package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	RefundPending   = "pending"
	RefundSucceeded = "succeeded"
	RefundFailed    = "failed"
)

// Refund is one reversal applied against a completed ledger entry. The
// succeeded rows sum to the entry's RefundedAmount.
type Refund struct {
	ID               uuid.UUID `gorm:"type:uuid;primary_key" json:"id"`
	LedgerEntryID    uuid.UUID `gorm:"type:uuid;not null;index" json:"ledger_entry_id"`
	IdempotencyKey   string    `gorm:"size:64;not null;uniqueIndex" json:"-"`
	Amount           float64   `gorm:"type:numeric(10,2);not null" json:"amount"`
	ProviderRefundID *string   `gorm:"size:255" json:"provider_refund_id,omitempty"`
	Status           string    `gorm:"size:20;not null" json:"status"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
