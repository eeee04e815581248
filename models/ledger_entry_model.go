package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	StatusPending              = "pending"
	StatusProcessing           = "processing"
	StatusCompleted            = "completed"
	StatusFailed               = "failed"
	StatusAwaitingConfirmation = "awaiting_confirmation"
	StatusNeedsManualReview    = "needs_manual_review"
)

// Display annotations layered on top of a completed entry, never
// state-machine states of their own.
const (
	RefundStatusPartial = "partially_refunded"
	RefundStatusFull    = "refunded"
)

const (
	SubjectAppointment = "appointment"
	SubjectPackage     = "package"
)

const (
	FailureProviderUnavailable = "provider_unavailable"
	FailureProviderDeclined    = "provider_declined"
	FailureReconciliationAge   = "reconciliation_timeout"
)

type LedgerEntry struct {
	ID                uuid.UUID  `gorm:"type:uuid;primary_key" json:"id"`
	IdempotencyKey    string     `gorm:"size:64;not null;uniqueIndex" json:"-"`
	Provider          string     `gorm:"size:50;not null" json:"provider"`
	ProviderReference *string    `gorm:"size:255;index" json:"provider_reference,omitempty"`
	Amount            float64    `gorm:"type:numeric(10,2);not null" json:"amount"`
	Currency          string     `gorm:"size:3;not null" json:"currency"`
	Method            string     `gorm:"size:20;not null" json:"method"`
	Status            string     `gorm:"size:30;not null" json:"status"`
	FailureReason     *string    `gorm:"size:255" json:"failure_reason,omitempty"`
	RefundedAmount    float64    `gorm:"type:numeric(10,2);not null;default:0" json:"refunded_amount"`
	RefundStatus      *string    `gorm:"size:20" json:"refund_status,omitempty"`
	TenantID          string     `gorm:"size:64;not null;index" json:"tenant_id"`
	ClientID          uuid.UUID  `gorm:"type:uuid;not null" json:"client_id"`
	SubjectKind       string     `gorm:"size:20;not null" json:"subject_kind"`
	SubjectID         uuid.UUID  `gorm:"type:uuid;not null" json:"subject_id"`
	Description       string     `gorm:"type:text" json:"description,omitempty"`
	ExpectedSettleBy  *time.Time `json:"expected_settle_by,omitempty"`

	Refunds []Refund `gorm:"foreignkey:LedgerEntryID" json:"refunds,omitempty"`

	CreatedAt        time.Time `json:"created_at"`
	LastTransitionAt time.Time `gorm:"index" json:"last_transition_at"`
}

// IsTerminalStatus reports whether no further automatic transition may leave the
// status. needs_manual_review is terminal for automation but stays open for
// accounting, so it is not listed here.
func IsTerminalStatus(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

func (e *LedgerEntry) RemainingRefundable() float64 {
	return roundCents(e.Amount - e.RefundedAmount)
}

func roundCents(a float64) float64 {
	if a < 0 {
		return -roundCents(-a)
	}
	return float64(int64(a*100+0.5)) / 100
}
