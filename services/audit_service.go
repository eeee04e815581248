package services

import (
	"context"
	"log"

	"github.com/anjiri1684/settlement_core/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	ActorOrchestrator = "orchestrator"
	ActorWebhook      = "webhook"
	ActorSweeper      = "sweeper"
	ActorRefund       = "refund"
)

type AuditRecord struct {
	LedgerEntryID uuid.UUID
	Actor         string
	Action        string
	FromStatus    string
	ToStatus      string
	Detail        string
}

// AuditSink receives one immutable record per state transition. Injected
// into every component rather than shared through a process-wide bus.
type AuditSink interface {
	Record(ctx context.Context, rec AuditRecord)
}

// Alerter receives operator-facing alerts, e.g. entries parked in
// needs_manual_review.
type Alerter interface {
	Alert(ctx context.Context, ledgerEntryID uuid.UUID, reason string)
}

type DBAuditSink struct {
	db *gorm.DB
}

func NewDBAuditSink(db *gorm.DB) *DBAuditSink {
	return &DBAuditSink{db: db}
}

// Record appends the audit row. Audit failures are logged, never allowed to
// fail the payment flow itself.
func (s *DBAuditSink) Record(ctx context.Context, rec AuditRecord) {
	row := models.AuditLog{
		ID:            uuid.New(),
		LedgerEntryID: rec.LedgerEntryID,
		Actor:         rec.Actor,
		Action:        rec.Action,
		FromStatus:    rec.FromStatus,
		ToStatus:      rec.ToStatus,
		Detail:        rec.Detail,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		log.Printf("🔥 Failed to append audit record for entry %s: %v", rec.LedgerEntryID, err)
	}
}

type LogAlerter struct{}

func (LogAlerter) Alert(ctx context.Context, ledgerEntryID uuid.UUID, reason string) {
	log.Printf("🚨 ALERT: ledger entry %s requires manual review: %s", ledgerEntryID, reason)
}
