package models

import (
	"time"

	"github.com/google/uuid"
)

// AuditLog rows are append-only; nothing in the service updates or deletes
// them.
type AuditLog struct {
	ID            uuid.UUID `gorm:"type:uuid;primary_key"`
	LedgerEntryID uuid.UUID `gorm:"type:uuid;not null;index"`
	Actor         string    `gorm:"size:30;not null"`
	Action        string    `gorm:"size:50;not null"`
	FromStatus    string    `gorm:"size:30"`
	ToStatus      string    `gorm:"size:30"`
	Detail        string    `gorm:"type:text"`
	CreatedAt     time.Time
}
