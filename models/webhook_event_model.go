package models

import (
	"time"

	"github.com/google/uuid"
)

// WebhookEvent is the dedup record for one provider callback. Providers
// deliver at-least-once, so the (provider, event id) pair carries a unique
// constraint and an event is applied to the ledger at most once. Rows are
// purged after a short retention window by the reconciliation job.
type WebhookEvent struct {
	ID                uuid.UUID `gorm:"type:uuid;primary_key"`
	Provider          string    `gorm:"size:50;not null;uniqueIndex:idx_provider_event"`
	EventID           string    `gorm:"size:255;not null;uniqueIndex:idx_provider_event"`
	EventType         string    `gorm:"size:50;not null"`
	ProviderReference string    `gorm:"size:255;not null"`
	Applied           bool      `gorm:"not null;default:false"`
	OccurredAt        time.Time
	CreatedAt         time.Time
}
