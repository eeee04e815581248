package services

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/anjiri1684/settlement_core/ledger"
	"github.com/anjiri1684/settlement_core/models"
	"github.com/anjiri1684/settlement_core/payments"
	"github.com/google/uuid"
)

// WebhookService ingests asynchronous provider callbacks. Delivery is
// at-least-once and unordered, so every event is verified, deduplicated and
// applied through a compare-and-transition before it can touch the ledger.
type WebhookService struct {
	store         *ledger.Store
	providers     map[string]payments.Provider
	trans         *Transitions
	audit         AuditSink
	lookupRetries int
	lookupBackoff time.Duration
}

func NewWebhookService(store *ledger.Store, providers []payments.Provider, trans *Transitions, audit AuditSink) *WebhookService {
	byID := make(map[string]payments.Provider, len(providers))
	for _, p := range providers {
		byID[p.ID()] = p
	}
	return &WebhookService{
		store:         store,
		providers:     byID,
		trans:         trans,
		audit:         audit,
		lookupRetries: 3,
		lookupBackoff: 200 * time.Millisecond,
	}
}

// Ingest verifies and applies one callback. A nil return acknowledges the
// delivery; ErrVerificationFailed and ErrUnknownProvider reject it without
// touching the ledger.
func (w *WebhookService) Ingest(ctx context.Context, providerID string, rawPayload []byte, signatureHeader string) error {
	provider, ok := w.providers[providerID]
	if !ok {
		return ErrUnknownProvider
	}

	event, err := provider.VerifyWebhook(rawPayload, signatureHeader)
	if err != nil {
		if errors.Is(err, payments.ErrVerificationFailed) {
			// Logged for security monitoring, dropped from the caller's
			// perspective.
			log.Printf("Webhook signature verification failed for provider %s", providerID)
			return ErrVerificationFailed
		}
		log.Printf("Webhook payload rejected for provider %s: %v", providerID, err)
		return ErrVerificationFailed
	}

	record := &models.WebhookEvent{
		ID:                uuid.New(),
		Provider:          providerID,
		EventID:           event.EventID,
		EventType:         event.EventType,
		ProviderReference: event.ProviderReference,
		OccurredAt:        event.OccurredAt,
	}
	fresh, err := w.store.InsertEventIfAbsent(ctx, record)
	if err != nil {
		return err
	}
	if !fresh {
		existing, err := w.store.GetEvent(ctx, providerID, event.EventID)
		if err != nil {
			return err
		}
		if existing == nil || existing.Applied {
			// Redelivery of an event already applied: acknowledge, change
			// nothing.
			return nil
		}
		// Seen before but never applied; the ledger entry had not landed
		// when the first delivery arrived. Re-drive the apply path against
		// the stored row.
		record = existing
	}

	entry, err := w.lookupWithBackoff(ctx, providerID, event.ProviderReference)
	if err != nil {
		return err
	}
	if entry == nil {
		// The synchronous charge may still be committing. Keep the event
		// row and acknowledge; the sweeper resolves the entry later.
		log.Printf("Webhook %s for provider %s matches no ledger entry yet, flagged for reconciliation", event.EventID, providerID)
		return nil
	}

	toStatus := models.StatusCompleted
	if event.EventType == payments.EventFailed {
		toStatus = models.StatusFailed
	}

	changed, err := w.trans.ApplyTerminal(ctx, entry, toStatus, ActorWebhook, "event "+event.EventID)
	if err != nil {
		return err
	}
	if changed {
		if err := w.store.MarkEventApplied(ctx, record.ID); err != nil {
			log.Printf("Failed to mark webhook event %s applied: %v", record.ID, err)
		}
	}
	return nil
}

// lookupWithBackoff tolerates the race between the provider's callback and
// the orchestrator's own write of the provider reference.
func (w *WebhookService) lookupWithBackoff(ctx context.Context, providerID, reference string) (*models.LedgerEntry, error) {
	for attempt := 0; ; attempt++ {
		entry, err := w.store.GetByProviderReference(ctx, providerID, reference)
		if err != nil {
			return nil, err
		}
		if entry != nil || attempt >= w.lookupRetries {
			return entry, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(w.lookupBackoff * time.Duration(attempt+1)):
		}
	}
}
