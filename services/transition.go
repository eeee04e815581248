package services

import (
	"context"

	"github.com/anjiri1684/settlement_core/ledger"
	"github.com/anjiri1684/settlement_core/models"
)

// Transitions is the one piece of transition logic shared by the webhook
// ingestor and the reconciliation sweeper, so both resolve a provider
// outcome identically.
type Transitions struct {
	store *ledger.Store
	audit AuditSink
}

func NewTransitions(store *ledger.Store, audit AuditSink) *Transitions {
	return &Transitions{store: store, audit: audit}
}

// ApplyTerminal moves an entry to the terminal status implied by a provider
// event or query. Only awaiting_confirmation and processing are valid
// source states; an entry already terminal is a successful no-op. Returns
// whether this call changed the entry.
func (t *Transitions) ApplyTerminal(ctx context.Context, entry *models.LedgerEntry, toStatus, actor, detail string) (bool, error) {
	if models.IsTerminalStatus(entry.Status) {
		return false, nil
	}

	fields := map[string]interface{}{}
	if toStatus == models.StatusFailed {
		fields["failure_reason"] = models.FailureProviderDeclined
	}

	for _, from := range []string{models.StatusAwaitingConfirmation, models.StatusProcessing} {
		ok, err := t.store.CompareAndTransition(ctx, entry.ID, from, toStatus, fields)
		if err != nil {
			return false, err
		}
		if ok {
			t.audit.Record(ctx, AuditRecord{
				LedgerEntryID: entry.ID,
				Actor:         actor,
				Action:        "provider_outcome_applied",
				FromStatus:    from,
				ToStatus:      toStatus,
				Detail:        detail,
			})
			return true, nil
		}
	}

	// Lost the race or the entry was already resolved; either way the
	// current state is authoritative and this attempt is a no-op.
	return false, nil
}
