package services

import (
	"context"
	"log"
	"time"

	"github.com/anjiri1684/settlement_core/ledger"
	"github.com/anjiri1684/settlement_core/models"
	"github.com/anjiri1684/settlement_core/payments"
	"github.com/google/uuid"
)

const sweepBatchSize = 100

// ReconcileService resolves entries whose outcome never arrived: it
// re-queries the provider after a provider-specific grace period and parks
// anything still unresolved past the maximum age in needs_manual_review.
// That covers entries left in flight, abandoned pending rows, and failures
// recorded as provider_unavailable, where the provider may have accepted
// the charge despite the error. It never re-initiates a charge.
type ReconcileService struct {
	store          *ledger.Store
	providers      map[string]payments.Provider
	trans          *Transitions
	audit          AuditSink
	alerter        Alerter
	gracePeriods   map[string]time.Duration
	maxPendingAge  time.Duration
	eventRetention time.Duration
	queryTimeout   time.Duration
}

func NewReconcileService(
	store *ledger.Store,
	providers []payments.Provider,
	trans *Transitions,
	audit AuditSink,
	alerter Alerter,
	gracePeriods map[string]time.Duration,
	maxPendingAge, eventRetention, queryTimeout time.Duration,
) *ReconcileService {
	byID := make(map[string]payments.Provider, len(providers))
	for _, p := range providers {
		byID[p.ID()] = p
	}
	return &ReconcileService{
		store:          store,
		providers:      byID,
		trans:          trans,
		audit:          audit,
		alerter:        alerter,
		gracePeriods:   gracePeriods,
		maxPendingAge:  maxPendingAge,
		eventRetention: eventRetention,
		queryTimeout:   queryTimeout,
	}
}

// SweepOnce scans every provider's stuck entries and reconciles each one.
func (r *ReconcileService) SweepOnce(ctx context.Context) error {
	now := time.Now().UTC()
	for providerID := range r.providers {
		grace, ok := r.gracePeriods[providerID]
		if !ok {
			grace = r.maxPendingAge
		}
		entries, err := r.store.ListStuck(ctx, providerID, now.Add(-grace), sweepBatchSize)
		if err != nil {
			log.Printf("Sweeper failed to list stuck entries for %s: %v", providerID, err)
			continue
		}
		for i := range entries {
			if err := r.reconcile(ctx, &entries[i]); err != nil {
				log.Printf("Sweeper failed to reconcile entry %s: %v", entries[i].ID, err)
			}
		}
	}
	return nil
}

// ReconcileEntry forces an immediate pass for one entry (operator trigger).
func (r *ReconcileService) ReconcileEntry(ctx context.Context, id uuid.UUID) (*models.LedgerEntry, error) {
	entry, err := r.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, ErrEntryNotFound
	}

	if sweepEligible(entry) {
		if err := r.reconcile(ctx, entry); err != nil {
			return nil, err
		}
	}
	return r.store.GetByID(ctx, id)
}

// sweepEligible reports whether the sweeper may act on the entry: anything
// still in flight, plus failures whose real outcome is unknown.
func sweepEligible(e *models.LedgerEntry) bool {
	switch e.Status {
	case models.StatusPending, models.StatusProcessing, models.StatusAwaitingConfirmation:
		return true
	case models.StatusFailed:
		return e.FailureReason != nil && *e.FailureReason == models.FailureProviderUnavailable
	}
	return false
}

func (r *ReconcileService) reconcile(ctx context.Context, entry *models.LedgerEntry) error {
	provider, ok := r.providers[entry.Provider]
	if !ok {
		return ErrUnknownProvider
	}

	age := time.Since(entry.LastTransitionAt)

	if entry.ProviderReference == nil {
		// Nothing to query; the provider was never reached or never
		// answered. Park it once it is old enough.
		if age > r.maxPendingAge {
			return r.parkForReview(ctx, entry, "no provider reference after maximum age")
		}
		return nil
	}

	queryCtx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	status, err := provider.Query(queryCtx, *entry.ProviderReference)
	if err != nil {
		log.Printf("Sweeper query to %s failed for entry %s: %v", entry.Provider, entry.ID, err)
		return nil
	}

	switch status {
	case payments.QuerySettled:
		_, err = r.trans.ApplyTerminal(ctx, entry, models.StatusCompleted, ActorSweeper, "provider query")
		return err
	case payments.QueryFailed:
		_, err = r.trans.ApplyTerminal(ctx, entry, models.StatusFailed, ActorSweeper, "provider query")
		return err
	default:
		if age > r.maxPendingAge {
			return r.parkForReview(ctx, entry, "provider still pending after maximum age")
		}
		return nil
	}
}

func (r *ReconcileService) parkForReview(ctx context.Context, entry *models.LedgerEntry, reason string) error {
	for _, from := range []string{models.StatusAwaitingConfirmation, models.StatusProcessing, models.StatusPending, models.StatusFailed} {
		ok, err := r.store.CompareAndTransition(ctx, entry.ID, from, models.StatusNeedsManualReview, map[string]interface{}{
			"failure_reason": models.FailureReconciliationAge,
		})
		if err != nil {
			return err
		}
		if ok {
			r.audit.Record(ctx, AuditRecord{
				LedgerEntryID: entry.ID,
				Actor:         ActorSweeper,
				Action:        "parked_for_review",
				FromStatus:    from,
				ToStatus:      models.StatusNeedsManualReview,
				Detail:        reason,
			})
			r.alerter.Alert(ctx, entry.ID, reason)
			return nil
		}
	}
	return nil
}

// PurgeExpiredEvents trims webhook dedup rows past the retention window.
func (r *ReconcileService) PurgeExpiredEvents(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-r.eventRetention)
	purged, err := r.store.PurgeEventsBefore(ctx, cutoff)
	if err != nil {
		log.Printf("Failed to purge expired webhook events: %v", err)
		return
	}
	if purged > 0 {
		log.Printf("Purged %d expired webhook events", purged)
	}
}
