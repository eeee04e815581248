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

type RefundInput struct {
	LedgerEntryID uuid.UUID
	// Amount nil means the full remaining balance.
	Amount       *float64
	RequestNonce string
}

type RefundResult struct {
	RefundID            uuid.UUID `json:"refund_id"`
	Amount              float64   `json:"amount"`
	RefundedAmount      float64   `json:"refunded_amount"`
	RemainingRefundable float64   `json:"remaining_refundable"`
}

// RefundService issues partial or full reversals against a completed entry
// and maintains 0 <= refundedAmount <= amount at every step. The balance is
// reserved with a guarded increment before the provider call and released
// again if the provider rejects it.
type RefundService struct {
	store         *ledger.Store
	providers     map[string]payments.Provider
	audit         AuditSink
	refundTimeout time.Duration
}

func NewRefundService(store *ledger.Store, providers []payments.Provider, audit AuditSink, refundTimeout time.Duration) *RefundService {
	byID := make(map[string]payments.Provider, len(providers))
	for _, p := range providers {
		byID[p.ID()] = p
	}
	return &RefundService{store: store, providers: byID, audit: audit, refundTimeout: refundTimeout}
}

func (r *RefundService) Refund(ctx context.Context, in RefundInput) (*RefundResult, error) {
	if in.RequestNonce == "" {
		return nil, &ValidationError{Field: "request_nonce", Reason: "required"}
	}

	entry, err := r.store.GetByID(ctx, in.LedgerEntryID)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, ErrEntryNotFound
	}
	if entry.Status != models.StatusCompleted {
		return nil, ErrNotRefundable
	}
	if entry.ProviderReference == nil {
		return nil, ErrNotRefundable
	}

	amount := entry.RemainingRefundable()
	if in.Amount != nil {
		amount = *in.Amount
	}
	if amount <= 0 {
		return nil, &ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if !isTwoDecimal(amount) {
		return nil, &ValidationError{Field: "amount", Reason: "more than two decimal places"}
	}
	if amount > entry.RemainingRefundable()+1e-6 {
		return nil, ErrRefundExceedsBalance
	}

	provider, ok := r.providers[entry.Provider]
	if !ok {
		return nil, ErrUnknownProvider
	}

	key := RefundFingerprint(entry.ID, amount, in.RequestNonce)
	refund := &models.Refund{
		ID:             uuid.New(),
		LedgerEntryID:  entry.ID,
		IdempotencyKey: key,
		Amount:         amount,
		Status:         models.RefundPending,
	}
	refund, created, err := r.store.InsertRefundIfAbsent(ctx, refund)
	if err != nil {
		return nil, err
	}
	if !created {
		// Retried refund call: report the earlier outcome without touching
		// the provider again.
		if refund.Status == models.RefundSucceeded {
			return r.result(ctx, entry.ID, refund)
		}
		// The earlier attempt died at the provider. Claim the failed row
		// back so exactly one retry re-drives it; a still-pending row means
		// another call is in flight and this one backs off.
		claimed, err := r.store.ClaimFailedRefund(ctx, refund.ID)
		if err != nil {
			return nil, err
		}
		if !claimed {
			return nil, ErrProviderUnavailable
		}
	}

	reserved, err := r.store.ReserveRefundBalance(ctx, entry.ID, amount)
	if err != nil {
		return nil, err
	}
	if !reserved {
		// A concurrent refund consumed the balance between the read and the
		// guarded increment.
		if err := r.store.UpdateRefund(ctx, refund.ID, map[string]interface{}{"status": models.RefundFailed}); err != nil {
			log.Printf("Failed to mark refund %s failed: %v", refund.ID, err)
		}
		return nil, ErrRefundExceedsBalance
	}

	refundCtx, cancel := context.WithTimeout(ctx, r.refundTimeout)
	defer cancel()

	providerResult, err := provider.Refund(refundCtx, *entry.ProviderReference, amount, key)
	if err != nil {
		log.Printf("Provider %s refund failed for entry %s: %v", entry.Provider, entry.ID, err)
		if relErr := r.store.ReleaseRefundBalance(ctx, entry.ID, amount); relErr != nil {
			log.Printf("🔥 CRITICAL: failed to release reserved refund balance for entry %s: %v", entry.ID, relErr)
		}
		if updErr := r.store.UpdateRefund(ctx, refund.ID, map[string]interface{}{"status": models.RefundFailed}); updErr != nil {
			log.Printf("Failed to mark refund %s failed: %v", refund.ID, updErr)
		}
		return nil, ErrProviderUnavailable
	}

	if err := r.store.UpdateRefund(ctx, refund.ID, map[string]interface{}{
		"status":             models.RefundSucceeded,
		"provider_refund_id": providerResult.RefundID,
	}); err != nil {
		return nil, err
	}
	refund.Status = models.RefundSucceeded

	result, err := r.result(ctx, entry.ID, refund)
	if err != nil {
		return nil, err
	}

	annotation := models.RefundStatusPartial
	if result.RemainingRefundable <= 1e-6 {
		annotation = models.RefundStatusFull
	}
	if err := r.store.SetRefundAnnotation(ctx, entry.ID, annotation); err != nil {
		log.Printf("Failed to set refund annotation on entry %s: %v", entry.ID, err)
	}

	r.audit.Record(ctx, AuditRecord{
		LedgerEntryID: entry.ID,
		Actor:         ActorRefund,
		Action:        "refund_applied",
		FromStatus:    models.StatusCompleted,
		ToStatus:      models.StatusCompleted,
		Detail:        annotation,
	})

	return result, nil
}

func (r *RefundService) result(ctx context.Context, entryID uuid.UUID, refund *models.Refund) (*RefundResult, error) {
	entry, err := r.store.GetByID(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, ErrEntryNotFound
	}
	return &RefundResult{
		RefundID:            refund.ID,
		Amount:              refund.Amount,
		RefundedAmount:      entry.RefundedAmount,
		RemainingRefundable: entry.RemainingRefundable(),
	}, nil
}
