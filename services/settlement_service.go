package services

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/anjiri1684/settlement_core/ledger"
	"github.com/anjiri1684/settlement_core/models"
	"github.com/anjiri1684/settlement_core/payments"
	"github.com/google/uuid"
)

var supportedCurrencies = map[string]bool{"USD": true, "KES": true}

type SettleInput struct {
	TenantID    string
	ClientID    uuid.UUID
	SubjectKind string
	SubjectID   uuid.UUID
	Amount      float64
	Currency    string
	Method      string
	Description string
}

// SettlementService drives a payment intent through the ledger state
// machine: reserve the idempotency key, charge the selected provider,
// commit the outcome.
type SettlementService struct {
	store         *ledger.Store
	providers     []payments.Provider
	audit         AuditSink
	maxAmount     float64
	chargeTimeout time.Duration
	now           func() time.Time
}

func NewSettlementService(store *ledger.Store, providers []payments.Provider, audit AuditSink, maxAmount float64, chargeTimeout time.Duration) *SettlementService {
	return &SettlementService{
		store:         store,
		providers:     providers,
		audit:         audit,
		maxAmount:     maxAmount,
		chargeTimeout: chargeTimeout,
		now:           time.Now,
	}
}

// Settle processes one payment intent. The returned bool reports whether
// this call created the ledger entry; a false return with a nil error means
// the idempotency key already resolved to an existing entry and no provider
// call was made.
func (s *SettlementService) Settle(ctx context.Context, in SettleInput) (*models.LedgerEntry, bool, error) {
	provider, err := s.validate(in)
	if err != nil {
		return nil, false, err
	}

	key := PaymentFingerprint(in.TenantID, in.ClientID, in.SubjectKind, in.SubjectID, in.Amount, in.Currency, s.now())

	existing, err := s.store.GetByKey(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return s.resumeOrReturn(ctx, existing, provider, in)
	}

	now := time.Now().UTC()
	entry := &models.LedgerEntry{
		ID:               uuid.New(),
		IdempotencyKey:   key,
		Provider:         provider.ID(),
		Amount:           in.Amount,
		Currency:         in.Currency,
		Method:           in.Method,
		Status:           models.StatusPending,
		TenantID:         in.TenantID,
		ClientID:         in.ClientID,
		SubjectKind:      in.SubjectKind,
		SubjectID:        in.SubjectID,
		Description:      in.Description,
		LastTransitionAt: now,
	}

	entry, created, err := s.store.InsertIfAbsent(ctx, entry)
	if err != nil {
		return nil, false, err
	}
	if !created {
		// Lost the insert race; the winner's entry is the answer.
		return entry, false, nil
	}

	s.audit.Record(ctx, AuditRecord{
		LedgerEntryID: entry.ID,
		Actor:         ActorOrchestrator,
		Action:        "entry_created",
		ToStatus:      models.StatusPending,
	})

	return s.drive(ctx, entry, provider, in, models.StatusPending)
}

// resumeOrReturn decides what an idempotency-key hit means: completed,
// in-flight and declined entries are returned as-is; only a failure with
// the provider_unavailable reason is re-driven through the same entry,
// because that is the one outcome the caller is told to retry.
func (s *SettlementService) resumeOrReturn(ctx context.Context, entry *models.LedgerEntry, provider payments.Provider, in SettleInput) (*models.LedgerEntry, bool, error) {
	if entry.Status == models.StatusFailed &&
		entry.FailureReason != nil && *entry.FailureReason == models.FailureProviderUnavailable {
		resumed, _, err := s.drive(ctx, entry, provider, in, models.StatusFailed)
		return resumed, false, err
	}
	return entry, false, nil
}

// drive moves the entry to processing, charges the provider and commits the
// result. fromStatus is pending on first attempt, failed on a sanctioned
// retry after provider_unavailable.
func (s *SettlementService) drive(ctx context.Context, entry *models.LedgerEntry, provider payments.Provider, in SettleInput, fromStatus string) (*models.LedgerEntry, bool, error) {
	ok, err := s.store.CompareAndTransition(ctx, entry.ID, fromStatus, models.StatusProcessing, map[string]interface{}{
		"failure_reason": nil,
	})
	if err != nil {
		return nil, false, err
	}
	if !ok {
		// A concurrent request got here first; return whatever it made of
		// the entry.
		current, err := s.store.GetByID(ctx, entry.ID)
		if err != nil {
			return nil, false, err
		}
		if current == nil {
			return nil, false, ErrEntryNotFound
		}
		return current, false, nil
	}

	chargeCtx, cancel := context.WithTimeout(ctx, s.chargeTimeout)
	defer cancel()

	result, chargeErr := provider.Charge(chargeCtx, payments.ChargeRequest{
		Amount:           in.Amount,
		Currency:         in.Currency,
		Method:           in.Method,
		SubjectReference: entry.ID.String(),
		Description:      in.Description,
		IdempotencyKey:   entry.IdempotencyKey,
	})
	if chargeErr != nil {
		// Ambiguous outcome: the provider may have accepted the charge
		// despite the error. Record it as retryable and let the sweeper
		// resolve whatever actually happened.
		log.Printf("Provider %s charge failed for entry %s: %v", provider.ID(), entry.ID, chargeErr)
		reason := models.FailureProviderUnavailable
		if _, err := s.store.CompareAndTransition(ctx, entry.ID, models.StatusProcessing, models.StatusFailed, map[string]interface{}{
			"failure_reason": reason,
		}); err != nil {
			return nil, false, err
		}
		s.audit.Record(ctx, AuditRecord{
			LedgerEntryID: entry.ID,
			Actor:         ActorOrchestrator,
			Action:        "charge_errored",
			FromStatus:    models.StatusProcessing,
			ToStatus:      models.StatusFailed,
			Detail:        reason,
		})
		return s.reload(ctx, entry.ID, true, ErrProviderUnavailable)
	}

	switch result.Outcome {
	case payments.OutcomeSucceeded:
		_, err = s.store.CompareAndTransition(ctx, entry.ID, models.StatusProcessing, models.StatusCompleted, map[string]interface{}{
			"provider_reference": result.ProviderReference,
		})
		if err != nil {
			return nil, false, err
		}
		s.audit.Record(ctx, AuditRecord{
			LedgerEntryID: entry.ID,
			Actor:         ActorOrchestrator,
			Action:        "charge_succeeded",
			FromStatus:    models.StatusProcessing,
			ToStatus:      models.StatusCompleted,
		})

	case payments.OutcomeDeclined:
		fields := map[string]interface{}{"failure_reason": models.FailureProviderDeclined}
		if result.ProviderReference != "" {
			fields["provider_reference"] = result.ProviderReference
		}
		if _, err = s.store.CompareAndTransition(ctx, entry.ID, models.StatusProcessing, models.StatusFailed, fields); err != nil {
			return nil, false, err
		}
		s.audit.Record(ctx, AuditRecord{
			LedgerEntryID: entry.ID,
			Actor:         ActorOrchestrator,
			Action:        "charge_declined",
			FromStatus:    models.StatusProcessing,
			ToStatus:      models.StatusFailed,
			Detail:        result.DeclineReason,
		})

	case payments.OutcomePending:
		fields := map[string]interface{}{"provider_reference": result.ProviderReference}
		if !result.EstimatedSettleBy.IsZero() {
			fields["expected_settle_by"] = result.EstimatedSettleBy
		}
		if _, err = s.store.CompareAndTransition(ctx, entry.ID, models.StatusProcessing, models.StatusAwaitingConfirmation, fields); err != nil {
			return nil, false, err
		}
		s.audit.Record(ctx, AuditRecord{
			LedgerEntryID: entry.ID,
			Actor:         ActorOrchestrator,
			Action:        "charge_accepted_pending",
			FromStatus:    models.StatusProcessing,
			ToStatus:      models.StatusAwaitingConfirmation,
		})

	default:
		return nil, false, fmt.Errorf("provider %s returned unknown outcome %q", provider.ID(), result.Outcome)
	}

	return s.reload(ctx, entry.ID, true, nil)
}

func (s *SettlementService) reload(ctx context.Context, id uuid.UUID, created bool, retErr error) (*models.LedgerEntry, bool, error) {
	entry, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if entry == nil {
		return nil, false, ErrEntryNotFound
	}
	return entry, created, retErr
}

func (s *SettlementService) validate(in SettleInput) (payments.Provider, error) {
	if in.Amount <= 0 {
		return nil, &ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if in.Amount > s.maxAmount {
		return nil, &ValidationError{Field: "amount", Reason: fmt.Sprintf("exceeds ceiling of %.2f", s.maxAmount)}
	}
	if !isTwoDecimal(in.Amount) {
		return nil, &ValidationError{Field: "amount", Reason: "more than two decimal places"}
	}
	if !supportedCurrencies[in.Currency] {
		return nil, &ValidationError{Field: "currency", Reason: "unsupported currency"}
	}
	if in.SubjectKind != models.SubjectAppointment && in.SubjectKind != models.SubjectPackage {
		return nil, &ValidationError{Field: "subject", Reason: "must reference an appointment or a package"}
	}
	if in.SubjectID == uuid.Nil || in.ClientID == uuid.Nil {
		return nil, &ValidationError{Field: "subject", Reason: "missing client or subject id"}
	}

	for _, p := range s.providers {
		if p.Supports(in.Method, in.Currency) {
			return p, nil
		}
	}
	return nil, &ValidationError{Field: "method", Reason: fmt.Sprintf("no provider supports %s in %s", in.Method, in.Currency)}
}

func isTwoDecimal(a float64) bool {
	return math.Abs(a*100-math.Round(a*100)) < 1e-6
}
