package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/anjiri1684/settlement_core/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store wraps the durable store behind the three primitives every writer
// must go through: InsertIfAbsent, the Get* lookups, and
// CompareAndTransition. No other code path mutates ledger entries, which is
// what lets the orchestrator, webhook ingestor and sweeper run against the
// same rows without any in-process locking.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// InsertIfAbsent reserves the idempotency key. When a concurrent request
// already inserted an entry for the same key the local attempt is discarded
// and the winner's row is returned, so at most one entry per key can ever
// exist. Relies on the unique constraint on idempotency_key, not on a
// check-then-write.
func (s *Store) InsertIfAbsent(ctx context.Context, entry *models.LedgerEntry) (*models.LedgerEntry, bool, error) {
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "idempotency_key"}},
			DoNothing: true,
		}).
		Create(entry)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 1 {
		return entry, true, nil
	}

	existing, err := s.GetByKey(ctx, entry.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *Store) GetByKey(ctx context.Context, key string) (*models.LedgerEntry, error) {
	var entry models.LedgerEntry
	err := s.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *Store) GetByID(ctx context.Context, id uuid.UUID) (*models.LedgerEntry, error) {
	var entry models.LedgerEntry
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *Store) GetByIDWithRefunds(ctx context.Context, id uuid.UUID) (*models.LedgerEntry, error) {
	var entry models.LedgerEntry
	err := s.db.WithContext(ctx).Preload("Refunds").Where("id = ?", id).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *Store) GetByProviderReference(ctx context.Context, provider, reference string) (*models.LedgerEntry, error) {
	var entry models.LedgerEntry
	err := s.db.WithContext(ctx).
		Where("provider = ? AND provider_reference = ?", provider, reference).
		First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// CompareAndTransition moves one entry from fromStatus to toStatus and
// applies extra fields in the same statement. It writes nothing and returns
// false when the entry is no longer in fromStatus; whichever concurrent
// writer commits first wins and the loser observes the new state on re-read.
func (s *Store) CompareAndTransition(ctx context.Context, id uuid.UUID, fromStatus, toStatus string, fields map[string]interface{}) (bool, error) {
	updates := map[string]interface{}{
		"status":             toStatus,
		"last_transition_at": time.Now().UTC(),
	}
	for k, v := range fields {
		updates[k] = v
	}

	res := s.db.WithContext(ctx).
		Model(&models.LedgerEntry{}).
		Where("id = ? AND status = ?", id, fromStatus).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ListStuck returns the provider's entries whose outcome is still unknown
// and that have not moved since before the cutoff: anything in flight
// (pending, processing, awaiting_confirmation) plus failures recorded as
// provider_unavailable, where the provider may have accepted the charge
// despite the error.
func (s *Store) ListStuck(ctx context.Context, provider string, cutoff time.Time, limit int) ([]models.LedgerEntry, error) {
	var entries []models.LedgerEntry
	err := s.db.WithContext(ctx).
		Where("provider = ? AND last_transition_at < ? AND (status IN ? OR (status = ? AND failure_reason = ?))",
			provider,
			cutoff,
			[]string{models.StatusPending, models.StatusProcessing, models.StatusAwaitingConfirmation},
			models.StatusFailed,
			models.FailureProviderUnavailable).
		Order("last_transition_at asc").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// InsertEventIfAbsent records one provider event for dedup. Returns false
// when the same (provider, event id) pair was already seen, which is how
// redelivered webhooks become acknowledged no-ops.
func (s *Store) InsertEventIfAbsent(ctx context.Context, event *models.WebhookEvent) (bool, error) {
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider"}, {Name: "event_id"}},
			DoNothing: true,
		}).
		Create(event)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *Store) GetEvent(ctx context.Context, provider, eventID string) (*models.WebhookEvent, error) {
	var event models.WebhookEvent
	err := s.db.WithContext(ctx).
		Where("provider = ? AND event_id = ?", provider, eventID).
		First(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func (s *Store) MarkEventApplied(ctx context.Context, id uuid.UUID) error {
	return s.db.WithContext(ctx).
		Model(&models.WebhookEvent{}).
		Where("id = ?", id).
		Update("applied", true).Error
}

// PurgeEventsBefore trims the dedup set; events are ephemeral and only need
// to outlive the provider's redelivery horizon.
func (s *Store) PurgeEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&models.WebhookEvent{})
	return res.RowsAffected, res.Error
}

// InsertRefundIfAbsent reserves a refund idempotency key the same way
// InsertIfAbsent reserves a payment key.
func (s *Store) InsertRefundIfAbsent(ctx context.Context, refund *models.Refund) (*models.Refund, bool, error) {
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "idempotency_key"}},
			DoNothing: true,
		}).
		Create(refund)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 1 {
		return refund, true, nil
	}

	var existing models.Refund
	if err := s.db.WithContext(ctx).Where("idempotency_key = ?", refund.IdempotencyKey).First(&existing).Error; err != nil {
		return nil, false, err
	}
	return &existing, false, nil
}

// ClaimFailedRefund flips one failed refund back to pending, guarded so that
// exactly one retry wins the right to re-drive it.
func (s *Store) ClaimFailedRefund(ctx context.Context, id uuid.UUID) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&models.Refund{}).
		Where("id = ? AND status = ?", id, models.RefundFailed).
		Update("status", models.RefundPending)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *Store) UpdateRefund(ctx context.Context, id uuid.UUID, fields map[string]interface{}) error {
	return s.db.WithContext(ctx).
		Model(&models.Refund{}).
		Where("id = ?", id).
		Updates(fields).Error
}

// ReserveRefundBalance atomically increments refunded_amount, guarded so the
// running total can never exceed the original amount and only a completed
// entry can be refunded against. Returns false without writing when the
// guard fails.
func (s *Store) ReserveRefundBalance(ctx context.Context, id uuid.UUID, amount float64) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&models.LedgerEntry{}).
		Where("id = ? AND status = ? AND refunded_amount + ? <= amount + 0.000001",
			id, models.StatusCompleted, amount).
		Update("refunded_amount", gorm.Expr("refunded_amount + ?", amount))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ReleaseRefundBalance undoes a reservation after the provider rejected the
// refund call.
func (s *Store) ReleaseRefundBalance(ctx context.Context, id uuid.UUID, amount float64) error {
	return s.db.WithContext(ctx).
		Model(&models.LedgerEntry{}).
		Where("id = ?", id).
		Update("refunded_amount", gorm.Expr("refunded_amount - ?", amount)).Error
}

func (s *Store) SetRefundAnnotation(ctx context.Context, id uuid.UUID, annotation string) error {
	return s.db.WithContext(ctx).
		Model(&models.LedgerEntry{}).
		Where("id = ?", id).
		Update("refund_status", annotation).Error
}
