package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/anjiri1684/settlement_core/ledger"
	"github.com/anjiri1684/settlement_core/models"
	"github.com/anjiri1684/settlement_core/payments"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

func seedAwaitingEntry(t *testing.T, store *ledger.Store, db *gorm.DB, reference string) *models.LedgerEntry {
	t.Helper()
	entry := &models.LedgerEntry{
		ID:                uuid.New(),
		IdempotencyKey:    uuid.NewString(),
		Provider:          payments.ProviderBankTransfer,
		ProviderReference: &reference,
		Amount:            25.00,
		Currency:          "KES",
		Method:            "bank_transfer",
		Status:            models.StatusAwaitingConfirmation,
		TenantID:          "tenant-1",
		ClientID:          uuid.New(),
		SubjectKind:       models.SubjectAppointment,
		SubjectID:         uuid.New(),
		LastTransitionAt:  time.Now().UTC(),
	}
	if _, _, err := store.InsertIfAbsent(context.Background(), entry); err != nil {
		t.Fatalf("seed entry: %v", err)
	}
	return entry
}

func settledEventVerifier(eventID, reference string) func([]byte, string) (*payments.ProviderEvent, error) {
	return func(raw []byte, sig string) (*payments.ProviderEvent, error) {
		if sig != "valid" {
			return nil, payments.ErrVerificationFailed
		}
		return &payments.ProviderEvent{
			EventID:           eventID,
			EventType:         payments.EventSettled,
			ProviderReference: reference,
			OccurredAt:        time.Now().UTC(),
		}, nil
	}
}

func newTestIngestor(t *testing.T, db *gorm.DB, provider payments.Provider) (*WebhookService, *ledger.Store) {
	t.Helper()
	store := ledger.NewStore(db)
	audit := NewDBAuditSink(db)
	svc := NewWebhookService(store, []payments.Provider{provider}, NewTransitions(store, audit), audit)
	svc.lookupRetries = 0
	svc.lookupBackoff = time.Millisecond
	return svc, store
}

func TestIngestSettledEventCompletesEntry(t *testing.T) {
	db := setupTestDB(t)
	bank := bankStub()
	bank.verifyFn = settledEventVerifier("evt-1", "tr_abc")
	svc, store := newTestIngestor(t, db, bank)

	entry := seedAwaitingEntry(t, store, db, "tr_abc")

	if err := svc.Ingest(context.Background(), bank.ID(), []byte(`{}`), "valid"); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	got, err := store.GetByID(context.Background(), entry.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
}

func TestIngestDuplicateEventIsNoOp(t *testing.T) {
	db := setupTestDB(t)
	bank := bankStub()
	bank.verifyFn = settledEventVerifier("evt-1", "tr_abc")
	svc, store := newTestIngestor(t, db, bank)

	entry := seedAwaitingEntry(t, store, db, "tr_abc")

	if err := svc.Ingest(context.Background(), bank.ID(), []byte(`{}`), "valid"); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	auditRows := countRows(t, db, &models.AuditLog{})

	// At-least-once delivery: the exact same event arrives again.
	if err := svc.Ingest(context.Background(), bank.ID(), []byte(`{}`), "valid"); err != nil {
		t.Fatalf("redelivery must be acknowledged, got %v", err)
	}

	got, _ := store.GetByID(context.Background(), entry.ID)
	if got.Status != models.StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if countRows(t, db, &models.WebhookEvent{}) != 1 {
		t.Fatal("expected a single dedup row")
	}
	if countRows(t, db, &models.AuditLog{}) != auditRows {
		t.Fatal("redelivery must not append audit records")
	}
}

func TestIngestRejectsBadSignature(t *testing.T) {
	db := setupTestDB(t)
	bank := bankStub()
	bank.verifyFn = settledEventVerifier("evt-1", "tr_abc")
	svc, store := newTestIngestor(t, db, bank)

	entry := seedAwaitingEntry(t, store, db, "tr_abc")

	err := svc.Ingest(context.Background(), bank.ID(), []byte(`{}`), "forged")
	if !errors.Is(err, ErrVerificationFailed) {
		t.Fatalf("expected verification failure, got %v", err)
	}

	got, _ := store.GetByID(context.Background(), entry.ID)
	if got.Status != models.StatusAwaitingConfirmation {
		t.Fatal("a rejected webhook must never advance ledger state")
	}
	if countRows(t, db, &models.WebhookEvent{}) != 0 {
		t.Fatal("rejected webhooks must not enter the dedup set")
	}
}

func TestIngestUnknownProviderRejected(t *testing.T) {
	db := setupTestDB(t)
	bank := bankStub()
	svc, _ := newTestIngestor(t, db, bank)

	if err := svc.Ingest(context.Background(), "nosuch", []byte(`{}`), "valid"); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("expected unknown provider rejection, got %v", err)
	}
}

func TestIngestOrphanEventFlaggedForReconciliation(t *testing.T) {
	db := setupTestDB(t)
	bank := bankStub()
	bank.verifyFn = settledEventVerifier("evt-orphan", "tr_unknown")
	svc, _ := newTestIngestor(t, db, bank)

	// No ledger entry carries this reference yet; the event must be
	// acknowledged and retained, not dropped.
	if err := svc.Ingest(context.Background(), bank.ID(), []byte(`{}`), "valid"); err != nil {
		t.Fatalf("orphan event must be acknowledged, got %v", err)
	}

	var event models.WebhookEvent
	if err := db.First(&event).Error; err != nil {
		t.Fatalf("expected retained event row: %v", err)
	}
	if event.Applied {
		t.Fatal("orphan event must not be marked applied")
	}
}

func TestIngestRedeliveryAppliesUnappliedEvent(t *testing.T) {
	db := setupTestDB(t)
	bank := bankStub()
	bank.verifyFn = settledEventVerifier("evt-early", "tr_late")
	svc, store := newTestIngestor(t, db, bank)

	// First delivery outruns the ledger write: acknowledged, stored
	// unapplied.
	if err := svc.Ingest(context.Background(), bank.ID(), []byte(`{}`), "valid"); err != nil {
		t.Fatalf("early delivery: %v", err)
	}

	entry := seedAwaitingEntry(t, store, db, "tr_late")

	// Redelivery after the entry landed must apply the stored outcome, not
	// ack on the dedup row alone.
	if err := svc.Ingest(context.Background(), bank.ID(), []byte(`{}`), "valid"); err != nil {
		t.Fatalf("redelivery: %v", err)
	}

	got, _ := store.GetByID(context.Background(), entry.ID)
	if got.Status != models.StatusCompleted {
		t.Fatalf("expected completed after redelivery, got %s", got.Status)
	}

	var event models.WebhookEvent
	if err := db.First(&event).Error; err != nil {
		t.Fatalf("event row: %v", err)
	}
	if !event.Applied {
		t.Fatal("expected the event marked applied")
	}
	if countRows(t, db, &models.WebhookEvent{}) != 1 {
		t.Fatal("redelivery must not add a second dedup row")
	}
}

func TestIngestTerminalEntryIsNoOp(t *testing.T) {
	db := setupTestDB(t)
	bank := bankStub()
	bank.verifyFn = func(raw []byte, sig string) (*payments.ProviderEvent, error) {
		return &payments.ProviderEvent{
			EventID:           "evt-late",
			EventType:         payments.EventFailed,
			ProviderReference: "tr_abc",
			OccurredAt:        time.Now().UTC(),
		}, nil
	}
	svc, store := newTestIngestor(t, db, bank)

	entry := seedAwaitingEntry(t, store, db, "tr_abc")
	ok, err := store.CompareAndTransition(context.Background(), entry.ID, models.StatusAwaitingConfirmation, models.StatusCompleted, nil)
	if err != nil || !ok {
		t.Fatalf("setup transition: ok=%v err=%v", ok, err)
	}

	// A late "failed" event after settlement: acknowledged, no effect.
	if err := svc.Ingest(context.Background(), bank.ID(), []byte(`{}`), "valid"); err != nil {
		t.Fatalf("late event must be acknowledged, got %v", err)
	}

	got, _ := store.GetByID(context.Background(), entry.ID)
	if got.Status != models.StatusCompleted {
		t.Fatal("terminal state must never be overwritten")
	}
}
