package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/anjiri1684/settlement_core/models"
	"github.com/anjiri1684/settlement_core/payments"
	"github.com/google/uuid"
)

func TestSettleCardChargeCompletes(t *testing.T) {
	db := setupTestDB(t)
	card := cardStub()
	svc, _ := newTestSettlement(t, db, card)

	entry, created, err := svc.Settle(context.Background(), settleInput(uuid.New(), uuid.New(), 25.00, "USD", "card"))
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !created {
		t.Fatal("expected entry to be created")
	}
	if entry.Status != models.StatusCompleted {
		t.Fatalf("expected completed, got %s", entry.Status)
	}
	if entry.ProviderReference == nil || *entry.ProviderReference == "" {
		t.Fatal("expected provider reference to be set")
	}
	if entry.RefundedAmount != 0 {
		t.Fatalf("expected zero refunded amount, got %v", entry.RefundedAmount)
	}
	if got := countRows(t, db, &models.AuditLog{}); got == 0 {
		t.Fatal("expected audit records")
	}
}

func TestSettleRepeatedRequestIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	card := cardStub()
	svc, _ := newTestSettlement(t, db, card)

	fixed := time.Now()
	svc.now = func() time.Time { return fixed }

	in := settleInput(uuid.New(), uuid.New(), 25.00, "USD", "card")

	first, created, err := svc.Settle(context.Background(), in)
	if err != nil {
		t.Fatalf("first settle: %v", err)
	}
	if !created {
		t.Fatal("expected first call to create the entry")
	}

	for i := 0; i < 2; i++ {
		repeat, created, err := svc.Settle(context.Background(), in)
		if err != nil {
			t.Fatalf("repeat settle: %v", err)
		}
		if created {
			t.Fatal("repeat must not create a new entry")
		}
		if repeat.ID != first.ID {
			t.Fatalf("expected same ledger entry, got %s and %s", first.ID, repeat.ID)
		}
	}

	if card.chargeCalls != 1 {
		t.Fatalf("expected exactly one provider charge, got %d", card.chargeCalls)
	}
	if got := countRows(t, db, &models.LedgerEntry{}); got != 1 {
		t.Fatalf("expected one ledger entry, got %d", got)
	}
}

func TestSettleConcurrentRequestsSingleCharge(t *testing.T) {
	db := setupTestDB(t)
	card := cardStub()
	svc, _ := newTestSettlement(t, db, card)

	fixed := time.Now()
	svc.now = func() time.Time { return fixed }

	in := settleInput(uuid.New(), uuid.New(), 42.00, "USD", "card")

	const workers = 8
	ids := make([]uuid.UUID, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entry, _, err := svc.Settle(context.Background(), in)
			errs[i] = err
			if entry != nil {
				ids[i] = entry.ID
			}
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("worker %d: %v", i, err)
		}
	}
	for i := 1; i < workers; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("workers observed different entries: %s vs %s", ids[0], ids[i])
		}
	}
	if card.chargeCalls != 1 {
		t.Fatalf("expected exactly one provider charge, got %d", card.chargeCalls)
	}
	if got := countRows(t, db, &models.LedgerEntry{}); got != 1 {
		t.Fatalf("expected one ledger entry, got %d", got)
	}
}

func TestSettleValidationCreatesNoRow(t *testing.T) {
	db := setupTestDB(t)
	svc, _ := newTestSettlement(t, db, cardStub(), bankStub())

	cases := []SettleInput{
		settleInput(uuid.New(), uuid.New(), -5, "USD", "card"),
		settleInput(uuid.New(), uuid.New(), 25, "EUR", "card"),
		settleInput(uuid.New(), uuid.New(), 25, "USD", "cash"),
		settleInput(uuid.New(), uuid.New(), 25.001, "USD", "card"),
		settleInput(uuid.New(), uuid.New(), 999999, "USD", "card"),
		settleInput(uuid.New(), uuid.New(), 25, "USD", "bank_transfer"), // bank rail is KES only
	}
	for _, in := range cases {
		if _, _, err := svc.Settle(context.Background(), in); !IsValidationError(err) {
			t.Fatalf("expected validation error for %+v, got %v", in, err)
		}
	}
	if got := countRows(t, db, &models.LedgerEntry{}); got != 0 {
		t.Fatalf("expected no ledger rows after validation failures, got %d", got)
	}
}

func TestSettleDeclineIsTerminal(t *testing.T) {
	db := setupTestDB(t)
	card := cardStub()
	card.chargeFn = func(req payments.ChargeRequest) (*payments.ProviderResult, error) {
		return &payments.ProviderResult{Outcome: payments.OutcomeDeclined, DeclineReason: "insufficient_funds"}, nil
	}
	svc, _ := newTestSettlement(t, db, card)

	fixed := time.Now()
	svc.now = func() time.Time { return fixed }

	in := settleInput(uuid.New(), uuid.New(), 25.00, "USD", "card")
	entry, _, err := svc.Settle(context.Background(), in)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if entry.Status != models.StatusFailed {
		t.Fatalf("expected failed, got %s", entry.Status)
	}
	if entry.FailureReason == nil || *entry.FailureReason != models.FailureProviderDeclined {
		t.Fatal("expected provider_declined failure reason")
	}

	// A decline is not retryable: the repeat returns the same failed entry
	// without a second charge.
	again, created, err := svc.Settle(context.Background(), in)
	if err != nil || created {
		t.Fatalf("repeat after decline: created=%v err=%v", created, err)
	}
	if again.ID != entry.ID || again.Status != models.StatusFailed {
		t.Fatal("decline must stay terminal")
	}
	if card.chargeCalls != 1 {
		t.Fatalf("expected one charge, got %d", card.chargeCalls)
	}
}

func TestSettleBankTransferAwaitsConfirmation(t *testing.T) {
	db := setupTestDB(t)
	svc, _ := newTestSettlement(t, db, bankStub())

	entry, _, err := svc.Settle(context.Background(), settleInput(uuid.New(), uuid.New(), 25.00, "KES", "bank_transfer"))
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if entry.Status != models.StatusAwaitingConfirmation {
		t.Fatalf("expected awaiting_confirmation, got %s", entry.Status)
	}
	if entry.ProviderReference == nil {
		t.Fatal("expected provider reference")
	}
	if entry.ExpectedSettleBy == nil {
		t.Fatal("expected estimated completion window")
	}
}

func TestSettleProviderErrorIsRetryableOnSameEntry(t *testing.T) {
	db := setupTestDB(t)
	card := cardStub()
	failFirst := true
	card.chargeFn = func(req payments.ChargeRequest) (*payments.ProviderResult, error) {
		if failFirst {
			failFirst = false
			return nil, errors.New("connection reset")
		}
		return &payments.ProviderResult{Outcome: payments.OutcomeSucceeded, ProviderReference: "ch_retry"}, nil
	}
	svc, _ := newTestSettlement(t, db, card)

	fixed := time.Now()
	svc.now = func() time.Time { return fixed }

	in := settleInput(uuid.New(), uuid.New(), 25.00, "USD", "card")

	entry, _, err := svc.Settle(context.Background(), in)
	if !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}
	if entry.Status != models.StatusFailed || entry.FailureReason == nil || *entry.FailureReason != models.FailureProviderUnavailable {
		t.Fatalf("expected failed/provider_unavailable, got %s", entry.Status)
	}

	retried, created, err := svc.Settle(context.Background(), in)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if created {
		t.Fatal("retry must reuse the existing entry")
	}
	if retried.ID != entry.ID {
		t.Fatalf("retry created a different entry: %s vs %s", retried.ID, entry.ID)
	}
	if retried.Status != models.StatusCompleted {
		t.Fatalf("expected completed after retry, got %s", retried.Status)
	}
	if got := countRows(t, db, &models.LedgerEntry{}); got != 1 {
		t.Fatalf("expected one ledger entry, got %d", got)
	}
}

func TestPaymentFingerprintBuckets(t *testing.T) {
	client, subject := uuid.New(), uuid.New()
	at := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)

	a := PaymentFingerprint("t1", client, models.SubjectAppointment, subject, 25, "USD", at)
	b := PaymentFingerprint("t1", client, models.SubjectAppointment, subject, 25, "USD", at.Add(10*time.Second))
	if a != b {
		t.Fatal("identical intents in the same bucket must share a key")
	}

	c := PaymentFingerprint("t1", client, models.SubjectAppointment, subject, 25, "USD", at.Add(2*time.Minute))
	if a == c {
		t.Fatal("different buckets must produce different keys")
	}

	d := PaymentFingerprint("t1", client, models.SubjectAppointment, subject, 26, "USD", at)
	if a == d {
		t.Fatal("different amounts must produce different keys")
	}
}
