package services

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/anjiri1684/settlement_core/ledger"
	"github.com/anjiri1684/settlement_core/models"
	"github.com/anjiri1684/settlement_core/payments"
	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	// Serialize access; sqlite's shared-cache mode does not tolerate
	// concurrent writers the way postgres does.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&models.LedgerEntry{}, &models.Refund{}, &models.WebhookEvent{}, &models.AuditLog{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// stubProvider scripts provider behaviour per test and counts calls.
type stubProvider struct {
	id          string
	methods     map[string]bool
	chargeCalls int32
	refundCalls int32
	chargeFn    func(req payments.ChargeRequest) (*payments.ProviderResult, error)
	refundFn    func(reference string, amount float64) (*payments.ProviderRefundResult, error)
	queryFn     func(reference string) (string, error)
	verifyFn    func(raw []byte, sig string) (*payments.ProviderEvent, error)
}

func (p *stubProvider) ID() string { return p.id }

func (p *stubProvider) Supports(method, currency string) bool {
	return p.methods[method]
}

func (p *stubProvider) Charge(ctx context.Context, req payments.ChargeRequest) (*payments.ProviderResult, error) {
	atomic.AddInt32(&p.chargeCalls, 1)
	return p.chargeFn(req)
}

func (p *stubProvider) VerifyWebhook(raw []byte, sig string) (*payments.ProviderEvent, error) {
	if p.verifyFn != nil {
		return p.verifyFn(raw, sig)
	}
	return nil, payments.ErrVerificationFailed
}

func (p *stubProvider) Refund(ctx context.Context, reference string, amount float64, idempotencyKey string) (*payments.ProviderRefundResult, error) {
	atomic.AddInt32(&p.refundCalls, 1)
	if p.refundFn != nil {
		return p.refundFn(reference, amount)
	}
	return &payments.ProviderRefundResult{RefundID: "re_" + idempotencyKey[:8]}, nil
}

func (p *stubProvider) Query(ctx context.Context, reference string) (string, error) {
	if p.queryFn != nil {
		return p.queryFn(reference)
	}
	return payments.QueryPending, nil
}

func cardStub() *stubProvider {
	return &stubProvider{
		id:      payments.ProviderCardNetwork,
		methods: map[string]bool{"card": true, "debit": true},
		chargeFn: func(req payments.ChargeRequest) (*payments.ProviderResult, error) {
			return &payments.ProviderResult{Outcome: payments.OutcomeSucceeded, ProviderReference: "ch_" + req.SubjectReference[:8]}, nil
		},
	}
}

func bankStub() *stubProvider {
	return &stubProvider{
		id:      payments.ProviderBankTransfer,
		methods: map[string]bool{"bank_transfer": true},
		chargeFn: func(req payments.ChargeRequest) (*payments.ProviderResult, error) {
			return &payments.ProviderResult{
				Outcome:           payments.OutcomePending,
				ProviderReference: "tr_" + req.SubjectReference[:8],
				EstimatedSettleBy: time.Now().UTC().Add(30 * time.Minute),
			}, nil
		},
	}
}

// recordingAlerter captures manual-review alerts.
type recordingAlerter struct {
	mu     sync.Mutex
	alerts []uuid.UUID
}

func (a *recordingAlerter) Alert(ctx context.Context, id uuid.UUID, reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, id)
}

func settleInput(clientID, subjectID uuid.UUID, amount float64, currency, method string) SettleInput {
	return SettleInput{
		TenantID:    "tenant-1",
		ClientID:    clientID,
		SubjectKind: models.SubjectAppointment,
		SubjectID:   subjectID,
		Amount:      amount,
		Currency:    currency,
		Method:      method,
		Description: "lesson",
	}
}

func newTestSettlement(t *testing.T, db *gorm.DB, providers ...payments.Provider) (*SettlementService, *ledger.Store) {
	t.Helper()
	store := ledger.NewStore(db)
	audit := NewDBAuditSink(db)
	svc := NewSettlementService(store, providers, audit, 10000, 2*time.Second)
	return svc, store
}

func countRows(t *testing.T, db *gorm.DB, model interface{}) int64 {
	t.Helper()
	var n int64
	if err := db.Model(model).Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}
