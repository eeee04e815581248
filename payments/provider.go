package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

const (
	ProviderCardNetwork  = "cardnet"
	ProviderBankTransfer = "bankwire"
)

const (
	OutcomeSucceeded = "succeeded"
	OutcomeDeclined  = "declined"
	OutcomePending   = "pending"
)

// Normalized event types every adapter maps its provider's webhook payloads
// into.
const (
	EventSettled = "settled"
	EventFailed  = "failed"
)

const (
	QuerySettled = "settled"
	QueryFailed  = "failed"
	QueryPending = "pending"
)

var ErrVerificationFailed = errors.New("webhook signature verification failed")

type ChargeRequest struct {
	Amount           float64
	Currency         string
	Method           string
	SubjectReference string
	Description      string
	IdempotencyKey   string
}

type ProviderResult struct {
	Outcome           string
	ProviderReference string
	DeclineReason     string
	EstimatedSettleBy time.Time
}

type ProviderEvent struct {
	EventID           string
	EventType         string
	ProviderReference string
	OccurredAt        time.Time
}

type ProviderRefundResult struct {
	RefundID string
}

// Provider is the closed adapter interface; the set of payment networks is
// small and fixed, so each concrete adapter is tagged by its ID rather than
// discovered dynamically.
type Provider interface {
	ID() string
	Supports(method, currency string) bool
	Charge(ctx context.Context, req ChargeRequest) (*ProviderResult, error)
	VerifyWebhook(rawPayload []byte, signatureHeader string) (*ProviderEvent, error)
	Refund(ctx context.Context, providerReference string, amount float64, idempotencyKey string) (*ProviderRefundResult, error)
	Query(ctx context.Context, providerReference string) (string, error)
}

// verifySignature checks the hex HMAC-SHA256 of the raw body against the
// provider's shared secret. Constant-time compare; a mismatch must never
// advance ledger state.
func verifySignature(secret string, rawPayload []byte, signatureHeader string) bool {
	if signatureHeader == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(rawPayload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signatureHeader))
}

// SignPayload produces the signature a provider would attach; exported for
// webhook tests and the local provider simulator.
func SignPayload(secret string, rawPayload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(rawPayload)
	return hex.EncodeToString(mac.Sum(nil))
}
