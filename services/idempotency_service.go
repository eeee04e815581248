package services

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Requests inside the same bucket with identical essential fields collapse
// onto one ledger entry.
const idempotencyBucket = 60 * time.Second

// PaymentFingerprint derives the idempotency key from the caller's intent
// only. Nothing provider-generated ever feeds into it.
func PaymentFingerprint(tenantID string, clientID uuid.UUID, subjectKind string, subjectID uuid.UUID, amount float64, currency string, at time.Time) string {
	bucket := at.UTC().Unix() / int64(idempotencyBucket.Seconds())
	raw := fmt.Sprintf("%s|%s|%s|%s|%.2f|%s|%d",
		tenantID, clientID, subjectKind, subjectID, amount, currency, bucket)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// RefundFingerprint keys a refund attempt on the entry, the amount and a
// caller-supplied nonce, so a retried refund call lands on the same
// sub-record.
func RefundFingerprint(ledgerEntryID uuid.UUID, amount float64, nonce string) string {
	raw := fmt.Sprintf("%s|%.2f|%s", ledgerEntryID, amount, nonce)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
