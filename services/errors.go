package services

import (
	"errors"
	"fmt"
)

var (
	// ErrProviderUnavailable covers network errors and timeouts talking to a
	// provider. The outcome is ambiguous, so the caller may retry with the
	// same request and the sweeper resolves whatever the provider actually
	// did.
	ErrProviderUnavailable = errors.New("payment provider unavailable")

	ErrEntryNotFound        = errors.New("ledger entry not found")
	ErrUnknownProvider      = errors.New("unknown payment provider")
	ErrNotRefundable        = errors.New("ledger entry is not refundable")
	ErrRefundExceedsBalance = errors.New("refund exceeds remaining refundable balance")
	ErrVerificationFailed   = errors.New("webhook rejected")
)

// ValidationError is returned before any ledger row is created; it is never
// retryable.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
