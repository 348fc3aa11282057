package domain

import (
	"errors"
	"fmt"
)

// ErrLockHeld is returned when another attempt holds the fingerprint lock.
// It is always classified transient: the message is rescheduled, not failed.
var ErrLockHeld = errors.New("lock held by another attempt")

// ErrLedgerTerminal is returned when a fingerprint already reached
// failed_permanent. Execution is never permitted again for that fingerprint.
var ErrLedgerTerminal = errors.New("ledger record is terminal")

// ValidationError marks bad input rejected before any storage is touched.
// It never crosses a retry boundary.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return "validation: " + e.Msg }

func Validationf(format string, args ...any) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// IsolationViolation means the tenant bound on a connection does not match
// the tenant the caller expected. This is the worst failure the system can
// have; it is fatal and must surface loudly, never be retried.
type IsolationViolation struct {
	Expected int64
	Actual   string
}

func (e *IsolationViolation) Error() string {
	return fmt.Sprintf("tenant isolation violation: expected %d, connection bound to %q", e.Expected, e.Actual)
}

// Gateway error reasons. The first four are the permanent allow-list:
// retrying cannot change their outcome.
const (
	ReasonInsufficientFunds     = "insufficient_funds"
	ReasonCardDeclined          = "card_declined"
	ReasonInvalidPaymentMethod  = "invalid_payment_method"
	ReasonSubscriptionCancelled = "subscription_cancelled"

	ReasonGatewayTimeout     = "gateway_timeout"
	ReasonGatewayUnavailable = "gateway_unavailable"
)

// GatewayError wraps a failure reported by (or on the way to) the payment
// gateway. Reason drives retry classification.
type GatewayError struct {
	Reason string
	Err    error
}

func (e *GatewayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gateway: %s: %v", e.Reason, e.Err)
	}
	return "gateway: " + e.Reason
}

func (e *GatewayError) Unwrap() error { return e.Err }

// RetryExhausted is recorded when a transient failure ran out of attempts and
// the message was routed to the dead-letter queue.
type RetryExhausted struct {
	Attempts int
	Last     error
}

func (e *RetryExhausted) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *RetryExhausted) Unwrap() error { return e.Last }
