// Package retry holds the pure decision logic for what happens after a
// failed attempt: retry with backoff, fail permanently, or give up to the
// dead-letter queue. It has no dependency on the broker, so the whole policy
// is testable without anything running.
package retry

import (
	"errors"
	"time"

	"github.com/tidebill/renewd/internal/domain"
)

type Class int

const (
	Transient Class = iota
	Permanent
)

// permanentReasons is the fixed allow-list of gateway failures that retrying
// cannot change.
var permanentReasons = map[string]bool{
	domain.ReasonInsufficientFunds:     true,
	domain.ReasonCardDeclined:          true,
	domain.ReasonInvalidPaymentMethod:  true,
	domain.ReasonSubscriptionCancelled: true,
}

// Classify decides whether err is worth retrying. Unknown errors default to
// Transient: timeouts, 5xx-equivalents, and infrastructure hiccups all look
// alike from here, and the attempt cap bounds the damage of guessing wrong.
func Classify(err error) Class {
	var ge *domain.GatewayError
	if errors.As(err, &ge) {
		if permanentReasons[ge.Reason] {
			return Permanent
		}
		return Transient
	}
	var ve *domain.ValidationError
	var iv *domain.IsolationViolation
	if errors.As(err, &ve) || errors.As(err, &iv) {
		// Programming or configuration defects; a retry boundary must
		// never absorb these.
		return Permanent
	}
	if errors.Is(err, domain.ErrLedgerTerminal) {
		return Permanent
	}
	return Transient
}

// Policy is the backoff schedule handed to the worker as a plain value.
type Policy struct {
	BaseDelay   time.Duration
	MaxAttempts int
}

// Delay returns how long attempt n (1-based) waits before running:
// BaseDelay doubled for every prior attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return p.BaseDelay << (attempt - 1)
}

// Exhausted reports whether attempt n exceeds the cap and the message
// belongs in the DLQ instead of the queue.
func (p Policy) Exhausted(attempt int) bool {
	return attempt > p.MaxAttempts
}
