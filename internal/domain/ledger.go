package domain

import "time"

type LedgerState string

const (
	LedgerPending         LedgerState = "pending"
	LedgerInProgress      LedgerState = "in_progress"
	LedgerCompleted       LedgerState = "completed"
	LedgerFailedPermanent LedgerState = "failed_permanent"
	LedgerDeadLetter      LedgerState = "dead_letter"
)

// Terminal reports whether no further execution is permitted for the
// fingerprint. dead_letter is deliberately non-terminal: a replayed DLQ
// message may still run the job to completion.
func (s LedgerState) Terminal() bool {
	return s == LedgerCompleted || s == LedgerFailedPermanent
}

// LedgerRecord is the durable source of truth for "has this already
// happened", keyed by fingerprint. Rows are never deleted.
type LedgerRecord struct {
	Fingerprint         string
	TenantID            int64
	SubscriptionID      string
	BillingPeriod       string
	State               LedgerState
	Attempts            int
	LastError           *string
	ResultTransactionID *string
	CreatedAt           time.Time
	UpdatedAt           time.Time

	// Age of the row since its last update, measured by the database clock
	// so that worker clock skew cannot influence staleness decisions.
	Age time.Duration
}
