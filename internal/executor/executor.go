// Package executor runs one renewal attempt end to end: fingerprint, ledger
// short-circuit, lock, double-check, tenant-scoped execution, terminal
// ledger write, lock release. It guarantees at most one successful charge
// per (subscription, billing-period) no matter how many times the same
// logical job is enqueued, raced, or retried.
package executor

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/tidebill/renewd/internal/domain"
	"github.com/tidebill/renewd/internal/fingerprint"
	"github.com/tidebill/renewd/internal/lock"
	"github.com/tidebill/renewd/internal/retry"
)

// Ledger is the slice of the ledger the executor drives.
type Ledger interface {
	Get(ctx context.Context, fp string) (*domain.LedgerRecord, error)
	ClaimAttempt(ctx context.Context, tenantID int64, subscriptionID, billingPeriod, fp string) (int, error)
	FailPermanent(ctx context.Context, fp, cause string) error
	MarkRetryable(ctx context.Context, fp, cause string) error
}

// Renewer performs the business operation: charge the gateway and extend
// the billing period atomically inside a tenant-scoped transaction.
type Renewer interface {
	Renew(ctx context.Context, tenantID int64, subscriptionID, billingPeriod, fp string) (transactionID string, err error)
}

type Result struct {
	Fingerprint      string
	TransactionID    string
	AlreadyCompleted bool
	Attempt          int
}

type Executor struct {
	ledg   Ledger
	locker *lock.Locker
	renew  Renewer
	// staleAfter is the lock TTL plus a margin; an in_progress ledger row
	// older than this is an abandoned attempt, never evidence of progress.
	staleAfter time.Duration
	log        *zap.Logger
}

func New(ledg Ledger, locker *lock.Locker, renew Renewer, lockTTL time.Duration, log *zap.Logger) *Executor {
	return &Executor{
		ledg:       ledg,
		locker:     locker,
		renew:      renew,
		staleAfter: lockTTL + 30*time.Second,
		log:        log,
	}
}

// Execute runs a single attempt for msg. A nil error with
// Result.AlreadyCompleted set means the work had already happened and this
// call had no side effect.
func (e *Executor) Execute(ctx context.Context, msg *domain.Message) (*Result, error) {
	payload, err := domain.DecodeRenewalPayload(msg.Payload)
	if err != nil {
		return nil, err
	}

	// The fingerprint is recomputed from the business keys rather than
	// trusted from the envelope.
	fp := fingerprint.Renewal(payload.SubscriptionID, payload.BillingPeriod)
	if msg.Fingerprint != "" && msg.Fingerprint != fp {
		return nil, domain.Validationf("envelope fingerprint %s does not match payload (want %s)", msg.Fingerprint, fp)
	}

	// Short-circuit before touching the lock, so already-finished work
	// cannot cause contention storms.
	rec, err := e.ledg.Get(ctx, fp)
	if err != nil {
		return nil, err
	}
	if res, err := e.shortCircuit(fp, rec, true); res != nil || err != nil {
		return res, err
	}

	lease, err := e.locker.Acquire(ctx, fp)
	if err != nil {
		return nil, err
	}
	defer func() {
		if rerr := lease.Release(context.WithoutCancel(ctx)); rerr != nil {
			e.log.Error("lock release failed", zap.String("fingerprint", fp), zap.Error(rerr))
		}
	}()

	// Double-check inside the lock: another attempt may have finished the
	// job between the first read and acquisition. Freshness no longer
	// matters here; holding the lock proves nobody else is mid-flight, so
	// any non-terminal row is an abandoned attempt.
	rec, err = e.ledg.Get(ctx, fp)
	if err != nil {
		return nil, err
	}
	if res, err := e.shortCircuit(fp, rec, false); res != nil || err != nil {
		return res, err
	}

	attempt, err := e.ledg.ClaimAttempt(ctx, msg.TenantID, payload.SubscriptionID, payload.BillingPeriod, fp)
	if err != nil {
		return nil, err
	}
	e.log.Info("executing renewal",
		zap.String("fingerprint", fp),
		zap.Int64("tenant", msg.TenantID),
		zap.String("subscription", payload.SubscriptionID),
		zap.String("period", payload.BillingPeriod),
		zap.Int("attempt", attempt))

	txID, err := e.renew.Renew(ctx, msg.TenantID, payload.SubscriptionID, payload.BillingPeriod, fp)
	if err != nil {
		return nil, e.recordFailure(ctx, fp, err)
	}

	e.log.Info("renewal completed",
		zap.String("fingerprint", fp),
		zap.String("transaction_id", txID))
	return &Result{Fingerprint: fp, TransactionID: txID, Attempt: attempt}, nil
}

// shortCircuit interprets an existing ledger record. checkFresh guards the
// pre-lock read: a recently-updated in_progress row means another worker is
// likely mid-flight, which reads as contention, not failure.
func (e *Executor) shortCircuit(fp string, rec *domain.LedgerRecord, checkFresh bool) (*Result, error) {
	if rec == nil {
		return nil, nil
	}
	switch rec.State {
	case domain.LedgerCompleted:
		res := &Result{Fingerprint: fp, AlreadyCompleted: true, Attempt: rec.Attempts}
		if rec.ResultTransactionID != nil {
			res.TransactionID = *rec.ResultTransactionID
		}
		return res, nil
	case domain.LedgerFailedPermanent:
		return nil, domain.ErrLedgerTerminal
	case domain.LedgerInProgress:
		if checkFresh && rec.Age < e.staleAfter {
			return nil, domain.ErrLockHeld
		}
		if !checkFresh || rec.Age >= e.staleAfter {
			e.log.Warn("retrying abandoned in_progress attempt",
				zap.String("fingerprint", fp),
				zap.Duration("age", rec.Age))
		}
	}
	return nil, nil
}

// recordFailure writes the ledger consequence of err and passes it on.
// Only gateway failures on the permanent allow-list terminalize the row;
// transient and fatal errors leave it retryable so a corrected deploy or a
// DLQ replay can still finish the job.
func (e *Executor) recordFailure(ctx context.Context, fp string, err error) error {
	var ge *domain.GatewayError
	if errors.As(err, &ge) && retry.Classify(err) == retry.Permanent {
		e.log.Warn("renewal failed permanently",
			zap.String("fingerprint", fp),
			zap.String("reason", ge.Reason))
		if lerr := e.ledg.FailPermanent(ctx, fp, err.Error()); lerr != nil {
			e.log.Error("failed to mark ledger permanent", zap.String("fingerprint", fp), zap.Error(lerr))
		}
		return err
	}
	if lerr := e.ledg.MarkRetryable(ctx, fp, err.Error()); lerr != nil {
		e.log.Error("failed to mark ledger retryable", zap.String("fingerprint", fp), zap.Error(lerr))
	}
	return err
}
