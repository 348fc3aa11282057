// Package ledger persists job fingerprints and their outcomes in Postgres.
// The ledger is the source of truth for "has this charge already happened";
// rows are never deleted.
//
// The ledger table carries no row-level security policy: workers read and
// claim attempts before any tenant session exists. Tenant-scoped data lives
// in the billing tables, not here.
package ledger

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pkgerrors "github.com/pkg/errors"

	"github.com/tidebill/renewd/internal/domain"
)

// DB is satisfied by *pgxpool.Pool and pgx.Tx.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Ledger struct {
	db DB
}

func New(db DB) *Ledger { return &Ledger{db: db} }

const selectRecord = `select fingerprint, tenant_id, subscription_id, billing_period, state,
       attempts, last_error, result_transaction_id, created_at, updated_at,
       extract(epoch from (now() - updated_at))
  from job_ledger where fingerprint = $1`

// Get returns the ledger record for fingerprint, or nil when none exists.
// Age is computed by the database clock, the same clock that wrote
// updated_at, so staleness decisions survive worker clock skew.
func (l *Ledger) Get(ctx context.Context, fp string) (*domain.LedgerRecord, error) {
	return scanRecord(l.db.QueryRow(ctx, selectRecord, fp))
}

func scanRecord(row pgx.Row) (*domain.LedgerRecord, error) {
	var rec domain.LedgerRecord
	var ageSec float64
	err := row.Scan(&rec.Fingerprint, &rec.TenantID, &rec.SubscriptionID, &rec.BillingPeriod,
		&rec.State, &rec.Attempts, &rec.LastError, &rec.ResultTransactionID,
		&rec.CreatedAt, &rec.UpdatedAt, &ageSec)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "read ledger record")
	}
	rec.Age = time.Duration(ageSec * float64(time.Second))
	return &rec, nil
}

// ClaimAttempt upserts the row into in_progress and increments attempts.
// Only the executor holding the fingerprint lock may call it. Terminal rows
// are never touched; claiming one returns domain.ErrLedgerTerminal.
func (l *Ledger) ClaimAttempt(ctx context.Context, tenantID int64, subscriptionID, billingPeriod, fp string) (int, error) {
	var attempts int
	err := l.db.QueryRow(ctx, `
insert into job_ledger (fingerprint, tenant_id, subscription_id, billing_period, state, attempts)
values ($1, $2, $3, $4, 'in_progress', 1)
on conflict (fingerprint) do update
   set state = 'in_progress',
       attempts = job_ledger.attempts + 1,
       updated_at = now()
 where job_ledger.state not in ('completed', 'failed_permanent')
returning attempts`, fp, tenantID, subscriptionID, billingPeriod).Scan(&attempts)
	if err == pgx.ErrNoRows {
		return 0, domain.ErrLedgerTerminal
	}
	if err != nil {
		return 0, pkgerrors.Wrap(err, "claim ledger attempt")
	}
	return attempts, nil
}

// CompleteIn marks the row completed inside q. Running it in the same
// transaction as the payment insert and period extension is what makes
// "charged" and "recorded as charged" atomic.
func (l *Ledger) CompleteIn(ctx context.Context, q DB, fp, transactionID string) error {
	tag, err := q.Exec(ctx, `
update job_ledger
   set state = 'completed', result_transaction_id = $2, last_error = null, updated_at = now()
 where fingerprint = $1 and state = 'in_progress'`, fp, transactionID)
	if err != nil {
		return pkgerrors.Wrap(err, "complete ledger record")
	}
	if tag.RowsAffected() == 0 {
		return pkgerrors.Errorf("ledger record %s not in_progress at completion", fp)
	}
	return nil
}

// FailPermanent records a terminal failure. No further execution is
// permitted for the fingerprint afterwards.
func (l *Ledger) FailPermanent(ctx context.Context, fp, cause string) error {
	_, err := l.db.Exec(ctx, `
update job_ledger
   set state = 'failed_permanent', last_error = $2, updated_at = now()
 where fingerprint = $1 and state not in ('completed', 'failed_permanent')`, fp, cause)
	return pkgerrors.Wrap(err, "fail ledger record")
}

// MarkRetryable returns the row to pending after a transient failure so the
// next attempt is unambiguous about nobody being mid-flight.
func (l *Ledger) MarkRetryable(ctx context.Context, fp, cause string) error {
	_, err := l.db.Exec(ctx, `
update job_ledger
   set state = 'pending', last_error = $2, updated_at = now()
 where fingerprint = $1 and state = 'in_progress'`, fp, cause)
	return pkgerrors.Wrap(err, "mark ledger retryable")
}

// MarkDeadLettered records that the message went to the DLQ. The state is
// non-terminal: a replayed message may still complete the job.
func (l *Ledger) MarkDeadLettered(ctx context.Context, fp, cause string) error {
	_, err := l.db.Exec(ctx, `
update job_ledger
   set state = 'dead_letter', last_error = $2, updated_at = now()
 where fingerprint = $1 and state not in ('completed', 'failed_permanent')`, fp, cause)
	return pkgerrors.Wrap(err, "dead-letter ledger record")
}
