// Package billing holds the tenant-scoped subscription and payment store.
// Every query here runs on a session bound by the tenant package; the
// row-level security policies on these tables are what make the tenant_id
// predicates unforgeable.
package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pkgerrors "github.com/pkg/errors"

	"github.com/tidebill/renewd/internal/domain"
)

// DB is the query surface the store needs; tenant.Conn and pgx.Tx satisfy it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionPastDue   SubscriptionStatus = "past_due"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
)

type Subscription struct {
	ID              string
	TenantID        int64
	CustomerID      string
	PaymentMethodID string
	AmountCents     int64
	Currency        string
	Status          SubscriptionStatus
	CurrentPeriod   string
	PeriodEnd       time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type Payment struct {
	ID                   string
	TenantID             int64
	SubscriptionID       string
	BillingPeriod        string
	AmountCents          int64
	Currency             string
	GatewayTransactionID string
	CreatedAt            time.Time
}

// Store is stateless; it operates on whatever tenant-scoped session or
// transaction the caller passes in.
type Store struct{}

func NewStore() *Store { return &Store{} }

func (s *Store) GetSubscription(ctx context.Context, q DB, id string) (*Subscription, error) {
	var sub Subscription
	err := q.QueryRow(ctx, `
select id, tenant_id, customer_id, payment_method_id, amount_cents, currency,
       status, current_period, period_end, created_at, updated_at
  from subscriptions where id = $1`, id).Scan(
		&sub.ID, &sub.TenantID, &sub.CustomerID, &sub.PaymentMethodID,
		&sub.AmountCents, &sub.Currency, &sub.Status, &sub.CurrentPeriod,
		&sub.PeriodEnd, &sub.CreatedAt, &sub.UpdatedAt)
	if err == pgx.ErrNoRows {
		// Either the subscription does not exist or it belongs to another
		// tenant; RLS makes the two indistinguishable on purpose.
		return nil, domain.Validationf("subscription %s not visible to this tenant", id)
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "read subscription")
	}
	return &sub, nil
}

// ListDue returns subscriptions whose paid-through date has passed, i.e.
// candidates for renewal into the next period.
func (s *Store) ListDue(ctx context.Context, q DB, now time.Time, limit int) ([]*Subscription, error) {
	rows, err := q.Query(ctx, `
select id, tenant_id, customer_id, payment_method_id, amount_cents, currency,
       status, current_period, period_end, created_at, updated_at
  from subscriptions
 where status = 'active' and period_end <= $1
 order by period_end asc
 limit $2`, now, limit)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "list due subscriptions")
	}
	defer rows.Close()

	var out []*Subscription
	for rows.Next() {
		var sub Subscription
		if err := rows.Scan(&sub.ID, &sub.TenantID, &sub.CustomerID, &sub.PaymentMethodID,
			&sub.AmountCents, &sub.Currency, &sub.Status, &sub.CurrentPeriod,
			&sub.PeriodEnd, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
			return nil, pkgerrors.Wrap(err, "scan subscription")
		}
		out = append(out, &sub)
	}
	return out, rows.Err()
}

// ExtendPeriod advances the subscription to period. Runs in the same
// transaction as the payment insert and the ledger completion.
func (s *Store) ExtendPeriod(ctx context.Context, q DB, subscriptionID, period string, periodEnd time.Time) error {
	tag, err := q.Exec(ctx, `
update subscriptions
   set current_period = $2, period_end = $3, status = 'active', updated_at = now()
 where id = $1`, subscriptionID, period, periodEnd)
	if err != nil {
		return pkgerrors.Wrap(err, "extend billing period")
	}
	if tag.RowsAffected() == 0 {
		return domain.Validationf("subscription %s not visible to this tenant", subscriptionID)
	}
	return nil
}

// InsertPayment records the confirmed gateway charge.
func (s *Store) InsertPayment(ctx context.Context, q DB, p *Payment) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	_, err := q.Exec(ctx, `
insert into payments (id, tenant_id, subscription_id, billing_period, amount_cents, currency, gateway_transaction_id)
values ($1, $2, $3, $4, $5, $6, $7)`,
		p.ID, p.TenantID, p.SubscriptionID, p.BillingPeriod, p.AmountCents, p.Currency, p.GatewayTransactionID)
	return pkgerrors.Wrap(err, "insert payment")
}
