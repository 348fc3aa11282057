package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/tidebill/renewd/internal/billing"
	"github.com/tidebill/renewd/internal/domain"
	"github.com/tidebill/renewd/internal/ledger"
	"github.com/tidebill/renewd/internal/tenant"
)

// BillingRenewer is the production Renewer. Charge confirmation, payment
// record, period extension, and ledger completion all commit in one
// tenant-scoped transaction; partial application (charged but not extended,
// or extended but not charged) cannot happen.
type BillingRenewer struct {
	sessions      *tenant.Sessions
	store         *billing.Store
	ledg          *ledger.Ledger
	gateway       billing.Gateway
	chargeTimeout time.Duration
	log           *zap.Logger
}

func NewBillingRenewer(sessions *tenant.Sessions, store *billing.Store, ledg *ledger.Ledger, gw billing.Gateway, chargeTimeout time.Duration, log *zap.Logger) *BillingRenewer {
	return &BillingRenewer{
		sessions:      sessions,
		store:         store,
		ledg:          ledg,
		gateway:       gw,
		chargeTimeout: chargeTimeout,
		log:           log,
	}
}

func (r *BillingRenewer) Renew(ctx context.Context, tenantID int64, subscriptionID, billingPeriod, fp string) (string, error) {
	periodEnd, err := billing.PeriodEnd(billingPeriod)
	if err != nil {
		return "", err
	}

	var txID string
	err = r.sessions.WithTenantTx(ctx, tenantID, func(ctx context.Context, tx pgx.Tx) error {
		sub, err := r.store.GetSubscription(ctx, tx, subscriptionID)
		if err != nil {
			return err
		}
		if sub.Status == billing.SubscriptionCancelled {
			return &domain.GatewayError{Reason: domain.ReasonSubscriptionCancelled}
		}

		cctx, cancel := context.WithTimeout(ctx, r.chargeTimeout)
		defer cancel()
		res, err := r.gateway.Charge(cctx, billing.ChargeRequest{
			AmountCents:     sub.AmountCents,
			Currency:        sub.Currency,
			PaymentMethodID: sub.PaymentMethodID,
			CustomerID:      sub.CustomerID,
			Description:     fmt.Sprintf("subscription %s renewal %s", subscriptionID, billingPeriod),
		})
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return &domain.GatewayError{Reason: domain.ReasonGatewayTimeout, Err: err}
			}
			return err
		}

		if err := r.store.InsertPayment(ctx, tx, &billing.Payment{
			TenantID:             tenantID,
			SubscriptionID:       subscriptionID,
			BillingPeriod:        billingPeriod,
			AmountCents:          sub.AmountCents,
			Currency:             sub.Currency,
			GatewayTransactionID: res.TransactionID,
		}); err != nil {
			return err
		}
		if err := r.store.ExtendPeriod(ctx, tx, subscriptionID, billingPeriod, periodEnd); err != nil {
			return err
		}
		if err := r.ledg.CompleteIn(ctx, tx, fp, res.TransactionID); err != nil {
			return err
		}
		txID = res.TransactionID
		return nil
	})
	return txID, err
}
