package billing

import "context"

// ChargeRequest is what the external payment gateway needs to take money.
type ChargeRequest struct {
	AmountCents     int64
	Currency        string
	PaymentMethodID string
	CustomerID      string
	Description     string
}

type ChargeResult struct {
	TransactionID string
}

// Gateway is the narrow interface over the external payment processor. The
// call is opaque, possibly slow, possibly flaky, and not idempotent; every
// locking and ledger decision upstream exists because of that.
type Gateway interface {
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
}
