package billing

import (
	"context"

	"github.com/google/uuid"
)

// DevGateway approves every charge with a synthetic transaction id. It
// stands in for the real processor client in development and tests; the
// production wiring swaps in the processor-specific implementation.
type DevGateway struct{}

func (DevGateway) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	if err := ctx.Err(); err != nil {
		return ChargeResult{}, err
	}
	return ChargeResult{TransactionID: "dev_" + uuid.NewString()}, nil
}
