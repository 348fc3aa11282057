// Package fingerprint derives deterministic idempotency keys from stable
// business identifiers. The same inputs always yield the same key, so
// duplicate enqueues collapse onto one ledger row and one lock.
package fingerprint

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// sep cannot appear in subscription ids or period strings, so distinct
// input pairs never collide by concatenation.
const sep = "\x1f"

// Renewal returns the idempotency key for one (subscription, billing-period)
// pair. It doubles as the lock key and the ledger primary key.
func Renewal(subscriptionID, billingPeriod string) string {
	sum := xxhash.Sum64String("renewal" + sep + subscriptionID + sep + billingPeriod)
	return fmt.Sprintf("renewal:%016x", sum)
}
