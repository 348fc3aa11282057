package retry

import (
	"testing"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/tidebill/renewd/internal/domain"
)

func TestClassifyPermanentAllowList(t *testing.T) {
	for _, reason := range []string{
		domain.ReasonInsufficientFunds,
		domain.ReasonCardDeclined,
		domain.ReasonInvalidPaymentMethod,
		domain.ReasonSubscriptionCancelled,
	} {
		err := &domain.GatewayError{Reason: reason}
		if Classify(err) != Permanent {
			t.Errorf("reason %s should be permanent", reason)
		}
	}
}

func TestClassifyTransient(t *testing.T) {
	cases := []error{
		&domain.GatewayError{Reason: domain.ReasonGatewayTimeout},
		&domain.GatewayError{Reason: domain.ReasonGatewayUnavailable},
		&domain.GatewayError{Reason: "some_new_gateway_code"},
		domain.ErrLockHeld,
		pkgerrors.New("connection reset by peer"),
	}
	for _, err := range cases {
		if Classify(err) != Transient {
			t.Errorf("%v should be transient", err)
		}
	}
}

func TestClassifyWrappedGatewayError(t *testing.T) {
	err := pkgerrors.Wrap(&domain.GatewayError{Reason: domain.ReasonCardDeclined}, "charge")
	if Classify(err) != Permanent {
		t.Fatal("wrapped card_declined should still classify permanent")
	}
}

func TestClassifyFatalErrorsNeverRetry(t *testing.T) {
	if Classify(&domain.ValidationError{Msg: "bad tenant"}) != Permanent {
		t.Error("validation errors must not cross a retry boundary")
	}
	if Classify(&domain.IsolationViolation{Expected: 7, Actual: "9"}) != Permanent {
		t.Error("isolation violations must not cross a retry boundary")
	}
	if Classify(domain.ErrLedgerTerminal) != Permanent {
		t.Error("terminal ledger records must not be retried")
	}
}

func TestBackoffSchedule(t *testing.T) {
	p := Policy{BaseDelay: 30 * time.Second, MaxAttempts: 3}
	want := []time.Duration{30 * time.Second, time.Minute, 2 * time.Minute}
	for i, w := range want {
		if got := p.Delay(i + 1); got != w {
			t.Errorf("attempt %d: delay = %v, want %v", i+1, got, w)
		}
	}
}

func TestExhausted(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxAttempts: 3}
	for n := 1; n <= 3; n++ {
		if p.Exhausted(n) {
			t.Errorf("attempt %d should be allowed", n)
		}
	}
	if !p.Exhausted(4) {
		t.Error("attempt 4 should exceed the cap")
	}
}
