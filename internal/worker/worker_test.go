package worker

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/tidebill/renewd/internal/domain"
	"github.com/tidebill/renewd/internal/executor"
	"github.com/tidebill/renewd/internal/fingerprint"
	"github.com/tidebill/renewd/internal/queue"
	"github.com/tidebill/renewd/internal/retry"
)

type retryCall struct {
	msg   *domain.Message
	delay time.Duration
}

type dlqCall struct {
	msg    *domain.Message
	reason string
	cause  string
}

type fakeBroker struct {
	acks    int
	retries []retryCall
	dlq     []dlqCall
}

func (f *fakeBroker) Dequeue(ctx context.Context, dom string, block time.Duration) (*queue.Delivery, error) {
	return nil, nil
}

func (f *fakeBroker) Ack(ctx context.Context, d *queue.Delivery) error {
	f.acks++
	return nil
}

func (f *fakeBroker) ScheduleRetry(ctx context.Context, msg *domain.Message, delay time.Duration) error {
	f.retries = append(f.retries, retryCall{msg: msg, delay: delay})
	return nil
}

func (f *fakeBroker) DeadLetter(ctx context.Context, msg *domain.Message, reason, cause string) error {
	f.dlq = append(f.dlq, dlqCall{msg: msg, reason: reason, cause: cause})
	return nil
}

type fakeExec struct {
	results []*executor.Result
	errs    []error
	calls   int
}

func (f *fakeExec) Execute(ctx context.Context, msg *domain.Message) (*executor.Result, error) {
	i := f.calls
	f.calls++
	return f.results[i], f.errs[i]
}

type fakeMarker struct {
	fps    []string
	causes []string
}

func (f *fakeMarker) MarkDeadLettered(ctx context.Context, fp, cause string) error {
	f.fps = append(f.fps, fp)
	f.causes = append(f.causes, cause)
	return nil
}

func delivery(attempt int) *queue.Delivery {
	payload := domain.RenewalPayload{SubscriptionID: "sub-1", BillingPeriod: "2025-03"}
	return &queue.Delivery{Msg: &domain.Message{
		ID:          "msg-1",
		Domain:      "billing",
		Job:         "subscription.renew",
		TenantID:    7,
		Fingerprint: fingerprint.Renewal("sub-1", "2025-03"),
		Payload:     payload.Encode(),
		Attempt:     attempt,
	}}
}

func newWorker(b *fakeBroker, e Executor, m DeadLetterMarker) *Worker {
	policy := retry.Policy{BaseDelay: 30 * time.Second, MaxAttempts: 3}
	return New(b, e, m, policy, "billing", 1, time.Minute, zap.NewNop())
}

func TestDuplicateEnqueuesBothAcked(t *testing.T) {
	// Upstream network retry enqueued the same renewal twice: one charge,
	// two acknowledged messages.
	b := &fakeBroker{}
	e := &fakeExec{
		results: []*executor.Result{
			{Fingerprint: "fp", TransactionID: "txn-1"},
			{Fingerprint: "fp", TransactionID: "txn-1", AlreadyCompleted: true},
		},
		errs: []error{nil, nil},
	}
	w := newWorker(b, e, &fakeMarker{})

	w.Handle(context.Background(), delivery(1))
	w.Handle(context.Background(), delivery(1))

	if b.acks != 2 {
		t.Fatalf("acks = %d, want 2", b.acks)
	}
	if len(b.retries) != 0 || len(b.dlq) != 0 {
		t.Fatalf("unexpected retries/dlq: %d/%d", len(b.retries), len(b.dlq))
	}
}

func TestPermanentFailureNotRescheduled(t *testing.T) {
	b := &fakeBroker{}
	e := &fakeExec{
		results: []*executor.Result{nil},
		errs:    []error{&domain.GatewayError{Reason: domain.ReasonCardDeclined}},
	}
	w := newWorker(b, e, &fakeMarker{})

	w.Handle(context.Background(), delivery(1))

	if len(b.retries) != 0 {
		t.Fatal("permanent failure was rescheduled")
	}
	if len(b.dlq) != 0 {
		t.Fatal("permanent failure was dead-lettered; it is already on the ledger")
	}
	if b.acks != 1 {
		t.Fatalf("acks = %d, want 1", b.acks)
	}
}

func TestTransientFailureBacksOff(t *testing.T) {
	b := &fakeBroker{}
	e := &fakeExec{
		results: []*executor.Result{nil},
		errs:    []error{&domain.GatewayError{Reason: domain.ReasonGatewayTimeout}},
	}
	w := newWorker(b, e, &fakeMarker{})

	w.Handle(context.Background(), delivery(1))

	if len(b.retries) != 1 {
		t.Fatalf("retries = %d, want 1", len(b.retries))
	}
	r := b.retries[0]
	if r.msg.Attempt != 2 {
		t.Fatalf("retry attempt = %d, want 2", r.msg.Attempt)
	}
	if r.delay != time.Minute {
		t.Fatalf("retry delay = %v, want 1m (30s doubled)", r.delay)
	}
	if b.acks != 1 {
		t.Fatalf("acks = %d, want 1", b.acks)
	}
}

func TestRetryExhaustionDeadLetters(t *testing.T) {
	// Third timeout on a cap of three: the message goes to the billing DLQ
	// and the ledger is marked dead_letter (still replayable).
	b := &fakeBroker{}
	e := &fakeExec{
		results: []*executor.Result{nil},
		errs:    []error{&domain.GatewayError{Reason: domain.ReasonGatewayTimeout}},
	}
	m := &fakeMarker{}
	w := newWorker(b, e, m)

	w.Handle(context.Background(), delivery(3))

	if len(b.retries) != 0 {
		t.Fatal("exhausted message was rescheduled")
	}
	if len(b.dlq) != 1 || b.dlq[0].reason != domain.DLQReasonMaxRetries {
		t.Fatalf("dlq = %+v, want one max_retries entry", b.dlq)
	}
	if len(m.fps) != 1 || m.fps[0] != fingerprint.Renewal("sub-1", "2025-03") {
		t.Fatalf("ledger dead-letter marks = %v", m.fps)
	}
	if b.acks != 1 {
		t.Fatalf("acks = %d, want 1", b.acks)
	}
}

func TestIsolationViolationDeadLettersLoudly(t *testing.T) {
	b := &fakeBroker{}
	e := &fakeExec{
		results: []*executor.Result{nil},
		errs:    []error{&domain.IsolationViolation{Expected: 7, Actual: "9"}},
	}
	w := newWorker(b, e, &fakeMarker{})

	w.Handle(context.Background(), delivery(1))

	if len(b.retries) != 0 {
		t.Fatal("isolation violation crossed a retry boundary")
	}
	if len(b.dlq) != 1 || b.dlq[0].reason != domain.DLQReasonIsolationViolation {
		t.Fatalf("dlq = %+v, want one isolation_violation entry", b.dlq)
	}
}

func TestInvalidMessageDeadLetters(t *testing.T) {
	b := &fakeBroker{}
	e := &fakeExec{
		results: []*executor.Result{nil},
		errs:    []error{domain.Validationf("renewal payload missing subscription_id or billing_period")},
	}
	w := newWorker(b, e, &fakeMarker{})

	w.Handle(context.Background(), delivery(1))

	if len(b.dlq) != 1 || b.dlq[0].reason != domain.DLQReasonInvalidMessage {
		t.Fatalf("dlq = %+v, want one invalid_message entry", b.dlq)
	}
	if len(b.retries) != 0 {
		t.Fatal("validation error crossed a retry boundary")
	}
}
