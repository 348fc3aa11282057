// Package worker consumes domain queue messages and drives the executor,
// turning its errors into retry, dead-letter, or ack decisions. Messages are
// acknowledged only after handling finishes, so a worker crash mid-job
// causes redelivery rather than job loss.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tidebill/renewd/internal/domain"
	"github.com/tidebill/renewd/internal/executor"
	"github.com/tidebill/renewd/internal/fingerprint"
	"github.com/tidebill/renewd/internal/queue"
	"github.com/tidebill/renewd/internal/retry"
)

const dequeueBlock = 5 * time.Second

// Executor runs a single attempt.
type Executor interface {
	Execute(ctx context.Context, msg *domain.Message) (*executor.Result, error)
}

// Broker is the slice of the queue router the worker uses.
type Broker interface {
	Dequeue(ctx context.Context, dom string, block time.Duration) (*queue.Delivery, error)
	Ack(ctx context.Context, d *queue.Delivery) error
	ScheduleRetry(ctx context.Context, msg *domain.Message, delay time.Duration) error
	DeadLetter(ctx context.Context, msg *domain.Message, reason, cause string) error
}

// DeadLetterMarker records the DLQ routing on the job ledger.
type DeadLetterMarker interface {
	MarkDeadLettered(ctx context.Context, fp, cause string) error
}

type Worker struct {
	broker      Broker
	exec        Executor
	ledg        DeadLetterMarker
	policy      retry.Policy
	domain      string
	concurrency int
	softTimeout time.Duration
	log         *zap.Logger
}

func New(broker Broker, exec Executor, ledg DeadLetterMarker, policy retry.Policy, dom string, concurrency int, softTimeout time.Duration, log *zap.Logger) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Worker{
		broker:      broker,
		exec:        exec,
		ledg:        ledg,
		policy:      policy,
		domain:      dom,
		concurrency: concurrency,
		softTimeout: softTimeout,
		log:         log,
	}
}

// Run consumes the domain queue until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		g.Go(func() error {
			for {
				if err := ctx.Err(); err != nil {
					return err
				}
				d, err := w.broker.Dequeue(ctx, w.domain, dequeueBlock)
				if err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					w.log.Error("dequeue failed", zap.String("domain", w.domain), zap.Error(err))
					time.Sleep(time.Second)
					continue
				}
				if d == nil {
					continue
				}
				w.Handle(ctx, d)
			}
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Handle runs one delivery to a decision and always acks it: the message's
// future lives on as a scheduled retry, a dead letter, or nothing at all.
func (w *Worker) Handle(ctx context.Context, d *queue.Delivery) {
	msg := d.Msg

	// Soft limit: the attempt is asked to wind down cleanly; the lock TTL
	// sits far above the hard limit enforced outside this process.
	cctx, cancel := context.WithTimeout(ctx, w.softTimeout)
	res, err := w.exec.Execute(cctx, msg)
	cancel()

	if err == nil {
		if res.AlreadyCompleted {
			w.log.Info("duplicate absorbed",
				zap.String("fingerprint", res.Fingerprint),
				zap.String("transaction_id", res.TransactionID))
		}
		w.ack(ctx, d)
		return
	}

	var iv *domain.IsolationViolation
	var ve *domain.ValidationError
	switch {
	case errors.As(err, &iv):
		// Fatal. Never retried, never silent.
		w.log.Error("FATAL tenant isolation violation, paging on-call",
			zap.Int64("tenant", msg.TenantID),
			zap.Error(err))
		w.deadLetter(ctx, d, domain.DLQReasonIsolationViolation, err)

	case errors.As(err, &ve):
		w.log.Error("invalid message rejected", zap.String("message_id", msg.ID), zap.Error(err))
		w.deadLetter(ctx, d, domain.DLQReasonInvalidMessage, err)

	case retry.Classify(err) == retry.Permanent:
		// The executor already terminalized the ledger row; the billing
		// alert to the account surfaces through the notification system.
		w.log.Warn("permanent failure, no retry",
			zap.String("message_id", msg.ID),
			zap.Error(err))
		w.ack(ctx, d)

	default:
		w.retryOrDeadLetter(ctx, d, err)
	}
}

func (w *Worker) retryOrDeadLetter(ctx context.Context, d *queue.Delivery, cause error) {
	msg := d.Msg
	next := msg.Attempt + 1
	if w.policy.Exhausted(next) {
		ex := &domain.RetryExhausted{Attempts: msg.Attempt, Last: cause}
		w.log.Warn("retries exhausted, dead-lettering",
			zap.String("message_id", msg.ID),
			zap.Int("attempts", msg.Attempt),
			zap.Error(cause))
		if err := w.ledg.MarkDeadLettered(ctx, w.messageFingerprint(msg), ex.Error()); err != nil {
			w.log.Error("ledger dead-letter mark failed", zap.Error(err))
		}
		w.deadLetter(ctx, d, domain.DLQReasonMaxRetries, ex)
		return
	}

	delay := w.policy.Delay(next)
	retryMsg := *msg
	retryMsg.Attempt = next
	w.log.Info("scheduling retry",
		zap.String("message_id", msg.ID),
		zap.Int("attempt", next),
		zap.Duration("delay", delay),
		zap.Error(cause))
	if err := w.broker.ScheduleRetry(ctx, &retryMsg, delay); err != nil {
		// The unacked original would redeliver anyway; log and leave it.
		w.log.Error("retry scheduling failed", zap.Error(err))
		return
	}
	w.ack(ctx, d)
}

func (w *Worker) messageFingerprint(msg *domain.Message) string {
	if msg.Fingerprint != "" {
		return msg.Fingerprint
	}
	p, err := domain.DecodeRenewalPayload(msg.Payload)
	if err != nil {
		return ""
	}
	return fingerprint.Renewal(p.SubscriptionID, p.BillingPeriod)
}

func (w *Worker) deadLetter(ctx context.Context, d *queue.Delivery, reason string, cause error) {
	if err := w.broker.DeadLetter(ctx, d.Msg, reason, cause.Error()); err != nil {
		w.log.Error("dead-letter failed", zap.Error(err))
		return
	}
	w.ack(ctx, d)
}

func (w *Worker) ack(ctx context.Context, d *queue.Delivery) {
	if err := w.broker.Ack(context.WithoutCancel(ctx), d); err != nil {
		w.log.Error("ack failed", zap.Error(err))
	}
}
