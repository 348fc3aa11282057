// Package queue routes job messages to domain-specific Redis queues. Each
// domain gets its own queue, delay set, and dead-letter queue, so a backlog
// in one domain (reports) can never starve delivery in another (billing).
//
// Delivery is at-least-once with ack-after-completion: a dequeued message
// moves to a processing list and is tracked in a claims set; it only leaves
// both when the handler acks. A worker crash mid-job means the claim
// deadline lapses and Reclaim pushes the message back onto the live queue.
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tidebill/renewd/internal/domain"
)

// Route describes one domain's queue topology.
type Route struct {
	Domain     string
	MessageTTL time.Duration
}

func (r Route) queueKey() string      { return "queue:" + r.Domain }
func (r Route) delayKey() string      { return "delay:" + r.Domain }
func (r Route) processingKey() string { return "processing:" + r.Domain }
func (r Route) claimsKey() string     { return "claims:" + r.Domain }
func (r Route) dlqKey() string        { return "dlq:" + r.Domain }

// DefaultRoutes is the standing topology. TTLs are domain-appropriate: a
// billing message older than an hour is better dead-lettered than charged
// late against a state nobody expects.
func DefaultRoutes() []Route {
	return []Route{
		{Domain: "billing", MessageTTL: time.Hour},
		{Domain: "notifications", MessageTTL: 30 * time.Minute},
		{Domain: "reports", MessageTTL: 2 * time.Hour},
		{Domain: "backups", MessageTTL: 4 * time.Hour},
	}
}

// Broker is the slice of the Redis API the router uses. *redis.Client
// satisfies it.
type Broker interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LPop(ctx context.Context, key string) *redis.StringCmd
	LRem(ctx context.Context, key string, count int64, value interface{}) *redis.IntCmd
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	BLMove(ctx context.Context, source, destination, srcpos, destpos string, timeout time.Duration) *redis.StringCmd
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	ZScore(ctx context.Context, key, member string) *redis.FloatCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// moveDueScript promotes delayed messages whose time has come onto the live
// queue. Server-side so the promotion and the delay-set removal cannot be
// split by a crash.
// KEYS[1] delay zset, KEYS[2] queue; ARGV[1] now, ARGV[2] batch.
const moveDueScript = `local due = redis.call("zrangebyscore", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, ARGV[2])
for _, raw in ipairs(due) do
	redis.call("lpush", KEYS[2], raw)
	redis.call("zrem", KEYS[1], raw)
end
return #due`

// reclaimScript requeues in-flight messages whose claim deadline lapsed.
// KEYS[1] claims zset, KEYS[2] queue, KEYS[3] processing list;
// ARGV[1] now, ARGV[2] batch.
const reclaimScript = `local lapsed = redis.call("zrangebyscore", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, ARGV[2])
for _, raw in ipairs(lapsed) do
	redis.call("lpush", KEYS[2], raw)
	redis.call("lrem", KEYS[3], 1, raw)
	redis.call("zrem", KEYS[1], raw)
end
return #lapsed`

type Router struct {
	rdb      Broker
	routes   map[string]Route
	claimTTL time.Duration
	log      *zap.Logger
}

// New builds a router over routes. claimTTL is the visibility timeout for
// in-flight messages; it must exceed the hard job timeout.
func New(rdb Broker, routes []Route, claimTTL time.Duration, log *zap.Logger) *Router {
	m := make(map[string]Route, len(routes))
	for _, rt := range routes {
		m[rt.Domain] = rt
	}
	return &Router{rdb: rdb, routes: m, claimTTL: claimTTL, log: log}
}

func (r *Router) route(dom string) (Route, error) {
	rt, ok := r.routes[dom]
	if !ok {
		return Route{}, domain.Validationf("unknown queue domain %q", dom)
	}
	return rt, nil
}

// Enqueue stamps and pushes the message onto its domain queue. Duplicate
// enqueues for one fingerprint are expected and absorbed downstream.
func (r *Router) Enqueue(ctx context.Context, msg *domain.Message) error {
	rt, err := r.route(msg.Domain)
	if err != nil {
		return err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Attempt == 0 {
		msg.Attempt = 1
	}
	now := time.Now().UTC()
	msg.EnqueuedAt = now
	msg.ExpiresAt = now.Add(rt.MessageTTL)

	raw, err := msg.Encode()
	if err != nil {
		return err
	}
	return pkgerrors.Wrap(r.rdb.LPush(ctx, rt.queueKey(), raw).Err(), "enqueue")
}

// Delivery is one in-flight message. It stays on the processing list until
// Ack; losing the worker means Reclaim redelivers it.
type Delivery struct {
	Msg *domain.Message
	raw string
	dom string
}

// Dequeue blocks up to block for the next message. It returns (nil, nil) on
// timeout and when the popped message was expired or undecodable (those are
// dead-lettered and consumed here).
func (r *Router) Dequeue(ctx context.Context, dom string, block time.Duration) (*Delivery, error) {
	rt, err := r.route(dom)
	if err != nil {
		return nil, err
	}
	raw, err := r.rdb.BLMove(ctx, rt.queueKey(), rt.processingKey(), "right", "left", block).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "dequeue")
	}

	deadline := float64(time.Now().Add(r.claimTTL).Unix())
	if err := r.rdb.ZAdd(ctx, rt.claimsKey(), redis.Z{Score: deadline, Member: raw}).Err(); err != nil {
		// Without a claim nothing would ever reclaim this entry. Push it
		// back onto the live queue instead of leaving it stranded on the
		// processing list.
		_ = r.rdb.LPush(ctx, rt.queueKey(), raw).Err()
		_ = r.rdb.LRem(ctx, rt.processingKey(), 1, raw).Err()
		return nil, pkgerrors.Wrap(err, "record claim")
	}

	d := &Delivery{raw: raw, dom: dom}
	msg, err := domain.DecodeMessage(raw)
	if err != nil {
		r.log.Error("undecodable message dead-lettered", zap.String("domain", dom), zap.Error(err))
		_ = r.deadLetterRaw(ctx, rt, raw, domain.DLQReasonInvalidMessage, err.Error())
		_ = r.Ack(ctx, d)
		return nil, nil
	}
	d.Msg = msg

	if msg.Expired(time.Now().UTC()) {
		r.log.Warn("expired message dead-lettered",
			zap.String("domain", dom),
			zap.String("fingerprint", msg.Fingerprint))
		_ = r.DeadLetter(ctx, msg, domain.DLQReasonTTLExpired, "")
		_ = r.Ack(ctx, d)
		return nil, nil
	}
	return d, nil
}

// Ack removes the delivery from the processing list and claim set. Only
// call it after the handler has fully dealt with the message.
func (r *Router) Ack(ctx context.Context, d *Delivery) error {
	rt, err := r.route(d.dom)
	if err != nil {
		return err
	}
	if err := r.rdb.LRem(ctx, rt.processingKey(), 1, d.raw).Err(); err != nil {
		return pkgerrors.Wrap(err, "ack: remove from processing")
	}
	return pkgerrors.Wrap(r.rdb.ZRem(ctx, rt.claimsKey(), d.raw).Err(), "ack: drop claim")
}

// ScheduleRetry parks the message in the delay set until readyAt. The
// scheduler's MoveDue tick promotes it back onto the live queue.
func (r *Router) ScheduleRetry(ctx context.Context, msg *domain.Message, delay time.Duration) error {
	rt, err := r.route(msg.Domain)
	if err != nil {
		return err
	}
	raw, err := msg.Encode()
	if err != nil {
		return err
	}
	readyAt := float64(time.Now().Add(delay).Unix())
	return pkgerrors.Wrap(r.rdb.ZAdd(ctx, rt.delayKey(), redis.Z{Score: readyAt, Member: raw}).Err(), "schedule retry")
}

// MoveDue promotes delayed messages whose time has come onto the live
// queue, at most batch per call.
func (r *Router) MoveDue(ctx context.Context, dom string, now int64, batch int64) error {
	rt, err := r.route(dom)
	if err != nil {
		return err
	}
	err = r.rdb.Eval(ctx, moveDueScript, []string{rt.delayKey(), rt.queueKey()}, now, batch).Err()
	return pkgerrors.Wrap(err, "promote due messages")
}

// Reclaim requeues in-flight messages whose claim deadline lapsed, i.e.
// whose worker died mid-job. Redelivery is the point: the executor makes
// the duplicate harmless.
func (r *Router) Reclaim(ctx context.Context, dom string, now int64, batch int64) error {
	rt, err := r.route(dom)
	if err != nil {
		return err
	}
	n, err := r.rdb.Eval(ctx, reclaimScript,
		[]string{rt.claimsKey(), rt.queueKey(), rt.processingKey()}, now, batch).Int64()
	if err != nil {
		return pkgerrors.Wrap(err, "reclaim lapsed claims")
	}
	if n > 0 {
		r.log.Warn("reclaimed abandoned messages", zap.String("domain", dom), zap.Int64("count", n))
	}

	// Processing entries with no claim at all belong to a worker that died
	// between the queue move and the claim write. A racing worker that just
	// has not written its claim yet gets redelivered too; the executor
	// absorbs the duplicate.
	raws, err := r.rdb.LRange(ctx, rt.processingKey(), 0, batch-1).Result()
	if err != nil {
		return pkgerrors.Wrap(err, "scan processing list")
	}
	for _, raw := range raws {
		zerr := r.rdb.ZScore(ctx, rt.claimsKey(), raw).Err()
		if zerr == redis.Nil {
			if err := r.rdb.LPush(ctx, rt.queueKey(), raw).Err(); err != nil {
				return pkgerrors.Wrap(err, "requeue unclaimed message")
			}
			_ = r.rdb.LRem(ctx, rt.processingKey(), 1, raw).Err()
			r.log.Warn("requeued unclaimed in-flight message", zap.String("domain", dom))
			continue
		}
		if zerr != nil {
			return pkgerrors.Wrap(zerr, "check claim")
		}
	}
	return nil
}

// DeadLetter moves the message to the domain DLQ for manual inspection.
func (r *Router) DeadLetter(ctx context.Context, msg *domain.Message, reason, cause string) error {
	rt, err := r.route(msg.Domain)
	if err != nil {
		return err
	}
	dl := &domain.DeadLetter{Message: msg, Reason: reason, Error: cause, FailedAt: time.Now().UTC()}
	raw, err := dl.Encode()
	if err != nil {
		return err
	}
	return pkgerrors.Wrap(r.rdb.LPush(ctx, rt.dlqKey(), raw).Err(), "dead-letter")
}

// deadLetterRaw handles envelopes that failed to decode; the raw bytes ride
// along in the error text since there is no message to attach.
func (r *Router) deadLetterRaw(ctx context.Context, rt Route, raw, reason, cause string) error {
	dl := &domain.DeadLetter{Reason: reason, Error: cause + "; raw=" + raw, FailedAt: time.Now().UTC()}
	enc, err := dl.Encode()
	if err != nil {
		return err
	}
	return pkgerrors.Wrap(r.rdb.LPush(ctx, rt.dlqKey(), enc).Err(), "dead-letter raw")
}

// ListDLQ returns up to limit dead letters for inspection, newest first.
func (r *Router) ListDLQ(ctx context.Context, dom string, limit int64) ([]*domain.DeadLetter, error) {
	rt, err := r.route(dom)
	if err != nil {
		return nil, err
	}
	raws, err := r.rdb.LRange(ctx, rt.dlqKey(), 0, limit-1).Result()
	if err != nil {
		return nil, pkgerrors.Wrap(err, "list dlq")
	}
	out := make([]*domain.DeadLetter, 0, len(raws))
	for _, raw := range raws {
		dl, err := domain.DecodeDeadLetter(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, dl)
	}
	return out, nil
}

// ReplayDLQ pops up to max dead letters and re-enqueues their messages with
// a fresh attempt budget. Returns how many were replayed.
func (r *Router) ReplayDLQ(ctx context.Context, dom string, max int) (int, error) {
	rt, err := r.route(dom)
	if err != nil {
		return 0, err
	}
	replayed := 0
	for i := 0; i < max; i++ {
		raw, err := r.rdb.LPop(ctx, rt.dlqKey()).Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return replayed, pkgerrors.Wrap(err, "pop dlq")
		}
		dl, err := domain.DecodeDeadLetter(raw)
		if err != nil || dl.Message == nil {
			r.log.Warn("skipping unreplayable dead letter", zap.String("domain", dom))
			continue
		}
		msg := *dl.Message
		msg.ID = ""
		msg.Attempt = 0
		if err := r.Enqueue(ctx, &msg); err != nil {
			return replayed, err
		}
		replayed++
	}
	return replayed, nil
}
