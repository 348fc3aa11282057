// Package lock provides the TTL-based mutual exclusion primitive scoping
// concurrency down to the fingerprint level. At most one live lock exists
// per key; acquisition is atomic set-if-not-exists and never blocks.
package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tidebill/renewd/internal/domain"
)

// releaseScript deletes the key only when the caller still owns it, so a
// slow attempt whose lock already expired cannot release a successor's lock.
const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

// Client is the slice of the Redis API the locker uses. *redis.Client
// satisfies it.
type Client interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

type Locker struct {
	rdb Client
	ttl time.Duration
	log *zap.Logger
}

func New(rdb Client, ttl time.Duration, log *zap.Logger) *Locker {
	return &Locker{rdb: rdb, ttl: ttl, log: log}
}

// Lease is a held lock. Release it on every exit path; the TTL is the
// backstop for the path where the process dies first.
type Lease struct {
	key    string
	owner  string
	locker *Locker
}

func (l *Lease) Key() string   { return l.key }
func (l *Lease) Owner() string { return l.owner }

// Acquire takes the lock for key or fails fast with domain.ErrLockHeld.
func (l *Locker) Acquire(ctx context.Context, key string) (*Lease, error) {
	owner := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, "lock:"+key, owner, l.ttl).Result()
	if err != nil {
		return nil, pkgerrors.Wrap(err, "acquire lock")
	}
	if !ok {
		return nil, domain.ErrLockHeld
	}
	return &Lease{key: key, owner: owner, locker: l}, nil
}

// Release frees the lease if this attempt still owns it. A lease that
// already expired is logged and otherwise ignored.
func (le *Lease) Release(ctx context.Context) error {
	res, err := le.locker.rdb.Eval(ctx, releaseScript, []string{"lock:" + le.key}, le.owner).Result()
	if err != nil {
		return pkgerrors.Wrap(err, "release lock")
	}
	if n, ok := res.(int64); ok && n == 0 {
		le.locker.log.Warn("lock expired before release",
			zap.String("key", le.key),
			zap.String("owner", le.owner))
	}
	return nil
}
