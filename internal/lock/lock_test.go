package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tidebill/renewd/internal/domain"
)

// fakeClient emulates the SetNX/Eval subset of Redis with an in-memory map.
type fakeClient struct {
	mu   sync.Mutex
	data map[string]string
}

func newFakeClient() *fakeClient {
	return &fakeClient{data: map[string]string{}}
}

func (f *fakeClient) SetNX(ctx context.Context, key string, value interface{}, _ time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.data[key] = value.(string)
	return redis.NewBoolResult(true, nil)
}

func (f *fakeClient) Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.data[keys[0]] == args[0].(string) {
		delete(f.data, keys[0])
		return redis.NewCmdResult(int64(1), nil)
	}
	return redis.NewCmdResult(int64(0), nil)
}

// expire simulates TTL expiry of a held lock.
func (f *fakeClient) expire(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key)
}

func TestAcquireRelease(t *testing.T) {
	ctx := context.Background()
	l := New(newFakeClient(), 5*time.Minute, zap.NewNop())

	lease, err := l.Acquire(ctx, "fp-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := lease.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}

	// Released lock is acquirable again.
	if _, err := l.Acquire(ctx, "fp-1"); err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
}

func TestAcquireContention(t *testing.T) {
	ctx := context.Background()
	l := New(newFakeClient(), 5*time.Minute, zap.NewNop())

	if _, err := l.Acquire(ctx, "fp-1"); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	_, err := l.Acquire(ctx, "fp-1")
	if !errors.Is(err, domain.ErrLockHeld) {
		t.Fatalf("second acquire = %v, want ErrLockHeld", err)
	}
	// A different key is unaffected.
	if _, err := l.Acquire(ctx, "fp-2"); err != nil {
		t.Fatalf("acquire other key: %v", err)
	}
}

func TestReleaseAfterExpiryDoesNotStealSuccessor(t *testing.T) {
	ctx := context.Background()
	fc := newFakeClient()
	l := New(fc, 5*time.Minute, zap.NewNop())

	old, err := l.Acquire(ctx, "fp-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	fc.expire("lock:fp-1")

	succ, err := l.Acquire(ctx, "fp-1")
	if err != nil {
		t.Fatalf("successor acquire: %v", err)
	}
	// The expired holder's release must be a no-op, not delete the
	// successor's lock.
	if err := old.Release(ctx); err != nil {
		t.Fatalf("stale release: %v", err)
	}
	if _, err := l.Acquire(ctx, "fp-1"); !errors.Is(err, domain.ErrLockHeld) {
		t.Fatalf("successor lock was stolen: acquire = %v, want ErrLockHeld", err)
	}
	if err := succ.Release(ctx); err != nil {
		t.Fatalf("successor release: %v", err)
	}
}

func TestMutualExclusionUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	l := New(newFakeClient(), 5*time.Minute, zap.NewNop())

	var mu sync.Mutex
	inside := 0
	maxInside := 0
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := l.Acquire(ctx, "fp-shared")
			if err != nil {
				return
			}
			mu.Lock()
			inside++
			if inside > maxInside {
				maxInside = inside
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
			_ = lease.Release(ctx)
		}()
	}
	wg.Wait()
	if maxInside > 1 {
		t.Fatalf("lock windows overlapped: %d attempts inside at once", maxInside)
	}
}
