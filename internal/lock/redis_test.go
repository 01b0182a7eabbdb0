package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisLocker(client, "calc:lock:"), mr
}

func TestRedisLockerExclusive(t *testing.T) {
	l, mr := newRedisLocker(t)
	ctx := context.Background()

	lease, err := l.Acquire(ctx, "v1", time.Minute, 0)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !mr.Exists("calc:lock:v1") {
		t.Fatalf("lock key not set")
	}
	if ttl := mr.TTL("calc:lock:v1"); ttl != time.Minute {
		t.Fatalf("ttl = %s, want 1m", ttl)
	}

	if _, err := l.Acquire(ctx, "v1", time.Minute, 0); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("expected ErrLockHeld, got %v", err)
	}
	if _, err := l.Acquire(ctx, "v2", time.Minute, 0); err != nil {
		t.Fatalf("other key should be free: %v", err)
	}

	if err := lease.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if mr.Exists("calc:lock:v1") {
		t.Fatalf("lock key still present after release")
	}
	if _, err := l.Acquire(ctx, "v1", time.Minute, 0); err != nil {
		t.Fatalf("reacquire: %v", err)
	}
}

func TestRedisLockerLeaseExpires(t *testing.T) {
	l, mr := newRedisLocker(t)
	ctx := context.Background()

	stale, err := l.Acquire(ctx, "v1", time.Minute, 0)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	mr.FastForward(2 * time.Minute)

	fresh, err := l.Acquire(ctx, "v1", time.Minute, 0)
	if err != nil {
		t.Fatalf("acquire after expiry: %v", err)
	}

	// the expired holder must not free the new owner's lock
	if err := stale.Release(ctx); err != nil {
		t.Fatalf("stale release: %v", err)
	}
	if !mr.Exists("calc:lock:v1") {
		t.Fatalf("stale lease deleted a lock it no longer owns")
	}
	if err := fresh.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestRedisLockerWaitsForRelease(t *testing.T) {
	l, _ := newRedisLocker(t)
	ctx := context.Background()

	lease, err := l.Acquire(ctx, "v1", time.Minute, 0)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	go func() {
		time.Sleep(100 * time.Millisecond)
		lease.Release(ctx)
	}()

	if _, err := l.Acquire(ctx, "v1", time.Minute, 5*time.Second); err != nil {
		t.Fatalf("expected to acquire after release, got %v", err)
	}
}

func TestRedisLockerUnavailable(t *testing.T) {
	l, mr := newRedisLocker(t)
	mr.Close()

	_, err := l.Acquire(context.Background(), "v1", time.Minute, 0)
	if err == nil || errors.Is(err, ErrLockHeld) {
		t.Fatalf("expected connection error, got %v", err)
	}
}
