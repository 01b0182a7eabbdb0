// Package lock provides per-key mutual exclusion with an explicit lease and a
// bounded wait. Keys are typically vehicle ids.
package lock

import (
	"context"
	"errors"
	"time"
)

// ErrLockHeld is returned when the key stayed locked for the whole wait.
var ErrLockHeld = errors.New("lock held")

const pollInterval = 50 * time.Millisecond

// Locker acquires a lease on key. The lease expires on its own after lease
// even if never released. wait bounds how long Acquire blocks; zero means a
// single attempt.
type Locker interface {
	Acquire(ctx context.Context, key string, lease, wait time.Duration) (Lease, error)
}

type Lease interface {
	// Release frees the key if this lease still owns it.
	Release(ctx context.Context) error
}

// acquire retries try until it succeeds, wait elapses or ctx is done.
func acquire(ctx context.Context, wait time.Duration, try func() (bool, error)) error {
	deadline := time.Now().Add(wait)
	for {
		ok, err := try()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrLockHeld
		}
		sleep := pollInterval
		if remaining < sleep {
			sleep = remaining
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
