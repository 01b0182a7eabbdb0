package lock

import (
	"context"
	"sync"
	"time"
)

// MemoryLocker is a single-process Locker.
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]memEntry
	seq   uint64
	clock func() time.Time
}

type memEntry struct {
	id      uint64
	expires time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]memEntry), clock: time.Now}
}

func (l *MemoryLocker) Acquire(ctx context.Context, key string, lease, wait time.Duration) (Lease, error) {
	var id uint64
	err := acquire(ctx, wait, func() (bool, error) {
		l.mu.Lock()
		defer l.mu.Unlock()

		now := l.clock()
		if e, ok := l.held[key]; ok && now.Before(e.expires) {
			return false, nil
		}
		l.seq++
		id = l.seq
		l.held[key] = memEntry{id: id, expires: now.Add(lease)}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return &memLease{locker: l, key: key, id: id}, nil
}

type memLease struct {
	locker *MemoryLocker
	key    string
	id     uint64
}

func (m *memLease) Release(context.Context) error {
	m.locker.mu.Lock()
	defer m.locker.mu.Unlock()
	if e, ok := m.locker.held[m.key]; ok && e.id == m.id {
		delete(m.locker.held, m.key)
	}
	return nil
}
