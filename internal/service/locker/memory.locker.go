package locker

import (
	"context"
	"sync"
	"time"
)

// MemoryTradeLocker only guarantees mutual exclusion inside one process.
type MemoryTradeLocker struct {
	mu    sync.Mutex
	locks map[string]time.Time
	now   func() time.Time
}

func NewMemoryTradeLocker() *MemoryTradeLocker {
	return &MemoryTradeLocker{
		locks: make(map[string]time.Time),
		now:   time.Now,
	}
}

func (l *MemoryTradeLocker) Acquire(ctx context.Context, key string, lease time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if expiresAt, ok := l.locks[key]; ok && expiresAt.After(now) {
		return false, nil
	}

	l.locks[key] = now.Add(resolveLease(lease))
	return true, nil
}

func (l *MemoryTradeLocker) Release(_ context.Context, key string) error {
	l.mu.Lock()
	delete(l.locks, key)
	l.mu.Unlock()

	return nil
}

func (l *MemoryTradeLocker) IsLocked(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	expiresAt, ok := l.locks[key]
	return ok && expiresAt.After(l.now()), nil
}
