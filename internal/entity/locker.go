package entity

import (
	"context"
	"time"
)

// TradeLocker guards a logical trade key with a time-bounded lease.
type TradeLocker interface {
	Acquire(ctx context.Context, key string, lease time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
	IsLocked(ctx context.Context, key string) (bool, error)
}
