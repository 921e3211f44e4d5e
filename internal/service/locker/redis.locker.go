package locker

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultLockPrefix = "lock:"

// RedisTradeLocker shares lock state across every instance pointing at the same redis.
type RedisTradeLocker struct {
	client *redis.Client
	prefix string
	owner  string
}

func NewRedisTradeLocker(client *redis.Client, prefix string) *RedisTradeLocker {
	if prefix == "" {
		prefix = defaultLockPrefix
	}

	owner, err := os.Hostname()
	if err != nil || owner == "" {
		owner = "1"
	}

	return &RedisTradeLocker{
		client: client,
		prefix: prefix,
		owner:  owner,
	}
}

// Acquire fails closed: any redis error is returned alongside false.
func (l *RedisTradeLocker) Acquire(ctx context.Context, key string, lease time.Duration) (bool, error) {
	acquired, err := l.client.SetNX(ctx, l.lockKey(key), l.owner, resolveLease(lease)).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", key, err)
	}

	return acquired, nil
}

func (l *RedisTradeLocker) Release(ctx context.Context, key string) error {
	if err := l.client.Del(ctx, l.lockKey(key)).Err(); err != nil {
		return fmt.Errorf("release lock %s: %w", key, err)
	}

	return nil
}

func (l *RedisTradeLocker) IsLocked(ctx context.Context, key string) (bool, error) {
	ttl, err := l.client.PTTL(ctx, l.lockKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("inspect lock %s: %w", key, err)
	}

	return ttl > 0, nil
}

func (l *RedisTradeLocker) lockKey(key string) string {
	return l.prefix + key
}
