package locker

import (
	"fmt"
	"time"

	"github.com/krobus00/execution-service/internal/config"
	"github.com/krobus00/execution-service/internal/constant"
	"github.com/krobus00/execution-service/internal/entity"
	"github.com/redis/go-redis/v9"
)

const DefaultLease = 10 * time.Second

// NewTradeLocker selects the lock variant from config. The redis client is only
// required for the redis driver.
func NewTradeLocker(cfg config.LockConfig, client *redis.Client) (entity.TradeLocker, error) {
	switch cfg.Driver {
	case "", constant.LockDriverMemory:
		return NewMemoryTradeLocker(), nil
	case constant.LockDriverRedis:
		if client == nil {
			return nil, fmt.Errorf("redis lock driver requires a redis client")
		}
		return NewRedisTradeLocker(client, cfg.Prefix), nil
	default:
		return nil, fmt.Errorf("unsupported lock driver: %s", cfg.Driver)
	}
}

func resolveLease(lease time.Duration) time.Duration {
	if lease <= 0 {
		return DefaultLease
	}

	return lease
}
