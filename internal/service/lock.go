package service

import (
	"context"
	"fmt"
	"time"

	"consult-service/pkg/utils"

	"github.com/go-redis/redis/v8"
)

const sweepLockKey = "sweep:lock"

// compare-and-delete so an expired holder cannot release a newer lock
var releaseLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`)

// SweepLock 跨实例的清扫互斥锁；Redis 未配置时为空操作
type SweepLock struct {
	rdb   *redis.Client
	key   string
	token string
}

// AcquireSweepLock returns ErrSweepInProgress when another holder owns the lock.
func AcquireSweepLock(ctx context.Context, rdb *redis.Client, ttl time.Duration) (*SweepLock, error) {
	if rdb == nil {
		return &SweepLock{}, nil
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	token := utils.GenerateID()
	ok, err := rdb.SetNX(ctx, sweepLockKey, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire sweep lock: %w", err)
	}
	if !ok {
		return nil, ErrSweepInProgress
	}
	return &SweepLock{rdb: rdb, key: sweepLockKey, token: token}, nil
}

// Release reports whether this holder still owned the lock.
func (l *SweepLock) Release(ctx context.Context) (bool, error) {
	if l == nil || l.rdb == nil {
		return true, nil
	}
	n, err := releaseLockScript.Run(ctx, l.rdb, []string{l.key}, l.token).Int()
	if err != nil {
		return false, fmt.Errorf("release sweep lock: %w", err)
	}
	return n == 1, nil
}
