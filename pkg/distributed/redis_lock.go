package distributed

import (
	"context"
	"fmt"
	"time"

	"uptime/internal/logger"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// 只有持有者才能释放或续期
var (
	unlockScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)
	renewScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)
)

// RedisLock Redis 分布式锁
type RedisLock struct {
	client   *redis.Client
	key      string
	value    string
	expiry   time.Duration
	ctx      context.Context
	cancelFn context.CancelFunc
}

// NewRedisLock 创建锁；client 为 nil 时 TryLock 总是失败
func NewRedisLock(client *redis.Client, key string, expiry time.Duration) *RedisLock {
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisLock{
		client:   client,
		key:      key,
		value:    uuid.New().String(),
		expiry:   expiry,
		ctx:      ctx,
		cancelFn: cancel,
	}
}

// TryLock 尝试获取锁（非阻塞），成功后自动续期直到 Unlock
func (l *RedisLock) TryLock(ctx context.Context) (bool, error) {
	if l.client == nil {
		return false, nil
	}

	ok, err := l.client.SetNX(ctx, l.key, l.value, l.expiry).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", l.key, err)
	}
	if ok {
		go l.autoRenew()
	}
	return ok, nil
}

// Unlock 释放锁并停止续期
func (l *RedisLock) Unlock() error {
	defer l.cancelFn()
	if l.client == nil {
		return nil
	}

	// 使用独立 context，避免调用方已取消导致锁无法释放
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	result, err := unlockScript.Run(ctx, l.client, []string{l.key}, l.value).Result()
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.key, err)
	}
	if result == int64(0) {
		logger.Warn("Lock was not held by this instance", zap.String("key", l.key))
	}
	return nil
}

// autoRenew 每隔 expiry/3 续期一次
func (l *RedisLock) autoRenew() {
	ticker := time.NewTicker(l.expiry / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			result, err := renewScript.Run(l.ctx, l.client, []string{l.key}, l.value, l.expiry.Milliseconds()).Result()
			if err != nil {
				if l.ctx.Err() == nil {
					logger.Warn("Failed to renew lock", zap.String("key", l.key), zap.Error(err))
				}
				return
			}
			if result == int64(0) {
				logger.Warn("Lost lock, stopping auto-renew", zap.String("key", l.key))
				return
			}
		case <-l.ctx.Done():
			return
		}
	}
}
