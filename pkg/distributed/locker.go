package distributed

import (
	"context"
	"sync"
	"time"

	"uptime/internal/logger"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const keyPrefix = "uptime:lock:"

// Locker grants at most one holder per key. Keys are always guarded in
// process; with a Redis client they are also guarded across instances.
// Redis failures degrade to the in-process guard only.
type Locker struct {
	client *redis.Client
	ttl    time.Duration

	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocker(client *redis.Client, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Locker{
		client: client,
		ttl:    ttl,
		held:   make(map[string]struct{}),
	}
}

// TryLock returns a release func when the key was free.
func (l *Locker) TryLock(ctx context.Context, key string) (func(), bool, error) {
	l.mu.Lock()
	if _, busy := l.held[key]; busy {
		l.mu.Unlock()
		return nil, false, nil
	}
	l.held[key] = struct{}{}
	l.mu.Unlock()

	releaseLocal := func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}

	if l.client == nil {
		return releaseLocal, true, nil
	}

	lock := NewRedisLock(l.client, keyPrefix+key, l.ttl)
	ok, err := lock.TryLock(ctx)
	if err != nil {
		// Redis 不可用时降级为单机锁
		logger.Warn("Redis lock unavailable, using local guard only",
			zap.String("key", key),
			zap.Error(err),
		)
		lock.cancelFn()
		return releaseLocal, true, nil
	}
	if !ok {
		releaseLocal()
		lock.cancelFn()
		return nil, false, nil
	}

	return func() {
		if err := lock.Unlock(); err != nil {
			logger.Warn("Failed to release redis lock", zap.String("key", key), zap.Error(err))
		}
		releaseLocal()
	}, true, nil
}
