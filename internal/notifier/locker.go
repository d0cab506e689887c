package notifier

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Locker guards the notification tick: a tick in progress causes new
// ticks to be skipped, never queued.
type Locker interface {
	TryLock(ctx context.Context) (release func(), ok bool)
}

// MutexLocker is the single-process locker.
type MutexLocker struct {
	mu sync.Mutex
}

func (l *MutexLocker) TryLock(context.Context) (func(), bool) {
	if !l.mu.TryLock() {
		return nil, false
	}
	return l.mu.Unlock, true
}

// RedisLocker extends the exclusion across replicas with SET NX. The TTL
// bounds how long a crashed holder can block the loop.
type RedisLocker struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

func NewRedisLocker(client *redis.Client, key string, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisLocker{client: client, key: key, ttl: ttl}
}

func (l *RedisLocker) TryLock(ctx context.Context) (func(), bool) {
	ok, err := l.client.SetNX(ctx, l.key, "1", l.ttl).Result()
	if err != nil || !ok {
		return nil, false
	}
	return func() {
		_ = l.client.Del(context.Background(), l.key).Err()
	}, true
}
