package service

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Locker is the advisory dedup lock around webhook processing. It only
// cuts redundant work on duplicate deliveries; correctness comes from
// the conditional claim on the session row.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key string) error
}

type RedisLocker struct {
	client *redis.Client
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return l.client.SetNX(ctx, "lock:"+key, "1", ttl).Result()
}

func (l *RedisLocker) Unlock(ctx context.Context, key string) error {
	return l.client.Del(ctx, "lock:"+key).Err()
}

// NopLocker always grants the lock; Redis-less runs and tests.
type NopLocker struct{}

func (NopLocker) TryLock(context.Context, string, time.Duration) (bool, error) { return true, nil }
func (NopLocker) Unlock(context.Context, string) error                         { return nil }
