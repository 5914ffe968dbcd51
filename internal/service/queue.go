package service

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Queue schedules checkout sessions for a later reconciliation
// attempt.
type Queue interface {
	Schedule(ctx context.Context, txRef string, at time.Time) error
	// Due pops up to limit txRefs whose scheduled time has passed.
	Due(ctx context.Context, now time.Time, limit int) ([]string, error)
	IncrAttempts(ctx context.Context, txRef string) (int, error)
	ClearAttempts(ctx context.Context, txRef string) error
}

const (
	reconcileScheduleKey = "reconcile:schedule"
	reconcileAttemptsKey = "reconcile:attempts"
)

// RedisQueue keeps the schedule in a sorted set scored by the next
// attempt time, so the worker only ever reads what is due.
type RedisQueue struct {
	client *redis.Client
}

func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client}
}

func (q *RedisQueue) Schedule(ctx context.Context, txRef string, at time.Time) error {
	return q.client.ZAdd(ctx, reconcileScheduleKey, redis.Z{
		Score:  float64(at.Unix()),
		Member: txRef,
	}).Err()
}

func (q *RedisQueue) Due(ctx context.Context, now time.Time, limit int) ([]string, error) {
	refs, err := q.client.ZRangeByScore(ctx, reconcileScheduleKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.Unix(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, err
	}
	for _, ref := range refs {
		if err := q.client.ZRem(ctx, reconcileScheduleKey, ref).Err(); err != nil {
			return nil, err
		}
	}
	return refs, nil
}

func (q *RedisQueue) IncrAttempts(ctx context.Context, txRef string) (int, error) {
	n, err := q.client.HIncrBy(ctx, reconcileAttemptsKey, txRef, 1).Result()
	return int(n), err
}

func (q *RedisQueue) ClearAttempts(ctx context.Context, txRef string) error {
	return q.client.HDel(ctx, reconcileAttemptsKey, txRef).Err()
}

// MemoryQueue is the in-process Queue for tests and single-node runs
// without Redis.
type MemoryQueue struct {
	mu       sync.Mutex
	schedule map[string]time.Time
	attempts map[string]int
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		schedule: make(map[string]time.Time),
		attempts: make(map[string]int),
	}
}

func (q *MemoryQueue) Schedule(ctx context.Context, txRef string, at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.schedule[txRef] = at
	return nil
}

func (q *MemoryQueue) Due(ctx context.Context, now time.Time, limit int) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var refs []string
	for ref, at := range q.schedule {
		if len(refs) >= limit {
			break
		}
		if !at.After(now) {
			refs = append(refs, ref)
			delete(q.schedule, ref)
		}
	}
	return refs, nil
}

func (q *MemoryQueue) IncrAttempts(ctx context.Context, txRef string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.attempts[txRef]++
	return q.attempts[txRef], nil
}

func (q *MemoryQueue) ClearAttempts(ctx context.Context, txRef string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.attempts, txRef)
	return nil
}
