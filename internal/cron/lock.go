package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultLockTTL = 30 * time.Minute

// Locker hands out a per-job exclusive lease so only one worker replica runs
// a given job at a time. release is nil when ok is false.
type Locker interface {
	Acquire(ctx context.Context, job string) (release func(context.Context) error, ok bool, err error)
}

type redisStore interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, keys ...string) error
	LockKey(name string) string
}

// RedisLocker leases "lock:cron:<scope>:<job>" keys with SET NX and a TTL.
// The TTL bounds how long a crashed replica can block a job.
type RedisLocker struct {
	client redisStore
	scope  string
	ttl    time.Duration
}

func NewRedisLocker(client redisStore, scope string, ttl time.Duration) (*RedisLocker, error) {
	if client == nil {
		return nil, errors.New("redis client required for cron locks")
	}
	if scope == "" {
		return nil, errors.New("lock scope is required")
	}
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &RedisLocker{client: client, scope: scope, ttl: ttl}, nil
}

func (l *RedisLocker) Acquire(ctx context.Context, job string) (func(context.Context) error, bool, error) {
	key := l.client.LockKey("cron:" + l.scope + ":" + job)
	owner := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, owner, l.ttl)
	if err != nil {
		return nil, false, fmt.Errorf("setnx %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return func(ctx context.Context) error {
		return l.release(ctx, key, owner)
	}, true, nil
}

// release deletes key only while owner still holds it. A lease that expired
// and was taken by another replica is left alone.
func (l *RedisLocker) release(ctx context.Context, key, owner string) error {
	value, err := l.client.Get(ctx, key)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("read lock owner: %w", err)
	}
	if value != owner {
		return nil
	}
	if err := l.client.Del(ctx, key); err != nil {
		return fmt.Errorf("delete lock: %w", err)
	}
	return nil
}
