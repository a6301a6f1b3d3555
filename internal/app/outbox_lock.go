package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

// OutboxLock guards a publish cycle across service instances. TryLock never blocks; when the
// lock is held elsewhere it reports acquired=false.
type OutboxLock interface {
	TryLock(ctx context.Context) (release func(context.Context), acquired bool, err error)
}

// LocalOutboxLock is used when no Redis is configured; the in-process guard is then the only one.
type LocalOutboxLock struct{}

func (LocalOutboxLock) TryLock(context.Context) (func(context.Context), bool, error) {
	return func(context.Context) {}, true, nil
}

// RedisOutboxLock is a Redis mutex with an expiry, so a crashed holder frees it after ttl.
type RedisOutboxLock struct {
	redsync *redsync.Redsync
	key     string
	ttl     time.Duration
}

func NewRedisOutboxLock(client redis.UniversalClient, key string, ttl time.Duration) *RedisOutboxLock {
	return &RedisOutboxLock{
		redsync: redsync.New(goredis.NewPool(client)),
		key:     key,
		ttl:     ttl,
	}
}

func (l *RedisOutboxLock) TryLock(ctx context.Context) (func(context.Context), bool, error) {
	mutex := l.redsync.NewMutex(
		l.key,
		redsync.WithExpiry(l.ttl),
		redsync.WithTries(1), // Only try once
	)

	if err := mutex.LockContext(ctx); err != nil {
		errMsg := err.Error()
		if errors.Is(err, redsync.ErrFailed) ||
			strings.Contains(errMsg, "lock already taken") ||
			strings.Contains(errMsg, "failed to acquire lock") {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to attempt outbox lock acquisition: %w", err)
	}

	release := func(ctx context.Context) {
		_, _ = mutex.UnlockContext(ctx)
	}
	return release, true, nil
}
