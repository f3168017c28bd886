// Package distlock implements an optional Redis-backed leader-election
// lock so multiple outboxctl serve replicas don't all dispatch/scan the
// same batch redundantly. It is pure throughput optimization: row-level
// claiming (SELECT ... FOR UPDATE SKIP LOCKED) in internal/store/postgres
// remains correct with or without it.
package distlock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker is the capability outboxctl serve probes before starting its
// dispatcher, compensation and cleanup loops, to decide whether this
// replica is allowed to run them.
type Locker interface {
	// TryAcquire attempts to become (or renew as) leader, returning
	// whether this instance currently holds the lock.
	TryAcquire(ctx context.Context) (bool, error)
	// Release gives up leadership immediately, letting another replica
	// acquire it on its next TryAcquire without waiting out the TTL.
	Release(ctx context.Context) error
}

// RedisLocker implements Locker with a Redis SETNX-style lock: SET key
// value NX PX ttl to acquire, and a Lua compare-and-delete to release
// only if this instance still holds it.
type RedisLocker struct {
	client *redis.Client
	key    string
	value  string
	ttl    time.Duration
}

// NewRedisLocker constructs a RedisLocker for key, held for ttl per
// acquisition/renewal.
func NewRedisLocker(client *redis.Client, key string, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{client: client, key: key, value: uuid.NewString(), ttl: ttl}
}

// TryAcquire attempts SET key value NX PX ttl; if this instance already
// holds the lock, it renews the TTL instead (via the same key/value
// check) so a live leader never loses the lock to its own next tick.
func (l *RedisLocker) TryAcquire(ctx context.Context) (bool, error) {
	acquired, err := l.client.SetNX(ctx, l.key, l.value, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("op=distlock.try_acquire: %w", err)
	}
	if acquired {
		return true, nil
	}

	current, err := l.client.Get(ctx, l.key).Result()
	if err != nil && err != redis.Nil {
		return false, fmt.Errorf("op=distlock.try_acquire: %w", err)
	}
	if current == l.value {
		if err := l.client.Expire(ctx, l.key, l.ttl).Err(); err != nil {
			return false, fmt.Errorf("op=distlock.renew: %w", err)
		}
		return true, nil
	}
	return false, nil
}

const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

// Release deletes the lock key, but only if this instance's value is
// still current (compare-and-delete), so a leader that has already lost
// its lease can't accidentally delete the next leader's lock.
func (l *RedisLocker) Release(ctx context.Context) error {
	if err := l.client.Eval(ctx, releaseScript, []string{l.key}, l.value).Err(); err != nil {
		return fmt.Errorf("op=distlock.release: %w", err)
	}
	return nil
}
