package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLocker coordinates the queue lock through Redis instead of the
// database. Used when several processor nodes share one event store and
// the store backend is SQLite (which has no cross-node locking).
type RedisLocker struct {
	client *redis.Client
	key    string
}

// NewRedisLocker builds a locker on the given client. An empty key uses
// the default queue lock key.
func NewRedisLocker(client *redis.Client, key string) *RedisLocker {
	if key == "" {
		key = "converge:lock:" + QueueLockName
	}
	return &RedisLocker{client: client, key: key}
}

// Acquire takes the lock with SET NX, holder as the fencing token.
// Returns ErrLockHeld when another holder has it.
func (l *RedisLocker) Acquire(ctx context.Context, holder string, ttl time.Duration) error {
	ok, err := l.client.SetNX(ctx, l.key, holder, ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		// Re-entrant for the same holder: refresh the TTL.
		cur, err := l.client.Get(ctx, l.key).Result()
		if err == nil && cur == holder {
			return l.client.Expire(ctx, l.key, ttl).Err()
		}
		return ErrLockHeld
	}
	return nil
}

// releaseScript deletes the key only if holder still owns it, so an
// expired-and-reacquired lock is never released by the old holder.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Release drops the lock if held by holder. An empty holder force-deletes.
func (l *RedisLocker) Release(ctx context.Context, holder string) error {
	if holder == "" {
		return l.client.Del(ctx, l.key).Err()
	}
	return releaseScript.Run(ctx, l.client, []string{l.key}, holder).Err()
}
