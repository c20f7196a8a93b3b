package scheduler

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// locker provides the per-job distributed lock dispatch needs for
// at-least-once execution across multiple server instances, grounded on the
// teacher's RedisService.AcquireLock/ReleaseLock (SETNX to acquire, a
// Lua get-then-delete to release only the holder's own lock).
type locker struct {
	client *redis.Client
	owner  string
}

func newLocker(client *redis.Client, owner string) *locker {
	return &locker{client: client, owner: owner}
}

func (l *locker) acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if l.client == nil {
		return true, nil // no Redis configured: single-instance mode, every lock succeeds
	}
	return l.client.SetNX(ctx, key, l.owner, ttl).Result()
}

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

func (l *locker) release(ctx context.Context, key string) {
	if l.client == nil {
		return
	}
	releaseScript.Run(ctx, l.client, []string{key}, l.owner)
}
