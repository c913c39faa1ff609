package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned by TryLock when another holder owns the key.
var ErrLockHeld = errors.New("lock: already held")

// unlockLua deletes the lock key only if its value matches the caller's
// token, so one holder never releases another holder's lock.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// RedisLocker implements Locker with SET NX plus a TTL and a Lua
// compare-and-delete unlock. Lock polls until the key is free or ctx ends.
type RedisLocker struct {
	rdb      *redis.Client
	ttl      time.Duration
	poll     time.Duration
	unlockSc *redis.Script
}

// NewRedisLocker creates a RedisLocker. ttl bounds how long a crashed
// holder can keep a market locked; poll is the retry interval.
func NewRedisLocker(rdb *redis.Client, ttl, poll time.Duration) *RedisLocker {
	if poll <= 0 {
		poll = 10 * time.Millisecond
	}
	return &RedisLocker{
		rdb:      rdb,
		ttl:      ttl,
		poll:     poll,
		unlockSc: redis.NewScript(unlockLua),
	}
}

func redisLockKey(key string) string {
	return "lock:" + key
}

// TryLock makes a single acquisition attempt.
func (l *RedisLocker) TryLock(ctx context.Context, key string) (func(), error) {
	token := uuid.New().String()
	lk := redisLockKey(key)

	ok, err := l.rdb.SetNX(ctx, lk, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// Background context so unlock succeeds even if the caller's
			// context is already cancelled.
			unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = l.unlockSc.Run(unlockCtx, l.rdb, []string{lk}, token).Err()
		})
	}, nil
}

// Lock retries TryLock until it succeeds or ctx is done.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()

	for {
		unlock, err := l.TryLock(ctx, key)
		if err == nil {
			return unlock, nil
		}
		if !errors.Is(err, ErrLockHeld) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

var _ Locker = (*RedisLocker)(nil)
