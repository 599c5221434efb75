package assignment

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// LockStore is the fast-path mutex over trip assignment. Acquire is
// first-wins: on contention it reports the current holder so callers
// can distinguish "someone else has it" from "I already have it".
type LockStore interface {
	// Acquire takes key for value with the given TTL. When the lock is
	// already held, ok is false and holder carries the owner's value.
	Acquire(ctx context.Context, key, value string, ttl time.Duration) (ok bool, holder string, err error)

	// Release drops the lock only if value still owns it.
	Release(ctx context.Context, key, value string) error
}

type RedisLocks struct {
	rdb *redis.Client
}

func NewRedisLocks(rdb *redis.Client) *RedisLocks {
	return &RedisLocks{rdb: rdb}
}

func (l *RedisLocks) Acquire(ctx context.Context, key, value string, ttl time.Duration) (bool, string, error) {
	ok, err := l.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, "", err
	}
	if ok {
		return true, "", nil
	}
	holder, err := l.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		// Lock expired between SETNX and GET; treat as contended with
		// an unknown holder rather than retrying here.
		return false, "", nil
	}
	if err != nil {
		return false, "", err
	}
	return false, holder, nil
}

func (l *RedisLocks) Release(ctx context.Context, key, value string) error {
	holder, err := l.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return err
	}
	if holder != value {
		return nil
	}
	return l.rdb.Del(ctx, key).Err()
}

type memoryLock struct {
	value   string
	expires time.Time
}

// MemoryLocks mirrors RedisLocks for tests and single-node runs.
type MemoryLocks struct {
	mu    sync.Mutex
	locks map[string]memoryLock
	now   func() time.Time
}

func NewMemoryLocks() *MemoryLocks {
	return &MemoryLocks{locks: make(map[string]memoryLock), now: time.Now}
}

// SetClock overrides the time source for expiry tests.
func (l *MemoryLocks) SetClock(now func() time.Time) { l.now = now }

func (l *MemoryLocks) Acquire(_ context.Context, key, value string, ttl time.Duration) (bool, string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	cur, ok := l.locks[key]
	if ok && now.Before(cur.expires) {
		return false, cur.value, nil
	}
	l.locks[key] = memoryLock{value: value, expires: now.Add(ttl)}
	return true, "", nil
}

func (l *MemoryLocks) Release(_ context.Context, key, value string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.locks[key]
	if !ok || cur.value != value {
		return nil
	}
	delete(l.locks, key)
	return nil
}

// Holder returns the live owner of key, for assertions in tests.
func (l *MemoryLocks) Holder(key string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.locks[key]
	if !ok || !l.now().Before(cur.expires) {
		return "", false
	}
	return cur.value, true
}
