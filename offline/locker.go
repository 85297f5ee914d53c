package offline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
)

var ErrDrainInProgress = errors.New("offline queue drain already in progress")

// Locker makes a drain single-flight. TryLock returns ErrDrainInProgress
// when another drain holds the lock.
type Locker interface {
	TryLock(ctx context.Context) (unlock func(), err error)
}

type localLocker struct {
	mu sync.Mutex
}

// NewLocalLocker guards drains within one process.
func NewLocalLocker() Locker { return &localLocker{} }

func (l *localLocker) TryLock(ctx context.Context) (func(), error) {
	if !l.mu.TryLock() {
		return nil, ErrDrainInProgress
	}
	return l.mu.Unlock, nil
}

// RedisLocker guards drains across agents sharing a Redis-backed cache
// namespace.
type RedisLocker struct {
	client *redislock.Client
	key    string
	ttl    time.Duration
}

func NewRedisLocker(client *redislock.Client, namespace string, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisLocker{client: client, key: namespace + "offline_queue:lock", ttl: ttl}
}

func (r *RedisLocker) TryLock(ctx context.Context) (func(), error) {
	if r.client == nil {
		return nil, fmt.Errorf("redis lock: client not configured")
	}
	lock, err := r.client.Obtain(ctx, r.key, r.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrDrainInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("redis lock: %w", err)
	}
	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = lock.Release(releaseCtx)
	}, nil
}

type chainLocker []Locker

// ChainLockers takes every lock in order and releases them in reverse.
func ChainLockers(lockers ...Locker) Locker { return chainLocker(lockers) }

func (c chainLocker) TryLock(ctx context.Context) (func(), error) {
	var held []func()
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i]()
		}
	}
	for _, l := range c {
		if l == nil {
			continue
		}
		unlock, err := l.TryLock(ctx)
		if err != nil {
			release()
			return nil, err
		}
		held = append(held, unlock)
	}
	return release, nil
}
