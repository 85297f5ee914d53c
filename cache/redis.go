package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisOpTimeout = 3 * time.Second

// RedisStorage shares a namespace between agents through Redis. A nil
// client behaves as unavailable storage.
type RedisStorage struct {
	client        *redis.Client
	maxValueBytes int
}

func NewRedisStorage(client *redis.Client, maxValueBytes int) *RedisStorage {
	return &RedisStorage{client: client, maxValueBytes: maxValueBytes}
}

func (r *RedisStorage) Client() *redis.Client { return r.client }

func (r *RedisStorage) Get(key string) ([]byte, bool, error) {
	if r.client == nil {
		return nil, false, ErrStorageUnavailable
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	v, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (r *RedisStorage) Set(key string, value []byte) error {
	if r.client == nil {
		return ErrStorageUnavailable
	}
	if r.maxValueBytes > 0 && len(value) > r.maxValueBytes {
		return ErrQuotaExceeded
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	return r.client.Set(ctx, key, value, 0).Err()
}

func (r *RedisStorage) Delete(key string) error {
	if r.client == nil {
		return ErrStorageUnavailable
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	return r.client.Del(ctx, key).Err()
}

func (r *RedisStorage) Keys(prefix string) ([]string, error) {
	if r.client == nil {
		return nil, ErrStorageUnavailable
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := r.client.Scan(ctx, cursor, prefix+"*", 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}
