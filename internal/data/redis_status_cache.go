package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sheet-assist/sssystem/internal/core"
)

// RedisStatusCache implements core.StatusCache on Redis. It fronts the job
// store for polling clients; a miss or a Redis outage falls through to the
// store, so every method degrades to "no cache".
type RedisStatusCache struct {
	client redis.UniversalClient
}

var _ core.StatusCache = (*RedisStatusCache)(nil)

// NewRedisStatusCache creates a status cache backed by the given client.
func NewRedisStatusCache(client redis.UniversalClient) *RedisStatusCache {
	return &RedisStatusCache{client: client}
}

// Get returns the cached snapshot, or nil when the key does not exist.
func (c *RedisStatusCache) Get(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, errors.New("key cannot be empty")
	}

	result, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return result, nil
}

// Set stores a snapshot with the given TTL.
func (c *RedisStatusCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return errors.New("key cannot be empty")
	}

	return c.client.Set(ctx, key, value, ttl).Err()
}

// Delete removes a snapshot, reporting whether the key existed.
func (c *RedisStatusCache) Delete(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, errors.New("key cannot be empty")
	}

	result, err := c.client.Del(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis del: %w", err)
	}
	return result > 0, nil
}
