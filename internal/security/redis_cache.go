package security

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const suppressionPrefix = "attendance:dedupe:"

// RedisCache shares suppression markers across the devices of one deployment.
type RedisCache struct {
	client redis.Cmdable
}

// NewRedisCache creates a Redis-backed suppression cache.
func NewRedisCache(client redis.Cmdable) *RedisCache {
	return &RedisCache{client: client}
}

// Reserve implements SuppressionCache with SET NX PX.
func (c *RedisCache) Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, suppressionPrefix+key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

// Release implements SuppressionCache.
func (c *RedisCache) Release(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, suppressionPrefix+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
