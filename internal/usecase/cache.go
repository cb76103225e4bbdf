package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	processingMarker = "processing"
	processingTTL    = time.Minute
	resultTTL        = 5 * time.Minute

	// failedMarkerPrefix is followed by the owner's user ID.
	failedMarkerPrefix = "failed:"
	failedTTL          = time.Minute
)

// Cache abstracts the Redis operations used by the use case to make testing easier.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
}

// RedisCache is a Cache backed by go-redis. Misses surface as redis.Nil.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache constructs a new Redis-backed cache adapter.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Set writes a value with a TTL.
func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return c.client.Set(ctx, key, value, expiration).Err()
}

// Get reads a value.
func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	return c.client.Get(ctx, key).Result()
}

func failedMarker(userID string) string {
	return failedMarkerPrefix + userID
}

func resultKey(requestID string) string {
	return fmt.Sprintf("screening:%s", requestID)
}
