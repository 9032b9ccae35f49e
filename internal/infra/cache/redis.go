package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"feed-engine/internal/domain"
	"feed-engine/internal/infra/metrics"
)

// RedisCache реализует domain.Cache через Redis.
type RedisCache struct {
	client *redis.Client
}

var _ domain.Cache = (*RedisCache)(nil)

// NewRedis создаёт кэш.
func NewRedis(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Set задаёт значение.
func (c *RedisCache) Set(key string, value []byte, ttl time.Duration) error {
	start := time.Now()
	err := c.client.Set(context.Background(), key, value, ttl).Err()
	metrics.ObserveNetworkRequest("redis", "set", "cache", start, err)
	return err
}

// Get возвращает значение или domain.ErrCacheMiss.
func (c *RedisCache) Get(key string) ([]byte, error) {
	start := time.Now()
	value, err := c.client.Get(context.Background(), key).Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.ObserveNetworkRequest("redis", "get", "cache", start, nil)
		return nil, domain.ErrCacheMiss
	}
	metrics.ObserveNetworkRequest("redis", "get", "cache", start, err)
	return value, err
}

// Delete удаляет ключ.
func (c *RedisCache) Delete(key string) error {
	start := time.Now()
	err := c.client.Del(context.Background(), key).Err()
	metrics.ObserveNetworkRequest("redis", "del", "cache", start, err)
	return err
}
