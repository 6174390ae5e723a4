package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrCacheMiss is returned by Get for absent or expired keys.
var ErrCacheMiss = errors.New("cache miss")

// Cache is a thin key/value view over a Redis client.
type Cache struct {
	client *redis.Client
}

// cacheOptions accepts either a bare host:port or a redis:// / rediss://
// URL carrying credentials and a database number.
func cacheOptions(addr string) (*redis.Options, error) {
	opts := &redis.Options{Addr: addr}
	if strings.Contains(addr, "://") {
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = parsed
	}
	opts.PoolSize = 10
	opts.MinIdleConns = 2
	opts.PoolTimeout = connectTimeout
	return opts, nil
}

func ConnectCache(ctx context.Context, addr string) (*Cache, error) {
	opts, err := cacheOptions(addr)
	if err != nil {
		return nil, err
	}
	cache := &Cache{client: redis.NewClient(opts)}

	if err := cache.Ping(ctx); err != nil {
		cache.Close()
		return nil, err
	}
	return cache, nil
}

// Ping checks the server answers within the connect timeout.
func (c *Cache) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

func (c *Cache) Get(ctx context.Context, key string) (string, error) {
	v, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrCacheMiss
	}
	return v, err
}

func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *Cache) Close() error {
	return c.client.Close()
}
