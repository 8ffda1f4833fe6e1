package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKeyPrefix namespaces classifier decisions in a shared Redis instance.
const DefaultRedisKeyPrefix = "croxy:route:"

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is the Redis connection URL (e.g., "redis://localhost:6379/0").
	URL string

	// KeyPrefix prefixes every cache key (defaults to DefaultRedisKeyPrefix).
	KeyPrefix string
}

// RedisCache implements Cache using Redis, for multi-instance deployments
// that want classifier decisions shared across processes.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache creates a new Redis-backed cache and verifies connectivity.
func NewRedisCache(cfg RedisConfig) (*RedisCache, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultRedisKeyPrefix
	}

	slog.Info("redis decision cache connected", "prefix", prefix)

	return &RedisCache{client: client, prefix: prefix}, nil
}

// Get returns the decision stored under key, relying on Redis's own TTL
// expiry rather than re-checking ExpiresAt.
func (c *RedisCache) Get(ctx context.Context, key string) (Decision, bool, error) {
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Decision{}, false, nil
		}
		return Decision{}, false, fmt.Errorf("get decision from redis: %w", err)
	}

	var d Decision
	if err := json.Unmarshal(data, &d); err != nil {
		return Decision{}, false, fmt.Errorf("parse decision from redis: %w", err)
	}
	return d, true, nil
}

// Set stores decision under key with Redis-native expiry.
func (c *RedisCache) Set(ctx context.Context, key string, decision Decision, ttl time.Duration) error {
	decision.ExpiresAt = time.Now().Add(ttl)
	data, err := json.Marshal(decision)
	if err != nil {
		return fmt.Errorf("marshal decision: %w", err)
	}
	if err := c.client.Set(ctx, c.prefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("set decision in redis: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}
