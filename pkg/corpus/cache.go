package corpus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cdss-reasoning-server/internal/domain"
)

// Cache wraps Redis for corpus search responses. Misses and errors are
// distinguished so the caller can log without failing the search.
type Cache struct {
	redis      *redis.Client
	defaultTTL time.Duration
}

// CacheConfig configures the response cache.
type CacheConfig struct {
	RedisURL   string        `json:"redis_url"`
	PoolSize   int           `json:"pool_size"`
	MaxRetries int           `json:"max_retries"`
	DefaultTTL time.Duration `json:"default_ttl"`
}

// NewCache connects to Redis and verifies the connection.
func NewCache(config CacheConfig) (*Cache, error) {
	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if config.PoolSize > 0 {
		opts.PoolSize = config.PoolSize
	}
	opts.MaxRetries = config.MaxRetries

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	ttl := config.DefaultTTL
	if ttl == 0 {
		ttl = 15 * time.Minute
	}

	return &Cache{redis: client, defaultTTL: ttl}, nil
}

// Get returns the cached hits for the key; the second return is false
// on a miss.
func (c *Cache) Get(ctx context.Context, key string) ([]domain.CorpusHit, bool, error) {
	val, err := c.redis.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("corpus cache get: %w", err)
	}

	var hits []domain.CorpusHit
	if err := json.Unmarshal([]byte(val), &hits); err != nil {
		return nil, false, fmt.Errorf("corpus cache decode: %w", err)
	}
	return hits, true, nil
}

// Set stores the hits under the key with the default TTL.
func (c *Cache) Set(ctx context.Context, key string, hits []domain.CorpusHit) error {
	payload, err := json.Marshal(hits)
	if err != nil {
		return fmt.Errorf("corpus cache encode: %w", err)
	}
	if err := c.redis.Set(ctx, key, payload, c.defaultTTL).Err(); err != nil {
		return fmt.Errorf("corpus cache set: %w", err)
	}
	return nil
}

// Close releases the Redis connection.
func (c *Cache) Close() error {
	return c.redis.Close()
}
