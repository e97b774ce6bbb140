package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/entitle/pkg/rbac"
)

// InvalidateAllMessage is published on the channel when every entry is dropped
const InvalidateAllMessage = "*"

// RedisConfig configures a RedisCache
type RedisConfig struct {
	URL        string
	Prefix     string
	Channel    string
	PoolSize   int
	MaxRetries int
}

// RedisCache is a DecisionCache shared by every instance pointing at the
// same Redis. Keys embed a generation number so InvalidateAll is one INCR;
// entries of older generations age out through their TTL.
type RedisCache struct {
	client  *redis.Client
	prefix  string
	channel string
}

// NewRedisCache connects to Redis and verifies the connection
func NewRedisCache(cfg RedisConfig) (*RedisCache, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.MaxRetries > 0 {
		opts.MaxRetries = cfg.MaxRetries
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolTimeout = 4 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisCacheFromClient(client, cfg.Prefix, cfg.Channel), nil
}

// NewRedisCacheFromClient wraps an existing client
func NewRedisCacheFromClient(client *redis.Client, prefix, channel string) *RedisCache {
	if prefix == "" {
		prefix = "rbac"
	}
	if channel == "" {
		channel = prefix + ":invalidate"
	}
	return &RedisCache{client: client, prefix: prefix, channel: channel}
}

func (c *RedisCache) generationKey() string {
	return c.prefix + ":gen"
}

func (c *RedisCache) generation(ctx context.Context) (int64, error) {
	gen, err := c.client.Get(ctx, c.generationKey()).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get generation failed: %w", err)
	}
	return gen, nil
}

func (c *RedisCache) entryKey(gen int64, principal rbac.PrincipalID) string {
	return c.prefix + ":decision:" + strconv.FormatInt(gen, 10) + ":" + principal.String()
}

// Get returns the cached result for principal in the current generation
func (c *RedisCache) Get(ctx context.Context, principal rbac.PrincipalID) (rbac.Effective, bool, error) {
	gen, err := c.generation(ctx)
	if err != nil {
		return rbac.Effective{}, false, err
	}
	key := c.entryKey(gen, principal)

	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return rbac.Effective{}, false, nil
	}
	if err != nil {
		return rbac.Effective{}, false, fmt.Errorf("redis get failed: %w", err)
	}

	var eff rbac.Effective
	if err := json.Unmarshal(data, &eff); err != nil {
		c.client.Del(ctx, key)
		return rbac.Effective{}, false, fmt.Errorf("failed to unmarshal decision: %w", err)
	}
	return eff, true, nil
}

// Put stores the result under the current generation
func (c *RedisCache) Put(ctx context.Context, principal rbac.PrincipalID, result rbac.Effective, ttl time.Duration) error {
	gen, err := c.generation(ctx)
	if err != nil {
		return err
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal decision: %w", err)
	}
	return c.client.Set(ctx, c.entryKey(gen, principal), data, ttl).Err()
}

// Invalidate deletes the principal's entry and tells other instances
func (c *RedisCache) Invalidate(ctx context.Context, principal rbac.PrincipalID) error {
	gen, err := c.generation(ctx)
	if err != nil {
		return err
	}
	pipe := c.client.Pipeline()
	pipe.Del(ctx, c.entryKey(gen, principal))
	pipe.Publish(ctx, c.channel, principal.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis invalidate failed: %w", err)
	}
	return nil
}

// InvalidateAll moves to a new generation and tells other instances
func (c *RedisCache) InvalidateAll(ctx context.Context) error {
	pipe := c.client.Pipeline()
	pipe.Incr(ctx, c.generationKey())
	pipe.Publish(ctx, c.channel, InvalidateAllMessage)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis invalidate all failed: %w", err)
	}
	return nil
}

// Client returns the underlying client for health checks and subscribers
func (c *RedisCache) Client() *redis.Client {
	return c.client
}

// Channel is the pub/sub channel invalidations are published on
func (c *RedisCache) Channel() string {
	return c.channel
}

// Close closes the Redis connection
func (c *RedisCache) Close() error {
	return c.client.Close()
}
