package settings

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrCacheMiss is returned by Cache.Get when the key is absent.
var ErrCacheMiss = errors.New("settings: cache miss")

// Cache is the key/value store placed in front of the settings source.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// RedisOptions describes the connection used by NewRedisCache.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// RedisCache adapts a go-redis client. After maxFailures consecutive errors it
// stops calling Redis until recoveryAfter has passed, so a dead cache does not
// add a dial timeout to every request.
type RedisCache struct {
	client *redis.Client

	mu            sync.Mutex
	failures      int
	openedAt      time.Time
	maxFailures   int
	recoveryAfter time.Duration
}

func NewRedisCache(opts RedisOptions) *RedisCache {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		MinIdleConns: 1,
		MaxRetries:   1,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
	return WrapRedis(client)
}

// WrapRedis uses an existing client.
func WrapRedis(client *redis.Client) *RedisCache {
	return &RedisCache{client: client, maxFailures: 3, recoveryAfter: 30 * time.Second}
}

// Client exposes the underlying client (readiness probes ping it).
func (c *RedisCache) Client() *redis.Client { return c.client }

func (c *RedisCache) Ping(ctx context.Context) error { return c.client.Ping(ctx).Err() }

func (c *RedisCache) Close() error { return c.client.Close() }

func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	if err := c.allow(); err != nil {
		return "", err
	}
	v, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		c.record(nil)
		return "", ErrCacheMiss
	}
	if err != nil {
		c.record(err)
		return "", fmt.Errorf("redis get failed: %w", err)
	}
	c.record(nil)
	return v, nil
}

func (c *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.allow(); err != nil {
		return err
	}
	err := c.client.Set(ctx, key, value, ttl).Err()
	c.record(err)
	if err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	// Invalidation always goes through so a recovered Redis never serves a stale row.
	err := c.client.Del(ctx, key).Err()
	c.record(err)
	if err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	return nil
}

var errCircuitOpen = errors.New("redis unavailable (circuit breaker open)")

func (c *RedisCache) allow() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failures < c.maxFailures {
		return nil
	}
	if time.Since(c.openedAt) >= c.recoveryAfter {
		// half-open: let one call probe
		c.failures = c.maxFailures - 1
		return nil
	}
	return errCircuitOpen
}

func (c *RedisCache) record(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		c.failures = 0
		return
	}
	c.failures++
	if c.failures >= c.maxFailures {
		c.openedAt = time.Now()
	}
}
