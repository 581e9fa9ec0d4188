package linemirror

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const cooldownKeyPrefix = "linemirror:backfill:cooldown:"

// Cooldown rate-limits work per key. Acquire reports false while an earlier
// acquisition of the same key is younger than its ttl.
type Cooldown interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

type noopCooldown struct{}

func (noopCooldown) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return true, nil
}

func (noopCooldown) Release(ctx context.Context, key string) error {
	return nil
}

type MemoryCooldown struct {
	mu      sync.Mutex
	now     func() time.Time
	expires map[string]time.Time
}

func NewMemoryCooldown() *MemoryCooldown {
	return &MemoryCooldown{now: time.Now, expires: map[string]time.Time{}}
}

func (c *MemoryCooldown) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return true, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if until, ok := c.expires[key]; ok && now.Before(until) {
		return false, nil
	}
	for k, until := range c.expires {
		if !now.Before(until) {
			delete(c.expires, k)
		}
	}
	c.expires[key] = now.Add(ttl)
	return true, nil
}

func (c *MemoryCooldown) Release(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.expires, key)
	return nil
}

// RedisCooldown shares cooldowns between processes with SET NX.
type RedisCooldown struct {
	client *redis.Client
}

func NewRedisCooldown(ctx context.Context, redisURL string) (*RedisCooldown, error) {
	redisURL = strings.TrimSpace(redisURL)
	if redisURL == "" {
		return nil, ErrInvalidInput
	}
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis cooldown: parse url: %w", err)
	}
	client := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis cooldown: ping: %w", err)
	}
	return &RedisCooldown{client: client}, nil
}

func (c *RedisCooldown) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return true, nil
	}
	ok, err := c.client.SetNX(ctx, cooldownKeyPrefix+key, time.Now().UTC().Format(time.RFC3339Nano), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis cooldown: %w", err)
	}
	return ok, nil
}

func (c *RedisCooldown) Release(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, cooldownKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("redis cooldown: %w", err)
	}
	return nil
}

func (c *RedisCooldown) Close() error {
	return c.client.Close()
}
