package trigger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Claimer grants a key to one caller for a window. Delivery is at least
// once, so claims only cut down duplicate work; correctness comes from the
// store's conditional writes.
type Claimer interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// RedisClaimer shares claims across worker processes.
type RedisClaimer struct {
	client *redis.Client
	prefix string
}

func NewRedisClaimer(client *redis.Client, prefix string) *RedisClaimer {
	if prefix == "" {
		prefix = "pipeline"
	}
	return &RedisClaimer{client: client, prefix: prefix}
}

func (c *RedisClaimer) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, c.prefix+":"+key, time.Now().UTC().Format(time.RFC3339Nano), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim %s: %w", key, err)
	}
	return ok, nil
}

func (c *RedisClaimer) Release(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.prefix+":"+key).Err(); err != nil {
		return fmt.Errorf("failed to release %s: %w", key, err)
	}
	return nil
}

// MemoryClaimer holds claims in process.
type MemoryClaimer struct {
	mu     sync.Mutex
	claims map[string]time.Time
	now    func() time.Time
}

func NewMemoryClaimer() *MemoryClaimer {
	return &MemoryClaimer{claims: make(map[string]time.Time), now: time.Now}
}

func (c *MemoryClaimer) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if until, ok := c.claims[key]; ok && now.Before(until) {
		return false, nil
	}
	c.claims[key] = now.Add(ttl)

	// Drop expired claims so the map does not grow without bound.
	for k, until := range c.claims {
		if !now.Before(until) {
			delete(c.claims, k)
		}
	}
	return true, nil
}

func (c *MemoryClaimer) Release(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.claims, key)
	return nil
}
