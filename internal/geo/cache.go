package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache stores complete lookup answers per address.
type Cache interface {
	Get(ctx context.Context, ip string) (*Intel, bool, error)
	Set(ctx context.Context, ip string, in *Intel, ttl time.Duration) error
	Delete(ctx context.Context, ip string) error
}

// NopCache caches nothing.
type NopCache struct{}

func (NopCache) Get(context.Context, string) (*Intel, bool, error) { return nil, false, nil }
func (NopCache) Set(context.Context, string, *Intel, time.Duration) error { return nil }
func (NopCache) Delete(context.Context, string) error { return nil }

type memoryEntry struct {
	intel     *Intel
	expiresAt time.Time
}

// MemoryCache is a process-local cache. Expired entries are dropped on read.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry), now: time.Now}
}

func (c *MemoryCache) Get(_ context.Context, ip string) (*Intel, bool, error) {
	c.mu.RLock()
	e, ok := c.entries[ip]
	c.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if !c.now().Before(e.expiresAt) {
		c.mu.Lock()
		delete(c.entries, ip)
		c.mu.Unlock()
		return nil, false, nil
	}
	return e.intel, true, nil
}

func (c *MemoryCache) Set(_ context.Context, ip string, in *Intel, ttl time.Duration) error {
	c.mu.Lock()
	c.entries[ip] = memoryEntry{intel: in, expiresAt: c.now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, ip string) error {
	c.mu.Lock()
	delete(c.entries, ip)
	c.mu.Unlock()
	return nil
}

// RedisCache shares answers between instances as JSON values.
type RedisCache struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisCache(client redis.UniversalClient) *RedisCache {
	return &RedisCache{client: client, prefix: "threatintel:"}
}

func (c *RedisCache) Get(ctx context.Context, ip string) (*Intel, bool, error) {
	const op = "geo.RedisCache.Get"

	data, err := c.client.Get(ctx, c.prefix+ip).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%s: %w", op, err)
	}

	var in Intel
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, false, fmt.Errorf("%s: %w", op, err)
	}
	return &in, true, nil
}

func (c *RedisCache) Set(ctx context.Context, ip string, in *Intel, ttl time.Duration) error {
	const op = "geo.RedisCache.Set"

	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := c.client.Set(ctx, c.prefix+ip, data, ttl).Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, ip string) error {
	const op = "geo.RedisCache.Delete"

	if err := c.client.Del(ctx, c.prefix+ip).Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
