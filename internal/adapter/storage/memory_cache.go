package storage

import (
	"context"
	"sync"
)

// MemoryCache is an in-process idempotency store.
type MemoryCache struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{keys: make(map[string]struct{})}
}

func (c *MemoryCache) SetIdempotency(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.keys[key]; ok {
		return false, nil
	}
	c.keys[key] = struct{}{}
	return true, nil
}

func (c *MemoryCache) ClearIdempotency(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.keys, key)
	return nil
}
