// Package reconcile holds optimistic local overrides for state that is
// confirmed upstream with a delay.
package reconcile

import (
	"sync"
	"time"
)

type entry[V comparable] struct {
	value   V
	expires time.Time
}

// Cache keeps an override until upstream reports the same value or the TTL
// passes, whichever comes first.
type Cache[K comparable, V comparable] struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[K]entry[V]
}

func New[K comparable, V comparable](ttl time.Duration) *Cache[K, V] {
	return &Cache[K, V]{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[K]entry[V]),
	}
}

// WithClock replaces the time source.
func (c *Cache[K, V]) WithClock(now func() time.Time) *Cache[K, V] {
	c.now = now
	return c
}

func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry[V]{value: value, expires: c.now().Add(c.ttl)}
}

// Resolve returns the value to display for key given the upstream value. The
// override is dropped once upstream matches it or it has expired.
func (c *Cache[K, V]) Resolve(key K, upstream V) V {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return upstream
	}
	if e.value == upstream || !c.now().Before(e.expires) {
		delete(c.entries, key)
		return upstream
	}
	return e.value
}

func (c *Cache[K, V]) Clear(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Len counts entries, including expired ones not yet resolved.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
