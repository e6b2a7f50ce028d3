// Package listing memoizes completed paginated collection fetches.
//
// A listing enters the cache only after its fetch ran to completion, so a
// cached value is always the result of exactly one full pagination cycle.
// Concurrent fetches of the same key collapse into a single upstream
// flight; failed fetches are never cached.
package listing

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rdmount/rdmount/internal/metrics"
)

// Kind identifies which collection endpoint a cached listing came from.
type Kind string

const (
	KindProjects  Kind = "projects"
	KindChildren  Kind = "children"
	KindLinked    Kind = "linked"
	KindProviders Kind = "providers"
	KindFolder    Kind = "folder"
)

// Key identifies one cached collection.
type Key struct {
	Path string
	Kind Kind
}

func (k Key) String() string {
	return string(k.Kind) + ":" + k.Path
}

type entry[T any] struct {
	items     []T
	fetchedAt time.Time
}

// Cache holds completed listings with a bounded time-to-live and bounded
// capacity. A TTL of zero keeps entries for the session lifetime.
type Cache[T any] struct {
	ttl     time.Duration
	maxSize int

	mu      sync.RWMutex
	entries map[Key]entry[T]
	group   singleflight.Group
}

// New creates a cache. maxSize <= 0 means unbounded.
func New[T any](ttl time.Duration, maxSize int) *Cache[T] {
	return &Cache[T]{
		ttl:     ttl,
		maxSize: maxSize,
		entries: make(map[Key]entry[T]),
	}
}

// Get returns the cached listing for key, or runs fetch to completion,
// caches the result and returns it. Callers arriving while a fetch for
// the same key is in flight wait for that flight instead of issuing
// their own.
func (c *Cache[T]) Get(ctx context.Context, key Key, fetch func(context.Context) ([]T, error)) ([]T, error) {
	if items, ok := c.lookup(key); ok {
		metrics.RecordCacheHit(string(key.Kind))
		return items, nil
	}
	metrics.RecordCacheMiss(string(key.Kind))

	v, err, shared := c.group.Do(key.String(), func() (interface{}, error) {
		// Double-check: the flight we joined may have stored it already.
		if items, ok := c.lookup(key); ok {
			return items, nil
		}
		items, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.store(key, items)
		return items, nil
	})
	if shared {
		metrics.RecordSharedFlight()
	}
	if err != nil {
		return nil, err
	}
	return v.([]T), nil
}

// Invalidate drops the cached listing for key, if any.
func (c *Cache[T]) Invalidate(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Len returns the number of cached listings.
func (c *Cache[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache[T]) lookup(key Key) ([]T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.ttl > 0 && time.Since(e.fetchedAt) >= c.ttl {
		return nil, false
	}
	return e.items, true
}

func (c *Cache[T]) store(key Key, items []T) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxSize > 0 && len(c.entries) >= c.maxSize {
		c.evictOldestLocked()
	}
	c.entries[key] = entry[T]{items: items, fetchedAt: time.Now()}
}

// evictOldestLocked removes the entry with the oldest fetch time.
func (c *Cache[T]) evictOldestLocked() {
	var oldestKey Key
	var oldestTime time.Time
	first := true

	for k, e := range c.entries {
		if first || e.fetchedAt.Before(oldestTime) {
			oldestKey = k
			oldestTime = e.fetchedAt
			first = false
		}
	}
	if !first {
		delete(c.entries, oldestKey)
	}
}
