// Package lru provides a bounded LRU cache with optional per-entry TTL and
// a periodic sweep of expired entries.
package lru

import (
	"context"
	"sync"
	"time"
)

// entry is a doubly-linked list node.
type entry[K comparable, V any] struct {
	key       K
	value     V
	expiresAt time.Time // zero means no expiry
	prev      *entry[K, V]
	next      *entry[K, V]
}

// Cache is a thread-safe LRU cache. A zero TTL disables expiration.
type Cache[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]*entry[K, V]
	head    *entry[K, V] // most recently used
	tail    *entry[K, V] // least recently used
	maxSize int
	ttl     time.Duration
	onEvict func(K, V)

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// Option configures a Cache.
type Option[K comparable, V any] func(*Cache[K, V])

// WithOnEvict registers a hook invoked when a capacity eviction drops an
// entry. The hook runs outside the cache lock, so it may touch other
// caches; it does not fire for Remove, Purge, or TTL expiry.
func WithOnEvict[K comparable, V any](fn func(K, V)) Option[K, V] {
	return func(c *Cache[K, V]) { c.onEvict = fn }
}

// New creates a cache holding at most maxSize entries, each expiring after
// ttl (0 = never).
func New[K comparable, V any](maxSize int, ttl time.Duration, opts ...Option[K, V]) *Cache[K, V] {
	if maxSize <= 0 {
		maxSize = 1
	}
	c := &Cache[K, V]{
		entries: make(map[K]*entry[K, V], maxSize),
		maxSize: maxSize,
		ttl:     ttl,
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get retrieves a value and promotes the entry to most recently used.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	if c.expired(e, time.Now()) {
		c.removeLocked(e)
		var zero V
		return zero, false
	}
	c.moveToHeadLocked(e)
	return e.value, true
}

// Put stores a value, evicting the least recently used entry at capacity.
func (c *Cache[K, V]) Put(key K, value V) {
	c.mu.Lock()

	if e, ok := c.entries[key]; ok {
		e.value = value
		e.expiresAt = c.deadline()
		c.moveToHeadLocked(e)
		c.mu.Unlock()
		return
	}

	var (
		evictedKey K
		evictedVal V
		evicted    bool
	)
	if len(c.entries) >= c.maxSize && c.tail != nil {
		evictedKey, evictedVal, evicted = c.tail.key, c.tail.value, true
		c.removeLocked(c.tail)
	}

	e := &entry[K, V]{key: key, value: value, expiresAt: c.deadline()}
	c.entries[key] = e
	c.pushHeadLocked(e)
	c.mu.Unlock()

	// The hook runs unlocked so it can safely mutate sibling caches.
	if evicted && c.onEvict != nil {
		c.onEvict(evictedKey, evictedVal)
	}
}

// GetOrCompute returns the cached value for key, computing and caching it on
// a miss. The compute function runs without the cache lock held; concurrent
// misses for the same key may compute more than once (last write wins).
func (c *Cache[K, V]) GetOrCompute(ctx context.Context, key K, compute func(ctx context.Context) (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err := compute(ctx)
	if err != nil {
		var zero V
		return zero, err
	}
	c.Put(key, v)
	return v, nil
}

// Remove deletes an entry if present.
func (c *Cache[K, V]) Remove(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.removeLocked(e)
	}
}

// Len returns the current number of entries, including not-yet-swept
// expired ones.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Purge empties the cache.
func (c *Cache[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[K]*entry[K, V], c.maxSize)
	c.head = nil
	c.tail = nil
}

// StartSweeper launches a background goroutine that periodically removes
// expired entries. It stops when ctx is cancelled or Stop is called.
func (c *Cache[K, V]) StartSweeper(ctx context.Context, interval time.Duration) {
	if c.ttl <= 0 || interval <= 0 {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stop:
				return
			case <-ticker.C:
				c.sweep()
			}
		}
	}()
}

// Stop terminates the sweeper goroutine and waits for it to exit.
// Safe to call multiple times.
func (c *Cache[K, V]) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	c.wg.Wait()
}

// sweep removes all expired entries.
func (c *Cache[K, V]) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for _, e := range c.entries {
		if c.expired(e, now) {
			c.removeLocked(e)
		}
	}
}

func (c *Cache[K, V]) deadline() time.Time {
	if c.ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(c.ttl)
}

func (c *Cache[K, V]) expired(e *entry[K, V], now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

func (c *Cache[K, V]) removeLocked(e *entry[K, V]) {
	delete(c.entries, e.key)
	c.unlinkLocked(e)
}

func (c *Cache[K, V]) moveToHeadLocked(e *entry[K, V]) {
	if c.head == e {
		return
	}
	c.unlinkLocked(e)
	c.pushHeadLocked(e)
}

func (c *Cache[K, V]) pushHeadLocked(e *entry[K, V]) {
	e.prev = nil
	e.next = c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *Cache[K, V]) unlinkLocked(e *entry[K, V]) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev = nil
	e.next = nil
}
