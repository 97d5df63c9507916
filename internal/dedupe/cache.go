// ABOUTME: Thread-safe TTL cache for deduplicating inbound platform messages.
// ABOUTME: Used by platform adapters and the reply controller to prevent duplicate processing.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

const (
	// DefaultTTL is how long a fingerprint stays fresh after being marked.
	DefaultTTL = 5 * time.Minute

	// DefaultMaxSize is the capacity bound before eviction kicks in.
	DefaultMaxSize = 100
)

// cacheEntry stores the timestamp and list element for a cached key.
type cacheEntry struct {
	timestamp time.Time
	element   *list.Element
}

// Cache provides a thread-safe, TTL-based, size-limited cache for tracking
// seen message fingerprints. Marking sweeps expired entries, and when the
// cache still exceeds capacity it evicts down to half capacity, keeping the
// most recently marked keys. A doubly-linked list maintains recency order
// so eviction is O(1) per removed entry.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*cacheEntry
	order   *list.List // keys in mark order (oldest at front)
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a new dedupe cache with the specified TTL and maximum size.
// Non-positive arguments fall back to the defaults. A background goroutine
// periodically cleans up expired entries.
func New(ttl time.Duration, maxSize int) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	c := &Cache{
		seen:    make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Check returns true if the key has been seen and is not expired.
// An expired entry is removed on lookup.
func (c *Cache) Check(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.seen[key]
	if !ok {
		return false
	}
	if time.Since(entry.timestamp) >= c.ttl {
		c.order.Remove(entry.element)
		delete(c.seen, key)
		return false
	}
	return true
}

// CheckAndMark atomically checks if a key has been seen and marks it if not.
// Returns true if the key was already seen (duplicate), false if it's new and
// now marked. Check-then-record is one critical section: two near-simultaneous
// duplicates can never both pass the check before either records.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.seen[key]
	if ok && time.Since(entry.timestamp) < c.ttl {
		return true // already seen, reject
	}

	c.markLocked(key)
	return false
}

// Mark records that a key has been seen, sweeping expired entries and
// enforcing the capacity bound.
func (c *Cache) Mark(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markLocked(key)
}

// Forget removes a key so a later Check or CheckAndMark treats it as unseen.
// Unknown keys are ignored.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.seen[key]; ok {
		c.order.Remove(entry.element)
		delete(c.seen, key)
	}
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// markLocked is the internal mark implementation. Must be called with mu held.
func (c *Cache) markLocked(key string) {
	now := time.Now()

	// If key already exists, update timestamp and move to back
	if entry, exists := c.seen[key]; exists {
		entry.timestamp = now
		c.order.MoveToBack(entry.element)
		return
	}

	elem := c.order.PushBack(key)
	c.seen[key] = &cacheEntry{
		timestamp: now,
		element:   elem,
	}

	// Sweep expired entries first; if still over capacity, evict down to
	// half capacity keeping the most recently marked keys.
	c.sweepLocked(now)
	if len(c.seen) > c.maxSize {
		target := c.maxSize / 2
		for len(c.seen) > target {
			c.evictOldestLocked()
		}
	}
}

// evictOldestLocked removes the oldest entry. Must be called with mu held.
func (c *Cache) evictOldestLocked() {
	front := c.order.Front()
	if front == nil {
		return
	}

	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}

// sweepLocked removes all expired entries. Must be called with mu held.
func (c *Cache) sweepLocked(now time.Time) {
	for key, entry := range c.seen {
		if now.Sub(entry.timestamp) >= c.ttl {
			c.order.Remove(entry.element)
			delete(c.seen, key)
		}
	}
}

// cleanup runs in a background goroutine, periodically removing expired entries.
func (c *Cache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			c.sweepLocked(time.Now())
			c.mu.Unlock()
		case <-c.done:
			return
		}
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
