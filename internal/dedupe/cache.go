// ABOUTME: Thread-safe TTL cache mapping idempotency keys to task ids.
// ABOUTME: Size-bounded with oldest-first eviction; time comes from an injected clock.

package dedupe

import (
	"container/list"
	"sync"
	"time"

	"github.com/2389/pilot-gateway/internal/clock"
)

// cacheEntry stores the value, timestamp, and list element for a key.
type cacheEntry struct {
	value     string
	timestamp time.Time
	element   *list.Element
}

// Cache is a thread-safe, TTL-based, size-limited key to value map.
// A doubly-linked list keeps insertion order for O(1) eviction.
type Cache struct {
	mu      sync.RWMutex
	seen    map[string]*cacheEntry
	order   *list.List // keys, oldest at front
	ttl     time.Duration
	maxSize int
	clock   clock.Clock
	ticker  *clock.Ticker
	done    chan struct{}
	closed  bool
}

// New creates a cache. A background goroutine sweeps expired entries once
// per ttl.
func New(clk clock.Clock, ttl time.Duration, maxSize int) *Cache {
	if clk == nil {
		clk = clock.Real()
	}
	if maxSize <= 0 {
		maxSize = 10000
	}
	c := &Cache{
		seen:    make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		clock:   clk,
		done:    make(chan struct{}),
	}
	if ttl > 0 {
		c.ticker = clk.NewTicker(ttl)
		go c.cleanup()
	}
	return c
}

func (c *Cache) live(e *cacheEntry, now time.Time) bool {
	return c.ttl <= 0 || now.Sub(e.timestamp) < c.ttl
}

// Get returns the value stored for key if it has not expired.
func (c *Cache) Get(key string) (string, bool) {
	now := c.clock.Now()
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.seen[key]
	if !ok || !c.live(entry, now) {
		return "", false
	}
	return entry.value, true
}

// PutIfAbsent stores value under key unless a live entry exists. It returns
// the live value and true if one existed, or value and false once stored.
// Doing both under one lock keeps two concurrent submissions with the same
// key from both winning.
func (c *Cache) PutIfAbsent(key, value string) (string, bool) {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.seen[key]; ok && c.live(entry, now) {
		return entry.value, true
	}
	c.putLocked(key, value, now)
	return value, false
}

// Put stores value under key, replacing any entry.
func (c *Cache) Put(key, value string) {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(key, value, now)
}

// Delete removes key.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.seen[key]; ok {
		c.order.Remove(entry.element)
		delete(c.seen, key)
	}
}

// Len returns the number of stored entries, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.seen)
}

// putLocked must be called with mu held.
func (c *Cache) putLocked(key, value string, now time.Time) {
	if entry, exists := c.seen[key]; exists {
		entry.value = value
		entry.timestamp = now
		c.order.MoveToBack(entry.element)
		return
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(key)
	c.seen[key] = &cacheEntry{value: value, timestamp: now, element: elem}
}

// evictOldest must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}

func (c *Cache) cleanup() {
	defer c.ticker.Stop()
	for {
		select {
		case <-c.ticker.C:
			c.Sweep()
		case <-c.done:
			return
		}
	}
}

// Sweep removes every expired entry.
func (c *Cache) Sweep() {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, entry := range c.seen {
		if !c.live(entry, now) {
			c.order.Remove(entry.element)
			delete(c.seen, key)
		}
	}
}

// Close stops the background sweep. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
