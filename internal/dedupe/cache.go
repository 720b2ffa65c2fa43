// ABOUTME: Thread-safe TTL cache for suppressing duplicate chat messages.
// ABOUTME: Size-bounded with insertion-order eviction and periodic cleanup.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// cacheEntry stores the timestamp and list element for a cached key.
type cacheEntry struct {
	timestamp time.Time
	element   *list.Element
}

// Cache tracks recently seen message keys so a redelivered chat_message is
// processed only once. Insertion order is kept in a list for O(1) eviction.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*cacheEntry
	order   *list.List
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a cache with the given TTL and maximum size. A background
// goroutine periodically drops expired entries.
func New(ttl time.Duration, maxSize int) *Cache {
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

// CheckAndMark atomically checks whether key was seen and marks it if not.
// Returns true for a duplicate, false for a new (now marked) key.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.seen[key]
	if ok && time.Since(entry.timestamp) < c.ttl {
		return true
	}

	c.markLocked(key)
	return false
}

// markLocked records key, evicting the oldest entry at capacity. Caller holds mu.
func (c *Cache) markLocked(key string) {
	if entry, ok := c.seen[key]; ok {
		entry.timestamp = time.Now()
		c.order.MoveToBack(entry.element)
		return
	}

	if len(c.seen) >= c.maxSize {
		if oldest := c.order.Front(); oldest != nil {
			oldestKey := oldest.Value.(string)
			c.order.Remove(oldest)
			delete(c.seen, oldestKey)
		}
	}

	elem := c.order.PushBack(key)
	c.seen[key] = &cacheEntry{timestamp: time.Now(), element: elem}
}

// Len reports the number of tracked keys.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// cleanup periodically removes expired entries until Close.
func (c *Cache) cleanup() {
	interval := c.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.removeExpired()
		}
	}
}

// removeExpired drops entries older than the TTL, oldest first.
func (c *Cache) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for elem := c.order.Front(); elem != nil; {
		key := elem.Value.(string)
		entry := c.seen[key]
		if time.Since(entry.timestamp) < c.ttl {
			break
		}
		next := elem.Next()
		c.order.Remove(elem)
		delete(c.seen, key)
		elem = next
	}
}

// Close stops the cleanup goroutine. Safe to call once.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
}
