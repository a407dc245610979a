// ABOUTME: Thread-safe TTL cache that remembers which idempotency key created which workflow
// ABOUTME: Lets clients retry POST /api/workflows without starting the simulation twice

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Outcome is the result of claiming a key.
type Outcome int

const (
	// Claimed means the caller owns the key and must Complete or Release it.
	Claimed Outcome = iota
	// Done means an earlier request finished; the returned value is its result.
	Done
	// InFlight means an earlier request with the key is still running.
	InFlight
)

type cacheEntry struct {
	value     string
	pending   bool
	timestamp time.Time
	element   *list.Element
}

// Cache maps keys to result values for ttl. Entries are kept in insertion
// order so the oldest is evicted in O(1) once maxSize is reached.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache. A background goroutine drops expired entries every
// minute until Close.
func New(ttl time.Duration, maxSize int) *Cache {
	return newCache(ttl, maxSize, time.Now)
}

func newCache(ttl time.Duration, maxSize int, now func() time.Time) *Cache {
	c := &Cache{
		entries: make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     now,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Claim atomically looks key up and reserves it when absent or expired.
func (c *Cache) Claim(key string) (string, Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok && c.now().Sub(e.timestamp) < c.ttl {
		if e.pending {
			return "", InFlight
		}
		return e.value, Done
	}
	c.putLocked(key, "", true)
	return "", Claimed
}

// Complete records the result for a claimed key.
func (c *Cache) Complete(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(key, value, false)
}

// Release forgets a claimed key so a retry can run again.
func (c *Cache) Release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok && e.pending {
		c.order.Remove(e.element)
		delete(c.entries, key)
	}
}

// Len returns the number of entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// putLocked inserts or refreshes key. Must be called with mu held.
func (c *Cache) putLocked(key, value string, pending bool) {
	now := c.now()
	if e, ok := c.entries[key]; ok {
		e.value = value
		e.pending = pending
		e.timestamp = now
		c.order.MoveToBack(e.element)
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}
	c.entries[key] = &cacheEntry{
		value:     value,
		pending:   pending,
		timestamp: now,
		element:   c.order.PushBack(key),
	}
}

// evictOldest removes the oldest entry. Must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.entries, key)
}

func (c *Cache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

// runCleanup drops expired entries, walking from the oldest.
func (c *Cache) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		key, _ := el.Value.(string)
		if e := c.entries[key]; e != nil && now.Sub(e.timestamp) >= c.ttl {
			c.order.Remove(el)
			delete(c.entries, key)
		}
		el = next
	}
}

// Close stops the cleanup goroutine. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
