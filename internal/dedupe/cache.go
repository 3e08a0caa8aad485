// ABOUTME: TTL- and size-bounded cache of keys awaiting their own echo.
// ABOUTME: Sessions mark locally applied events and consume the matching echo once.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// pending stores when a key was marked and its position in insertion order.
type pending struct {
	markedAt time.Time
	element  *list.Element
}

// Cache tracks keys that were applied locally before being published. Each
// mark can be consumed exactly once; unconsumed marks expire after ttl so a
// lost echo never pins memory. Insertion order is kept in a linked list for
// O(1) eviction when the cache is full.
type Cache struct {
	mu      sync.Mutex
	marks   map[string]*pending
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a cache and starts its background expiry loop.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		marks:   make(map[string]*pending),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.expireLoop()
	return c
}

// Mark records key as awaiting its echo. Re-marking refreshes the entry.
func (c *Cache) Mark(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if p, exists := c.marks[key]; exists {
		p.markedAt = now
		c.order.MoveToBack(p.element)
		return
	}

	if len(c.marks) >= c.maxSize {
		c.evictOldest()
	}

	c.marks[key] = &pending{markedAt: now, element: c.order.PushBack(key)}
}

// Consume reports whether key was marked and unexpired, removing it either way.
func (c *Cache) Consume(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.marks[key]
	if !ok {
		return false
	}
	c.order.Remove(p.element)
	delete(c.marks, key)
	return time.Since(p.markedAt) < c.ttl
}

// Pending reports whether key is marked and unexpired without consuming it.
func (c *Cache) Pending(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.marks[key]
	return ok && time.Since(p.markedAt) < c.ttl
}

// Len returns the number of stored marks, including expired ones not yet swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.marks)
}

// evictOldest removes the front of the order list. Must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.marks, key)
}

func (c *Cache) expireLoop() {
	interval := c.ttl
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.expire()
		case <-c.done:
			return
		}
	}
}

// expire drops every mark older than ttl.
func (c *Cache) expire() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, p := range c.marks {
		if now.Sub(p.markedAt) >= c.ttl {
			c.order.Remove(p.element)
			delete(c.marks, key)
		}
	}
}

// Close stops the expiry loop. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
