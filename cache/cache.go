// Package cache provides a fixed-capacity in-memory cache with per-entry
// TTL and least-recently-used eviction. It backs both the token validation
// cache and the task collection cache.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// DefaultCapacity is used when a non-positive capacity is given.
const DefaultCapacity = 128

type entry[V any] struct {
	key      string
	value    V
	cachedAt time.Time
	ttl      time.Duration
}

// Cache is a TTL + LRU cache. The zero value is not usable; use New.
type Cache[V any] struct {
	mu       sync.Mutex
	capacity int
	order    *list.List // front = most recently used
	items    map[string]*list.Element

	now func() time.Time
}

// New creates a cache holding at most capacity entries.
func New[V any](capacity int) *Cache[V] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache[V]{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[string]*list.Element),
		now:      time.Now,
	}
}

// Get returns the value for key if present and not expired. An expired entry
// is removed and reported as absent.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	el, ok := c.items[key]
	if !ok {
		return zero, false
	}
	e := el.Value.(*entry[V])
	if c.now().Sub(e.cachedAt) > e.ttl {
		c.removeElement(el)
		return zero, false
	}
	c.order.MoveToFront(el)
	return e.value, true
}

// Set stores value under key with the given TTL, evicting the least recently
// used entry if the cache is at capacity.
func (c *Cache[V]) Set(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry[V])
		e.value = value
		e.cachedAt = c.now()
		e.ttl = ttl
		c.order.MoveToFront(el)
		return
	}

	if c.order.Len() >= c.capacity {
		if back := c.order.Back(); back != nil {
			c.removeElement(back)
		}
	}

	el := c.order.PushFront(&entry[V]{key: key, value: value, cachedAt: c.now(), ttl: ttl})
	c.items[key] = el
}

// Delete removes key from the cache if present.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
}

// Clear removes all entries.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.items = make(map[string]*list.Element)
}

// Len returns the number of entries currently stored, including entries that
// have expired but have not yet been touched.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *Cache[V]) removeElement(el *list.Element) {
	e := el.Value.(*entry[V])
	c.order.Remove(el)
	delete(c.items, e.key)
}
