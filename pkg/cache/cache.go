package cache

import (
	"container/list"
	"sync"
	"time"
)

// Entry is a cached value with access bookkeeping.
type Entry[V any] struct {
	Value       V
	CreatedAt   time.Time
	AccessCount int
	LastAccess  time.Time
}

// Stats reports cache effectiveness.
type Stats struct {
	Size        int
	Capacity    int
	Hits        int64
	Misses      int64
	Evictions   int64
	Expirations int64
}

// HitRate returns hits / (hits + misses), or 0 with no lookups.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Cache is a bounded LRU cache whose entries also expire after a TTL.
// Whichever limit triggers first evicts the entry.
type Cache[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	items    map[K]*list.Element
	order    *list.List // front is most recently used
	now      func() time.Time

	hits        int64
	misses      int64
	evictions   int64
	expirations int64
}

type item[K comparable, V any] struct {
	key   K
	entry Entry[V]
}

// New creates a cache. A ttl <= 0 disables expiry.
func New[K comparable, V any](capacity int, ttl time.Duration) *Cache[K, V] {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Cache[K, V]{
		capacity: capacity,
		ttl:      ttl,
		items:    make(map[K]*list.Element),
		order:    list.New(),
		now:      time.Now,
	}
}

// Get returns the value for key and marks it most recently used.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	el, ok := c.items[key]
	if !ok {
		c.misses++
		return zero, false
	}
	it := el.Value.(*item[K, V])
	now := c.now()
	if c.expired(it, now) {
		c.remove(el)
		c.expirations++
		c.misses++
		return zero, false
	}
	it.entry.AccessCount++
	it.entry.LastAccess = now
	c.order.MoveToFront(el)
	c.hits++
	return it.entry.Value, true
}

// Set stores value under key. When the cache is full expired entries are
// dropped first, then the least recently used one.
func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	entry := Entry[V]{Value: value, CreatedAt: now, LastAccess: now}
	if el, ok := c.items[key]; ok {
		el.Value.(*item[K, V]).entry = entry
		c.order.MoveToFront(el)
		return
	}
	if len(c.items) >= c.capacity && c.purgeLocked(now) == 0 {
		if back := c.order.Back(); back != nil {
			c.remove(back)
			c.evictions++
		}
	}
	c.items[key] = c.order.PushFront(&item[K, V]{key: key, entry: entry})
}

// Delete removes key if present.
func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.remove(el)
	}
}

// Stats returns a snapshot of the counters.
func (c *Cache[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Size:        len(c.items),
		Capacity:    c.capacity,
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expirations: c.expirations,
	}
}

// peek returns the entry without touching LRU order or stats.
func (c *Cache[K, V]) peek(key K) (Entry[V], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return Entry[V]{}, false
	}
	it := el.Value.(*item[K, V])
	if c.expired(it, c.now()) {
		return Entry[V]{}, false
	}
	return it.entry, true
}

func (c *Cache[K, V]) expired(it *item[K, V], now time.Time) bool {
	return c.ttl > 0 && now.Sub(it.entry.CreatedAt) >= c.ttl
}

// purgeLocked drops expired entries and returns how many went.
func (c *Cache[K, V]) purgeLocked(now time.Time) int {
	if c.ttl <= 0 {
		return 0
	}
	removed := 0
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		if c.expired(el.Value.(*item[K, V]), now) {
			c.remove(el)
			c.expirations++
			removed++
		}
		el = prev
	}
	return removed
}

func (c *Cache[K, V]) remove(el *list.Element) {
	c.order.Remove(el)
	delete(c.items, el.Value.(*item[K, V]).key)
}
