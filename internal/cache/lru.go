package cache

import (
	"container/list"
	"sync"
	"time"
)

type lruEntry[V any] struct {
	key       string
	value     V
	createdAt time.Time
	ttl       time.Duration
}

func (e *lruEntry[V]) expired(now time.Time) bool {
	return e.ttl > 0 && now.Sub(e.createdAt) > e.ttl
}

// LRU is a Cache with least-recently-used eviction and optional TTL.
type LRU[V any] struct {
	config       Config
	items        map[string]*list.Element
	evictionList *list.List
	stats        Stats
	mu           sync.Mutex
}

// NewLRU creates a new LRU cache with the given configuration
func NewLRU[V any](config Config) *LRU[V] {
	if config.MaxSize <= 0 {
		config.MaxSize = DefaultConfig().MaxSize
	}
	return &LRU[V]{
		config:       config,
		items:        make(map[string]*list.Element),
		evictionList: list.New(),
		stats:        Stats{MaxSize: config.MaxSize},
	}
}

func (c *LRU[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	element, ok := c.items[key]
	if !ok {
		c.stats.Misses++
		return zero, false
	}

	entry := element.Value.(*lruEntry[V])
	if entry.expired(time.Now()) {
		c.removeElementLocked(element)
		c.stats.Misses++
		return zero, false
	}

	c.evictionList.MoveToFront(element)
	c.stats.Hits++
	return entry.value, true
}

func (c *LRU[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if element, ok := c.items[key]; ok {
		entry := element.Value.(*lruEntry[V])
		entry.value = value
		entry.createdAt = time.Now()
		c.evictionList.MoveToFront(element)
		return
	}

	element := c.evictionList.PushFront(&lruEntry[V]{
		key:       key,
		value:     value,
		createdAt: time.Now(),
		ttl:       c.config.DefaultTTL,
	})
	c.items[key] = element

	if c.evictionList.Len() > c.config.MaxSize {
		if oldest := c.evictionList.Back(); oldest != nil {
			c.removeElementLocked(oldest)
			c.stats.Evictions++
		}
	}
}

func (c *LRU[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if element, ok := c.items[key]; ok {
		c.removeElementLocked(element)
	}
}

func (c *LRU[V]) DeleteFunc(fn func(key string, value V) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, element := range c.items {
		if fn(key, element.Value.(*lruEntry[V]).value) {
			c.removeElementLocked(element)
			removed++
		}
	}
	return removed
}

func (c *LRU[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *LRU[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats
	stats.Size = len(c.items)
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats
}

// removeElementLocked removes an element from cache (caller must hold lock)
func (c *LRU[V]) removeElementLocked(element *list.Element) {
	entry := element.Value.(*lruEntry[V])
	delete(c.items, entry.key)
	c.evictionList.Remove(element)
}
