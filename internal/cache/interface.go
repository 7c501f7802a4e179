package cache

import "time"

// Cache is a bounded key/value cache keyed by string.
type Cache[V any] interface {
	// Get retrieves an item and marks it recently used
	Get(key string) (V, bool)

	// Set stores an item with the default TTL
	Set(key string, value V)

	// Delete removes an item
	Delete(key string)

	// DeleteFunc removes every item the predicate selects
	DeleteFunc(fn func(key string, value V) bool) int

	// Len returns the current number of items
	Len() int

	// Stats returns cache statistics
	Stats() Stats
}

// Stats represents cache performance metrics
type Stats struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
	Size      int     `json:"size"`
	MaxSize   int     `json:"max_size"`
	HitRate   float64 `json:"hit_rate"`
}

// Config defines configuration options for cache implementations
type Config struct {
	MaxSize    int           `json:"max_size"`
	DefaultTTL time.Duration `json:"default_ttl"`
}

// DefaultConfig sizes the cache for the sessions a single server keeps around.
func DefaultConfig() Config {
	return Config{
		MaxSize: 1024,
	}
}
