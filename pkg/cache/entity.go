package cache

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/vrc-api-client/pkg/clock"
)

// MergeFunc combines the currently cached value with a newly fetched one.
type MergeFunc[T any] func(old, incoming T) T

// EntityOptions configures an EntityCache.
type EntityOptions[T any] struct {
	// Name labels metrics and logs (the kind).
	Name string

	// TTL is the default freshness window.
	TTL time.Duration

	// MaxEntries bounds the number of entries.
	MaxEntries int

	// Merge, if set, combines a fresh existing value with a new one on Set.
	Merge MergeFunc[T]

	// Clock drives freshness (default: real time).
	Clock clock.Clock

	// Logger receives eviction and invalidation events.
	Logger zerolog.Logger
}

// EntityCache is a bounded TTL cache for one kind of entity.
//
// Reads return fresh values only. Stale values are retained until swept,
// invalidated or evicted, so that they can be served explicitly when a
// refresh fails. When full, a Set of a new key evicts the least recently
// accessed entry.
//
// Every invalidation advances the generation. A writer that read the
// generation before a fetch uses SetIf so that a result fetched before an
// invalidation is not stored after it.
type EntityCache[T any] struct {
	mu     sync.Mutex
	lru    *simplelru.LRU[string, *CacheEntry[T]]
	gen    uint64
	name   string
	ttl    time.Duration
	max    int
	merge  MergeFunc[T]
	clock  clock.Clock
	logger zerolog.Logger
}

// NewEntityCache creates an empty cache.
func NewEntityCache[T any](opts EntityOptions[T]) (*EntityCache[T], error) {
	if opts.MaxEntries <= 0 {
		return nil, fmt.Errorf("%s: max_entries must be > 0 (got %d)", opts.Name, opts.MaxEntries)
	}
	if opts.TTL <= 0 {
		return nil, fmt.Errorf("%s: ttl must be > 0 (got %v)", opts.Name, opts.TTL)
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}

	lru, err := simplelru.NewLRU[string, *CacheEntry[T]](opts.MaxEntries, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", opts.Name, err)
	}

	return &EntityCache[T]{
		lru:    lru,
		name:   opts.Name,
		ttl:    opts.TTL,
		max:    opts.MaxEntries,
		merge:  opts.Merge,
		clock:  opts.Clock,
		logger: opts.Logger,
	}, nil
}

// Name returns the kind this cache holds.
func (c *EntityCache[T]) Name() string {
	return c.name
}

// TTL returns the default freshness window.
func (c *EntityCache[T]) TTL() time.Duration {
	return c.ttl
}

// MaxEntries returns the capacity.
func (c *EntityCache[T]) MaxEntries() int {
	return c.max
}

// Get returns the value for key if it is fresh and marks it as accessed.
func (c *EntityCache[T]) Get(key string) (T, bool) {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.lru.Peek(key)
	if !ok || !entry.IsFresh(now) {
		var zero T
		return zero, false
	}

	c.lru.Get(key)
	entry.LastAccessedAt = now
	return entry.Value, true
}

// GetStale returns the retained value for key regardless of freshness,
// without marking it as accessed.
func (c *EntityCache[T]) GetStale(key string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.lru.Peek(key)
	if !ok {
		var zero T
		return zero, false
	}
	return entry.Value, true
}

// Entry returns a copy of the entry for key, fresh or not.
func (c *EntityCache[T]) Entry(key string) (CacheEntry[T], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.lru.Peek(key)
	if !ok {
		return CacheEntry[T]{}, false
	}
	return *entry, true
}

// Generation returns the number of invalidations so far.
func (c *EntityCache[T]) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// Set stores value under key and returns the stored value. With a merge
// function configured and a fresh value already present, the stored value
// is Merge(existing, value). An optional positive ttl overrides the default.
func (c *EntityCache[T]) Set(key string, value T, ttl ...time.Duration) T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setLocked(key, value, ttl)
}

// SetIf is Set, performed only while the generation is still gen. It
// reports whether the value was stored.
func (c *EntityCache[T]) SetIf(gen uint64, key string, value T, ttl ...time.Duration) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return value, false
	}
	return c.setLocked(key, value, ttl), true
}

func (c *EntityCache[T]) setLocked(key string, value T, ttl []time.Duration) T {
	now := c.clock.Now()
	d := c.ttl
	if len(ttl) > 0 && ttl[0] > 0 {
		d = ttl[0]
	}

	if old, ok := c.lru.Peek(key); ok {
		if c.merge != nil && old.IsFresh(now) {
			value = c.merge(old.Value, value)
		}
	} else if c.lru.Len() >= c.max {
		if victim, entry, ok := c.lru.RemoveOldest(); ok {
			CacheEvictions.WithLabelValues(c.name).Inc()
			c.logger.Debug().
				Str("kind", c.name).
				Str("key", victim).
				Time("last_accessed", entry.LastAccessedAt).
				Msg("Evicted least recently used entry")
		}
	}

	c.lru.Add(key, &CacheEntry[T]{
		Value:          value,
		InsertedAt:     now,
		LastAccessedAt: now,
		TTL:            d,
	})
	CacheEntries.WithLabelValues(c.name).Set(float64(c.lru.Len()))
	return value
}

// Invalidate removes key. For an absent key it only advances the generation,
// which still discards a pending write of that key.
func (c *EntityCache[T]) Invalidate(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.gen++
	removed := c.lru.Remove(key)
	if removed {
		CacheInvalidations.WithLabelValues(c.name, "invalidate").Inc()
		CacheEntries.WithLabelValues(c.name).Set(float64(c.lru.Len()))
	}
	return removed
}

// InvalidateFunc removes every key for which match returns true and
// returns how many were removed.
func (c *EntityCache[T]) InvalidateFunc(match func(key string) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.gen++
	removed := 0
	for _, key := range c.lru.Keys() {
		if match(key) && c.lru.Remove(key) {
			removed++
		}
	}
	if removed > 0 {
		CacheInvalidations.WithLabelValues(c.name, "invalidate").Add(float64(removed))
		CacheEntries.WithLabelValues(c.name).Set(float64(c.lru.Len()))
	}
	return removed
}

// InvalidateAll removes every entry.
func (c *EntityCache[T]) InvalidateAll() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.gen++
	n := c.lru.Len()
	c.lru.Purge()
	if n > 0 {
		CacheInvalidations.WithLabelValues(c.name, "clear").Add(float64(n))
	}
	CacheEntries.WithLabelValues(c.name).Set(0)
	return n
}

// Sweep removes every stale entry and returns how many were removed.
func (c *EntityCache[T]) Sweep() int {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, key := range c.lru.Keys() {
		if entry, ok := c.lru.Peek(key); ok && !entry.IsFresh(now) {
			c.lru.Remove(key)
			removed++
		}
	}
	if removed > 0 {
		CacheInvalidations.WithLabelValues(c.name, "sweep").Add(float64(removed))
		CacheEntries.WithLabelValues(c.name).Set(float64(c.lru.Len()))
	}
	return removed
}

// Len returns the number of entries, fresh or stale.
func (c *EntityCache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Keys returns the keys from least to most recently accessed.
func (c *EntityCache[T]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Keys()
}

// Items returns a copy of every fresh value keyed by key.
func (c *EntityCache[T]) Items() map[string]T {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]T, c.lru.Len())
	for _, key := range c.lru.Keys() {
		if entry, ok := c.lru.Peek(key); ok && entry.IsFresh(now) {
			out[key] = entry.Value
		}
	}
	return out
}

// FreshCount returns the number of fresh entries.
func (c *EntityCache[T]) FreshCount() int {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, key := range c.lru.Keys() {
		if entry, ok := c.lru.Peek(key); ok && entry.IsFresh(now) {
			n++
		}
	}
	return n
}
