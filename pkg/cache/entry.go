package cache

import (
	"time"
)

// CacheEntry is a cached value with its freshness metadata.
type CacheEntry[T any] struct {
	// Value is the cached entity.
	Value T `json:"value"`

	// InsertedAt is when the value was stored. Freshness is measured from here.
	InsertedAt time.Time `json:"inserted_at"`

	// LastAccessedAt is when the value was last stored or read fresh.
	LastAccessedAt time.Time `json:"last_accessed_at"`

	// TTL is how long the value stays fresh.
	TTL time.Duration `json:"ttl"`
}

// IsFresh reports whether the entry may be served at now.
// An entry is still fresh at exactly InsertedAt+TTL.
func (e *CacheEntry[T]) IsFresh(now time.Time) bool {
	return !now.After(e.InsertedAt.Add(e.TTL))
}

// Age returns how long ago the value was stored.
func (e *CacheEntry[T]) Age(now time.Time) time.Duration {
	return now.Sub(e.InsertedAt)
}

// Remaining returns the time until the entry becomes stale.
// Returns 0 if already stale.
func (e *CacheEntry[T]) Remaining(now time.Time) time.Duration {
	d := e.InsertedAt.Add(e.TTL).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
