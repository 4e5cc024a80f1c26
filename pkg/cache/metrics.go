package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks fresh reads by kind.
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vrc_cache_hits_total",
			Help: "Total number of fresh cache reads",
		},
		[]string{"kind"},
	)

	// CacheMisses tracks reads that had to go to the network.
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vrc_cache_misses_total",
			Help: "Total number of cache misses (absent or stale)",
		},
		[]string{"kind"},
	)

	// CacheEvictions tracks entries dropped to respect MaxEntries.
	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vrc_cache_evictions_total",
			Help: "Total number of least-recently-used evictions",
		},
		[]string{"kind"},
	)

	// CacheInvalidations tracks entries removed by invalidation, sweep or clear.
	CacheInvalidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vrc_cache_invalidations_total",
			Help: "Total number of entries removed by invalidation",
		},
		[]string{"kind", "reason"}, // "invalidate", "sweep", "clear"
	)

	// CacheStaleServed tracks stale values returned after a failed refresh.
	CacheStaleServed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vrc_cache_stale_served_total",
			Help: "Total number of stale values served after a fetch error",
		},
		[]string{"kind"},
	)

	// CacheEntries tracks the current number of entries by kind.
	CacheEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vrc_cache_entries",
			Help: "Current number of cache entries",
		},
		[]string{"kind"},
	)

	// SnapshotErrors tracks snapshot store failures.
	SnapshotErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vrc_cache_snapshot_errors_total",
			Help: "Total number of snapshot operation errors",
		},
		[]string{"operation"}, // "save", "load", "decode"
	)
)
