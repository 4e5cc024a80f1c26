// Package metrics exposes the Prometheus metrics of the client.
// All metrics are defined in their respective packages (client, cache,
// ratelimit, dedup, suppress) and registered via promauto on the default
// registry, so importing those packages is enough to register them.
//
// This package provides the HTTP handler and the reference of all metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registerer every package's metrics are registered with.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the gatherer Handler serves.
var Gatherer = prometheus.DefaultGatherer

// Handler returns the /metrics handler.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Names lists every metric the client registers.
var Names = []string{
	// pkg/client
	"vrc_requests_total",
	"vrc_attempt_duration_seconds",
	"vrc_errors_total",
	"vrc_retries_total",
	"vrc_retry_backoff_seconds",
	"vrc_retry_exhausted_total",
	// pkg/ratelimit
	"vrc_ratelimit_wait_seconds",
	"vrc_ratelimit_rejected_total",
	"vrc_ratelimit_blocks_total",
	"vrc_ratelimit_gate_waits_total",
	"vrc_ratelimit_blocked_seconds",
	// pkg/dedup
	"vrc_dedup_coalesced_total",
	"vrc_dedup_abandoned_total",
	"vrc_dedup_inflight",
	// pkg/suppress
	"vrc_suppressed_requests_total",
	// pkg/cache
	"vrc_cache_hits_total",
	"vrc_cache_misses_total",
	"vrc_cache_evictions_total",
	"vrc_cache_invalidations_total",
	"vrc_cache_stale_served_total",
	"vrc_cache_entries",
	"vrc_cache_snapshot_errors_total",
}

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - vrc_requests_total{outcome} (Counter): Executor calls by outcome (success, failed, cancelled, suppressed, shared)
//   - vrc_attempt_duration_seconds (Histogram): Duration of single network attempts
//   - vrc_errors_total{kind} (Counter): Failed attempts by error kind
//
// Retry Metrics (pkg/client):
//   - vrc_retries_total{kind} (Counter): Retry attempts by error kind
//   - vrc_retry_backoff_seconds{kind} (Histogram): Backoff duration by error kind
//   - vrc_retry_exhausted_total{kind} (Counter): Calls that used up every attempt
//
// Rate Limit Metrics (pkg/ratelimit):
//   - vrc_ratelimit_wait_seconds (Histogram): Time spent waiting for a token
//   - vrc_ratelimit_rejected_total (Counter): Refused non-blocking acquisitions
//   - vrc_ratelimit_blocks_total (Counter): Times a 429 armed the throttle gate
//   - vrc_ratelimit_gate_waits_total (Counter): Requests held back by the gate
//   - vrc_ratelimit_blocked_seconds (Gauge): Length of the latest block
//
// Deduplication and Suppression (pkg/dedup, pkg/suppress):
//   - vrc_dedup_coalesced_total (Counter): Callers that joined an in-flight call
//   - vrc_dedup_abandoned_total (Counter): Callers that stopped waiting
//   - vrc_dedup_inflight (Gauge): Distinct shared calls in progress
//   - vrc_suppressed_requests_total (Counter): Requests answered from a failure record
//
// Cache Metrics (pkg/cache):
//   - vrc_cache_hits_total{kind}, vrc_cache_misses_total{kind} (Counter)
//   - vrc_cache_evictions_total{kind} (Counter): LRU evictions
//   - vrc_cache_invalidations_total{kind,reason} (Counter)
//   - vrc_cache_stale_served_total{kind} (Counter): Stale values served after a failed refresh
//   - vrc_cache_entries{kind} (Gauge): Current entries
//   - vrc_cache_snapshot_errors_total{operation} (Counter)
//
// Example Prometheus Queries:
//
//	# Cache Hit Rate
//	sum(rate(vrc_cache_hits_total[5m])) /
//	(sum(rate(vrc_cache_hits_total[5m])) + sum(rate(vrc_cache_misses_total[5m])))
//
//	# Share of reads answered by an in-flight call
//	rate(vrc_dedup_coalesced_total[5m]) / rate(vrc_requests_total[5m])
//
//	# Provider throttling
//	increase(vrc_ratelimit_blocks_total[1h]) > 0
//
//	# P95 Attempt Latency
//	histogram_quantile(0.95, rate(vrc_attempt_duration_seconds_bucket[5m]))
