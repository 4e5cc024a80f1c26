package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"

	"github.com/Sternrassler/vrc-api-client/pkg/clock"
)

// Prometheus metrics for the token bucket.
var (
	limiterWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "vrc_ratelimit_wait_seconds",
		Help:    "Time callers spent waiting for token bucket capacity",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10},
	})

	limiterRejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vrc_ratelimit_rejected_total",
		Help: "Total number of non-blocking acquisitions refused by the token bucket",
	})
)

// ErrCostExceedsCapacity is returned when a single acquisition asks for more
// tokens than the bucket can ever hold.
var ErrCostExceedsCapacity = errors.New("cost exceeds bucket capacity")

// BucketConfig holds the token bucket configuration.
type BucketConfig struct {
	// Capacity is the maximum number of tokens (burst size).
	Capacity int

	// RefillPerSecond is the number of tokens added per second.
	RefillPerSecond float64
}

// DefaultBucketConfig returns 5 tokens refilled at 1/s (60 requests per minute).
func DefaultBucketConfig() BucketConfig {
	return BucketConfig{
		Capacity:        5,
		RefillPerSecond: 1,
	}
}

// TokenBucket governs the outbound request rate.
//
// Refill is lazy: the number of available tokens is derived from the time
// elapsed since the last acquisition, so no background goroutine runs.
// Blocking acquisitions reserve their slot in call order, which makes
// waiters first-in first-out.
type TokenBucket struct {
	limiter *rate.Limiter
	clock   clock.Clock
}

// NewTokenBucket creates a token bucket that starts full.
func NewTokenBucket(cfg BucketConfig, clk clock.Clock) (*TokenBucket, error) {
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("capacity must be > 0 (got %d)", cfg.Capacity)
	}
	if cfg.RefillPerSecond <= 0 {
		return nil, fmt.Errorf("refill rate must be > 0 (got %v)", cfg.RefillPerSecond)
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &TokenBucket{
		limiter: rate.NewLimiter(rate.Limit(cfg.RefillPerSecond), cfg.Capacity),
		clock:   clk,
	}, nil
}

// TryAcquire takes cost tokens if they are available right now.
func (b *TokenBucket) TryAcquire(cost int) bool {
	if b.limiter.AllowN(b.clock.Now(), cost) {
		return true
	}
	limiterRejectedTotal.Inc()
	return false
}

// Acquire blocks until cost tokens are available or ctx is done.
// A cancelled wait gives its reservation back to the bucket.
func (b *TokenBucket) Acquire(ctx context.Context, cost int) error {
	now := b.clock.Now()
	r := b.limiter.ReserveN(now, cost)
	if !r.OK() {
		return fmt.Errorf("%w: cost %d, capacity %d", ErrCostExceedsCapacity, cost, b.limiter.Burst())
	}

	delay := r.DelayFrom(now)
	if delay <= 0 {
		return nil
	}

	limiterWaitSeconds.Observe(delay.Seconds())
	if !clock.Sleep(b.clock, delay, ctx.Done()) {
		r.CancelAt(b.clock.Now())
		return ctx.Err()
	}
	return nil
}

// Tokens returns the number of tokens available now. Negative values mean
// outstanding reservations are waiting for refill.
func (b *TokenBucket) Tokens() float64 {
	return b.limiter.TokensAt(b.clock.Now())
}

// Capacity returns the bucket size.
func (b *TokenBucket) Capacity() int {
	return b.limiter.Burst()
}

// RefillInterval returns the time needed to earn a single token.
func (b *TokenBucket) RefillInterval() time.Duration {
	return time.Duration(float64(time.Second) / float64(b.limiter.Limit()))
}
