// Package backoff computes retry delays after transient failures.
package backoff

import (
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Policy holds the configuration for exponential backoff.
type Policy struct {
	// MaxAttempts is the maximum number of attempts (including the initial request).
	MaxAttempts int

	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff caps every computed delay.
	MaxBackoff time.Duration

	// Multiplier is the growth factor between consecutive retries.
	Multiplier float64

	// Jitter is the relative spread applied around each delay (0.2 = ±20%).
	Jitter float64
}

// DefaultPolicy returns 5 attempts, 500ms initial delay doubling up to 30s, ±20% jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    5,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.2,
	}
}

// Validate checks that the policy can produce delays.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be >= 1 (got %d)", p.MaxAttempts)
	}
	if p.InitialBackoff < 0 {
		return fmt.Errorf("initial_backoff must be >= 0 (got %v)", p.InitialBackoff)
	}
	if p.MaxBackoff < p.InitialBackoff {
		return fmt.Errorf("max_backoff (%v) must be >= initial_backoff (%v)", p.MaxBackoff, p.InitialBackoff)
	}
	if p.Multiplier < 1 {
		return fmt.Errorf("multiplier must be >= 1 (got %v)", p.Multiplier)
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		return fmt.Errorf("jitter must be in [0, 1) (got %v)", p.Jitter)
	}
	return nil
}

// Base returns the un-jittered delay before retry number n (1-based).
func (p Policy) Base(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := float64(p.InitialBackoff) * math.Pow(p.Multiplier, float64(n-1))
	if d > float64(p.MaxBackoff) || math.IsInf(d, 1) {
		return p.MaxBackoff
	}
	return time.Duration(d)
}

// Delay returns the jittered delay before retry number n (1-based),
// never exceeding MaxBackoff.
func (p Policy) Delay(n int) time.Duration {
	return p.delay(n, defaultRand.Float64)
}

func (p Policy) delay(n int, random func() float64) time.Duration {
	base := p.Base(n)
	if p.Jitter == 0 || base == 0 {
		return base
	}
	factor := 1 - p.Jitter + random()*2*p.Jitter
	d := time.Duration(float64(base) * factor)
	if d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	return d
}

// CanRetry reports whether another attempt is allowed after attempt number
// attempt (1-based) has failed.
func (p Policy) CanRetry(attempt int) bool {
	return attempt < p.MaxAttempts
}

// ParseRetryAfter parses a Retry-After header value given either as
// delay-seconds or as an HTTP date. It returns false when the value is
// absent or malformed. Dates in the past yield a zero delay.
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}

	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		if secs < 0 || math.IsNaN(secs) || math.IsInf(secs, 0) {
			return 0, false
		}
		return time.Duration(secs * float64(time.Second)), true
	}

	at, err := http.ParseTime(value)
	if err != nil {
		return 0, false
	}
	d := at.Sub(now)
	if d < 0 {
		d = 0
	}
	return d, true
}

// lockedRand is a math/rand source safe for concurrent use.
type lockedRand struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func (r *lockedRand) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rnd.Float64()
}

var defaultRand = &lockedRand{rnd: rand.New(rand.NewSource(time.Now().UnixNano()))}
