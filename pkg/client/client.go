// Package client provides the request executor that every network call goes
// through: failure suppression, deduplication, throttling, retries and
// error classification.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/vrc-api-client/pkg/backoff"
	"github.com/Sternrassler/vrc-api-client/pkg/clock"
	"github.com/Sternrassler/vrc-api-client/pkg/dedup"
	"github.com/Sternrassler/vrc-api-client/pkg/logging"
	"github.com/Sternrassler/vrc-api-client/pkg/ratelimit"
	"github.com/Sternrassler/vrc-api-client/pkg/session"
	"github.com/Sternrassler/vrc-api-client/pkg/suppress"
	"github.com/Sternrassler/vrc-api-client/pkg/transport"
)

// Prometheus metrics for executor operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vrc_requests_total",
		Help: "Total executor calls by outcome",
	}, []string{"outcome"})

	attemptDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "vrc_attempt_duration_seconds",
		Help:    "Duration of single network attempts in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vrc_errors_total",
		Help: "Total failed attempts by error kind",
	}, []string{"kind"})
)

// ErrInvalidCall is returned for a Call that cannot be executed.
var ErrInvalidCall = errors.New("invalid call")

// AttemptFunc performs exactly one network attempt.
type AttemptFunc func(ctx context.Context) (any, error)

// Call describes one logical request.
type Call struct {
	// Fingerprint identifies the request for deduplication and suppression.
	// Required unless Mutation is set.
	Fingerprint string

	// DedupKey, if set, replaces Fingerprint as the key under which
	// concurrent reads are joined. Suppression always uses Fingerprint.
	DedupKey string

	// Attempt performs one network attempt. It is called again for each retry.
	Attempt AttemptFunc

	// OnSuccess, if set, runs once inside the call after a successful
	// attempt; its return value replaces the result for every waiter.
	OnSuccess func(v any) any

	// Mutation marks a state-changing request. Mutations are never
	// deduplicated or suppressed and are retried only on 429.
	Mutation bool

	// Cost is the number of limiter tokens the call takes per attempt (default 1).
	Cost int
}

// Config holds the executor configuration.
type Config struct {
	// Transport performs the exchanges built by Executor.Request.
	Transport transport.Transport

	// Retry is the backoff policy for retryable failures.
	Retry backoff.Policy

	// RateLimit configures the token bucket.
	RateLimit ratelimit.BucketConfig

	// MaxRetryAfter is the longest provider-requested pause that is waited
	// out. Longer pauses fail the call immediately.
	MaxRetryAfter time.Duration

	// CallTimeout bounds a shared call, independent of any caller's context.
	CallTimeout time.Duration

	// FailureCooldown is how long a failed fingerprint stays suppressed.
	FailureCooldown time.Duration

	// Unauthorized is notified on 401 responses.
	Unauthorized session.UnauthorizedHandler

	// Clock drives every wait (default: real time).
	Clock clock.Clock
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(t transport.Transport) Config {
	return Config{
		Transport:       t,
		Retry:           backoff.DefaultPolicy(),
		RateLimit:       ratelimit.DefaultBucketConfig(),
		MaxRetryAfter:   2 * time.Minute,
		CallTimeout:     2 * time.Minute,
		FailureCooldown: suppress.DefaultCooldown,
	}
}

// Executor runs calls against the provider.
type Executor struct {
	cfg        Config
	clock      clock.Clock
	limiter    *ratelimit.TokenBucket
	gate       *ratelimit.Gate
	suppressor *suppress.Suppressor
	inflight   *dedup.Group
	logger     zerolog.Logger
}

// New creates an executor.
func New(cfg Config) (*Executor, error) {
	if err := cfg.Retry.Validate(); err != nil {
		return nil, fmt.Errorf("retry policy: %w", err)
	}
	if cfg.MaxRetryAfter <= 0 {
		return nil, fmt.Errorf("max_retry_after must be > 0 (got %v)", cfg.MaxRetryAfter)
	}
	if cfg.CallTimeout <= 0 {
		return nil, fmt.Errorf("call_timeout must be > 0 (got %v)", cfg.CallTimeout)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}

	limiter, err := ratelimit.NewTokenBucket(cfg.RateLimit, cfg.Clock)
	if err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	logger := logging.NewLogger("executor")

	return &Executor{
		cfg:        cfg,
		clock:      cfg.Clock,
		limiter:    limiter,
		gate:       ratelimit.NewGate(cfg.Clock, logger),
		suppressor: suppress.New(cfg.Clock),
		inflight:   dedup.New(),
		logger:     logger,
	}, nil
}

// Do executes call and returns its result.
//
// Identical concurrent reads share one execution; the caller's context only
// bounds how long this caller waits. A read whose fingerprint failed within
// the cooldown returns a KindSuppressed error without touching the network.
func (e *Executor) Do(ctx context.Context, call Call) (any, error) {
	if call.Attempt == nil {
		return nil, fmt.Errorf("%w: attempt is required", ErrInvalidCall)
	}

	if call.Mutation {
		v, err := e.run(ctx, call)
		observeOutcome(err)
		return v, err
	}

	if call.Fingerprint == "" {
		return nil, fmt.Errorf("%w: fingerprint is required", ErrInvalidCall)
	}

	if rec, ok := e.suppressor.Lookup(call.Fingerprint); ok {
		requestsTotal.WithLabelValues("suppressed").Inc()
		e.logger.Debug().
			Str("fingerprint", call.Fingerprint).
			Dur("remaining", rec.Remaining(e.clock.Now())).
			Msg("Request suppressed after recent failure")
		return nil, &Error{
			Kind:       KindSuppressed,
			Message:    "identical request failed recently",
			RetryAfter: rec.Remaining(e.clock.Now()),
			Err:        rec.Err,
		}
	}

	key := call.DedupKey
	if key == "" {
		key = call.Fingerprint
	}
	v, shared, err := e.inflight.Do(ctx, key, func() (any, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.CallTimeout)
		defer cancel()
		v, err := e.run(callCtx, call)
		observeOutcome(err)
		return v, err
	})
	if shared {
		requestsTotal.WithLabelValues("shared").Inc()
	}
	return v, err
}

// Execute runs call and asserts the result type.
func Execute[T any](ctx context.Context, e *Executor, call Call) (T, error) {
	var zero T
	v, err := e.Do(ctx, call)
	if err != nil {
		return zero, err
	}
	if v == nil {
		return zero, nil
	}
	out, ok := v.(T)
	if !ok {
		return zero, &Error{Kind: KindUnknown, Message: fmt.Sprintf("unexpected result type %T", v)}
	}
	return out, nil
}

// Decoder turns a successful response into a value.
type Decoder func(resp *transport.Response) (any, error)

// DecodeJSON returns a Decoder that unmarshals the body into a new T.
func DecodeJSON[T any]() Decoder {
	return func(resp *transport.Response) (any, error) {
		var out T
		if err := resp.Decode(&out); err != nil {
			return nil, err
		}
		return out, nil
	}
}

// Request builds a Call that sends req through the configured transport.
// A nil decode yields the raw *transport.Response. Non-GET requests are
// mutations.
func (e *Executor) Request(req transport.Request, decode Decoder) Call {
	return Call{
		Fingerprint: req.Fingerprint(),
		Mutation:    req.NormalizedMethod() != http.MethodGet,
		Attempt: func(ctx context.Context) (any, error) {
			if e.cfg.Transport == nil {
				return nil, fmt.Errorf("%w: no transport configured", ErrInvalidCall)
			}
			resp, err := e.cfg.Transport.Send(ctx, req)
			if err != nil {
				return nil, err
			}
			if err := FromResponse(resp, e.clock.Now()); err != nil {
				return nil, err
			}
			if decode == nil {
				return resp, nil
			}
			return decode(resp)
		},
	}
}

// Limiter returns the executor's token bucket.
func (e *Executor) Limiter() *ratelimit.TokenBucket {
	return e.limiter
}

// Gate returns the provider throttle gate.
func (e *Executor) Gate() *ratelimit.Gate {
	return e.gate
}

// Suppressor returns the failure suppressor.
func (e *Executor) Suppressor() *suppress.Suppressor {
	return e.suppressor
}

// InFlight returns the number of distinct shared calls in progress.
func (e *Executor) InFlight() int {
	return e.inflight.InFlight()
}

func observeOutcome(err error) {
	switch {
	case err == nil:
		requestsTotal.WithLabelValues("success").Inc()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		requestsTotal.WithLabelValues("cancelled").Inc()
	default:
		requestsTotal.WithLabelValues("failed").Inc()
	}
}
