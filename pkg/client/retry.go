package client

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Sternrassler/vrc-api-client/pkg/clock"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vrc_retries_total",
		Help: "Total number of retry attempts by error kind",
	}, []string{"kind"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vrc_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error kind",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"kind"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vrc_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error kind",
	}, []string{"kind"})
)

// suppressedStatus reports whether a non-retryable client error should put
// the fingerprint into cooldown.
func suppressedStatus(status int) bool {
	return status == http.StatusForbidden || status == http.StatusNotFound
}

// run drives the attempt loop of a single call:
// gate wait -> token -> attempt -> classify -> backoff -> attempt ...
func (e *Executor) run(ctx context.Context, call Call) (any, error) {
	logger := e.logger.With().Str("fingerprint", call.Fingerprint).Logger()
	cost := call.Cost
	if cost <= 0 {
		cost = 1
	}

	for attempt := 1; ; attempt++ {
		if err := e.gate.Wait(ctx); err != nil {
			return nil, err
		}
		if err := e.limiter.Acquire(ctx, cost); err != nil {
			return nil, err
		}

		start := time.Now()
		v, err := call.Attempt(ctx)
		attemptDuration.Observe(time.Since(start).Seconds())

		if err == nil {
			if !call.Mutation {
				e.suppressor.Clear(call.Fingerprint)
			}
			if call.OnSuccess != nil {
				v = call.OnSuccess(v)
			}
			if attempt > 1 {
				logger.Info().Int("attempt", attempt).Msg("Request succeeded after retry")
			}
			return v, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		apiErr, ok := Classify(err)
		if !ok {
			return nil, err
		}
		errorsTotal.WithLabelValues(string(apiErr.Kind)).Inc()

		switch apiErr.Kind {
		case KindUnauthorized:
			logger.Warn().Int("status", apiErr.StatusCode).Msg("Request rejected - session invalid")
			// Without credentials the session already knows; only a
			// provider rejection is reported.
			if e.cfg.Unauthorized != nil && apiErr.StatusCode == http.StatusUnauthorized {
				e.cfg.Unauthorized.OnUnauthorized(ctx, apiErr)
			}
			return nil, apiErr

		case KindClient:
			if !call.Mutation && suppressedStatus(apiErr.StatusCode) {
				e.suppressor.Record(call.Fingerprint, apiErr, e.cfg.FailureCooldown)
			}
			logger.Debug().
				Int("status", apiErr.StatusCode).
				Str("error_kind", string(apiErr.Kind)).
				Msg("Client error - not retrying")
			return nil, apiErr

		case KindRateLimited:
			if apiErr.RetryAfter > e.cfg.MaxRetryAfter {
				logger.Error().
					Dur("retry_after", apiErr.RetryAfter).
					Dur("max_retry_after", e.cfg.MaxRetryAfter).
					Msg("Provider asked for an excessive pause - giving up")
				return nil, fmt.Errorf("%w (%v): %w", ErrRetryAfterTooLong, apiErr.RetryAfter, apiErr)
			}

		case KindTransient:
			// The server may have applied the mutation before failing.
			if call.Mutation {
				return nil, apiErr
			}

		default:
			return nil, apiErr
		}

		if !e.cfg.Retry.CanRetry(attempt) {
			retryExhaustedTotal.WithLabelValues(string(apiErr.Kind)).Inc()
			final := fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, attempt, apiErr)
			if !call.Mutation {
				e.suppressor.Record(call.Fingerprint, final, e.cfg.FailureCooldown)
			}
			logger.Error().
				Str("error_kind", string(apiErr.Kind)).
				Int("max_attempts", e.cfg.Retry.MaxAttempts).
				Msg("Retry attempts exhausted")
			return nil, final
		}

		wait := e.cfg.Retry.Delay(attempt)
		if apiErr.Kind == KindRateLimited && apiErr.RetryAfter > 0 {
			wait = apiErr.RetryAfter
			e.gate.BlockFor(wait, "429 "+call.Fingerprint)
		}

		retriesTotal.WithLabelValues(string(apiErr.Kind)).Inc()
		retryBackoffSeconds.WithLabelValues(string(apiErr.Kind)).Observe(wait.Seconds())
		logger.Warn().
			Str("error_kind", string(apiErr.Kind)).
			Int("status", apiErr.StatusCode).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Msg("Retrying request after backoff")

		if !clock.Sleep(e.clock, wait, ctx.Done()) {
			logger.Warn().Int("attempt", attempt).Msg("Context cancelled during retry backoff")
			return nil, ctx.Err()
		}
	}
}
