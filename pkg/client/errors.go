package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/Sternrassler/vrc-api-client/pkg/backoff"
	"github.com/Sternrassler/vrc-api-client/pkg/session"
	"github.com/Sternrassler/vrc-api-client/pkg/transport"
)

// Common errors returned by the executor.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrRetryAfterTooLong is returned when the provider asks for a pause
	// longer than Config.MaxRetryAfter.
	ErrRetryAfterTooLong = errors.New("retry-after exceeds limit")
)

// Kind is the classification of a failed call.
type Kind string

const (
	// KindTransient represents 5xx responses and transport failures.
	KindTransient Kind = "transient"

	// KindRateLimited represents 429 responses.
	KindRateLimited Kind = "rate_limited"

	// KindUnauthorized represents 401 responses.
	KindUnauthorized Kind = "unauthorized"

	// KindClient represents every other 4xx response.
	KindClient Kind = "client"

	// KindSuppressed is returned without a network call while an identical
	// request is in its failure cooldown.
	KindSuppressed Kind = "suppressed"

	// KindUnknown represents errors that did not come from the provider,
	// such as decode failures.
	KindUnknown Kind = "unknown"
)

// Retryable reports whether a failure of this kind may be retried.
func (k Kind) Retryable() bool {
	switch k {
	case KindTransient, KindRateLimited:
		return true
	default:
		return false
	}
}

// Error is a classified API error.
type Error struct {
	Kind       Kind
	StatusCode int
	Message    string

	// RetryAfter is the pause requested by the provider (429) or the
	// remaining cooldown (suppressed).
	RetryAfter time.Duration

	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("vrc %s error", e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of the outermost *Error in err's chain, or
// KindUnknown.
func KindOf(err error) Kind {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// providerError is the provider's JSON error envelope.
type providerError struct {
	Error struct {
		Message    string `json:"message"`
		StatusCode int    `json:"status_code"`
	} `json:"error"`
}

// FromResponse converts a non-2xx response into an *Error. It returns nil
// for 2xx responses. now is used to resolve an HTTP-date Retry-After.
func FromResponse(resp *transport.Response, now time.Time) error {
	if resp.OK() {
		return nil
	}

	e := &Error{
		StatusCode: resp.StatusCode,
		Message:    responseMessage(resp),
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		e.Kind = KindRateLimited
		if d, ok := backoff.ParseRetryAfter(resp.Header.Get("Retry-After"), now); ok {
			e.RetryAfter = d
		}
	case resp.StatusCode == http.StatusUnauthorized:
		e.Kind = KindUnauthorized
	case resp.StatusCode >= 500:
		e.Kind = KindTransient
	case resp.StatusCode >= 400:
		e.Kind = KindClient
	default:
		// 1xx/3xx are not expected from a JSON API.
		e.Kind = KindUnknown
	}
	return e
}

func responseMessage(resp *transport.Response) string {
	var env providerError
	if len(resp.Body) > 0 && json.Unmarshal(resp.Body, &env) == nil && env.Error.Message != "" {
		return env.Error.Message
	}
	if text := http.StatusText(resp.StatusCode); text != "" {
		return text
	}
	return "unexpected status"
}

// Classify maps any error returned by an attempt to an *Error. Context
// errors are returned unchanged.
func Classify(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		// A timeout inside the HTTP client also surfaces as a net.Error;
		// only bare context errors end the call.
		var netErr net.Error
		if !errors.As(err, &netErr) {
			return nil, false
		}
	}

	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr, true
	}

	if errors.Is(err, session.ErrNoSession) {
		return &Error{Kind: KindUnauthorized, Message: "not logged in", Err: err}, true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &Error{Kind: KindTransient, Message: "network error", Err: err}, true
	}

	return &Error{Kind: KindUnknown, Err: err}, true
}
