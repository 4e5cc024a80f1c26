package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/Sternrassler/vrc-api-client/pkg/session"
	"github.com/Sternrassler/vrc-api-client/pkg/transport"
)

func TestKind_Retryable(t *testing.T) {
	tests := []struct {
		kind Kind
		want bool
	}{
		{kind: KindTransient, want: true},
		{kind: KindRateLimited, want: true},
		{kind: KindUnauthorized, want: false},
		{kind: KindClient, want: false},
		{kind: KindSuppressed, want: false},
		{kind: KindUnknown, want: false},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			if got := tt.kind.Retryable(); got != tt.want {
				t.Errorf("%s.Retryable() = %v, want %v", tt.kind, got, tt.want)
			}
		})
	}
}

func TestError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "with wrapped error",
			err: &Error{
				Kind:       KindTransient,
				StatusCode: 503,
				Message:    "Service Unavailable",
				Err:        errors.New("upstream down"),
			},
			want: "vrc transient error (status 503): Service Unavailable: upstream down",
		},
		{
			name: "client error",
			err:  &Error{Kind: KindClient, StatusCode: 404, Message: "Not found"},
			want: "vrc client error (status 404): Not found",
		},
		{
			name: "no status",
			err:  &Error{Kind: KindUnknown, Err: errors.New("bad json")},
			want: "vrc unknown error: bad json",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := fmt.Errorf("fetch: %w", &Error{Kind: KindTransient, Err: cause})

	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the wrapped cause")
	}
	if !IsKind(err, KindTransient) {
		t.Errorf("KindOf() = %s, want transient", KindOf(err))
	}
	if IsKind(nil, KindUnknown) {
		t.Error("nil error has no kind")
	}
	if KindOf(errors.New("plain")) != KindUnknown {
		t.Error("plain errors are unknown")
	}
}

func TestFromResponse(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name           string
		resp           *transport.Response
		wantNil        bool
		wantKind       Kind
		wantMessage    string
		wantRetryAfter time.Duration
	}{
		{
			name:    "ok",
			resp:    &transport.Response{StatusCode: 200},
			wantNil: true,
		},
		{
			name:    "no content",
			resp:    &transport.Response{StatusCode: 204},
			wantNil: true,
		},
		{
			name: "rate limited with seconds",
			resp: &transport.Response{
				StatusCode: 429,
				Header:     http.Header{"Retry-After": []string{"3"}},
			},
			wantKind:       KindRateLimited,
			wantMessage:    "Too Many Requests",
			wantRetryAfter: 3 * time.Second,
		},
		{
			name: "rate limited with date",
			resp: &transport.Response{
				StatusCode: 429,
				Header:     http.Header{"Retry-After": []string{now.Add(10 * time.Second).Format(http.TimeFormat)}},
			},
			wantKind:       KindRateLimited,
			wantMessage:    "Too Many Requests",
			wantRetryAfter: 10 * time.Second,
		},
		{
			name: "rate limited without header",
			resp: &transport.Response{
				StatusCode: 429,
				Body:       []byte(`{"error":{"message":"Slow down","status_code":429}}`),
			},
			wantKind:    KindRateLimited,
			wantMessage: "Slow down",
		},
		{
			name:        "unauthorized",
			resp:        &transport.Response{StatusCode: 401},
			wantKind:    KindUnauthorized,
			wantMessage: "Unauthorized",
		},
		{
			name: "not found with envelope",
			resp: &transport.Response{
				StatusCode: 404,
				Body:       []byte(`{"error":{"message":"Group not found","status_code":404}}`),
			},
			wantKind:    KindClient,
			wantMessage: "Group not found",
		},
		{
			name:        "server error",
			resp:        &transport.Response{StatusCode: 502, Body: []byte("<html>bad gateway</html>")},
			wantKind:    KindTransient,
			wantMessage: "Bad Gateway",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := FromResponse(tt.resp, now)
			if tt.wantNil {
				if err != nil {
					t.Fatalf("FromResponse() = %v, want nil", err)
				}
				return
			}

			var apiErr *Error
			if !errors.As(err, &apiErr) {
				t.Fatalf("FromResponse() = %v, want *Error", err)
			}
			if apiErr.Kind != tt.wantKind {
				t.Errorf("Kind = %s, want %s", apiErr.Kind, tt.wantKind)
			}
			if apiErr.StatusCode != tt.resp.StatusCode {
				t.Errorf("StatusCode = %d, want %d", apiErr.StatusCode, tt.resp.StatusCode)
			}
			if apiErr.Message != tt.wantMessage {
				t.Errorf("Message = %q, want %q", apiErr.Message, tt.wantMessage)
			}
			if apiErr.RetryAfter != tt.wantRetryAfter {
				t.Errorf("RetryAfter = %v, want %v", apiErr.RetryAfter, tt.wantRetryAfter)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	netErr := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}

	tests := []struct {
		name     string
		err      error
		wantOK   bool
		wantKind Kind
	}{
		{name: "nil", err: nil, wantOK: false},
		{name: "context cancelled", err: context.Canceled, wantOK: false},
		{name: "deadline", err: fmt.Errorf("wait: %w", context.DeadlineExceeded), wantOK: false},
		{name: "network", err: netErr, wantOK: true, wantKind: KindTransient},
		{name: "api error", err: &Error{Kind: KindClient, StatusCode: 400}, wantOK: true, wantKind: KindClient},
		{name: "no session", err: fmt.Errorf("session headers: %w", session.ErrNoSession), wantOK: true, wantKind: KindUnauthorized},
		{name: "decode failure", err: errors.New("decode response: unexpected EOF"), wantOK: true, wantKind: KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Classify(tt.err)
			if ok != tt.wantOK {
				t.Fatalf("Classify() ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && got.Kind != tt.wantKind {
				t.Errorf("Classify() kind = %s, want %s", got.Kind, tt.wantKind)
			}
		})
	}
}
