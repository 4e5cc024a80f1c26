package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/vrc-api-client/pkg/session"
)

// Transport sends a single request and returns the raw response.
// Non-2xx statuses are returned as responses, not errors; an error means no
// response was received.
type Transport interface {
	Send(ctx context.Context, req Request) (*Response, error)
}

// Func adapts a plain function to Transport.
type Func func(ctx context.Context, req Request) (*Response, error)

// Send calls f(ctx, req).
func (f Func) Send(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// ErrResponseTooLarge is returned when a response body exceeds MaxBodyBytes.
var ErrResponseTooLarge = errors.New("response body too large")

// HTTPConfig holds the HTTP transport configuration.
type HTTPConfig struct {
	// BaseURL is prefixed to every request path (REQUIRED).
	BaseURL string

	// UserAgent header (REQUIRED by the provider).
	// Format: "AppName/Version contact@example.com"
	UserAgent string

	// Session supplies authentication headers. Nil sends anonymous requests.
	Session session.Provider

	// Timeout bounds a single exchange.
	Timeout time.Duration

	// MaxBodyBytes caps the response body size.
	MaxBodyBytes int64

	// Client overrides the pooled HTTP client (tests).
	Client *http.Client
}

// DefaultHTTPConfig returns a configuration with a 30s timeout and 10 MiB body cap.
func DefaultHTTPConfig(baseURL, userAgent string) HTTPConfig {
	return HTTPConfig{
		BaseURL:      baseURL,
		UserAgent:    userAgent,
		Timeout:      30 * time.Second,
		MaxBodyBytes: 10 << 20,
	}
}

// HTTPTransport is a Transport over net/http.
type HTTPTransport struct {
	client *http.Client
	cfg    HTTPConfig
	logger zerolog.Logger
}

// NewHTTPTransport creates an HTTP transport.
func NewHTTPTransport(cfg HTTPConfig, logger zerolog.Logger) (*HTTPTransport, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 10 << 20
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	client := cfg.Client
	if client == nil {
		client = cleanhttp.DefaultPooledClient()
		client.Timeout = cfg.Timeout
	}

	return &HTTPTransport{client: client, cfg: cfg, logger: logger}, nil
}

// Send performs the exchange. Session errors are returned before anything
// is sent.
func (t *HTTPTransport) Send(ctx context.Context, req Request) (*Response, error) {
	target := t.cfg.BaseURL + req.NormalizedPath()
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		raw, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.NormalizedMethod(), target, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if t.cfg.Session != nil {
		headers, err := t.cfg.Session.Headers(ctx)
		if err != nil {
			return nil, fmt.Errorf("session headers: %w", err)
		}
		for k, vs := range headers {
			for _, v := range vs {
				httpReq.Header.Add(k, v)
			}
		}
	}
	httpReq.Header.Set("User-Agent", t.cfg.UserAgent)
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, t.cfg.MaxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if int64(len(raw)) > t.cfg.MaxBodyBytes {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrResponseTooLarge, t.cfg.MaxBodyBytes)
	}

	t.logger.Debug().
		Str("method", httpReq.Method).
		Str("path", req.NormalizedPath()).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("Exchange completed")

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       raw,
	}, nil
}
