package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/vrc-api-client/pkg/session"
)

func TestNewHTTPTransport_Validation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     HTTPConfig
		wantErr bool
	}{
		{name: "valid", cfg: DefaultHTTPConfig("https://api.example.com/api/1", "TestApp/1.0 test@example.com")},
		{name: "missing base url", cfg: DefaultHTTPConfig("", "TestApp/1.0"), wantErr: true},
		{name: "missing user agent", cfg: DefaultHTTPConfig("https://api.example.com", ""), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewHTTPTransport(tt.cfg, zerolog.Nop())
			if (err != nil) != tt.wantErr {
				t.Errorf("NewHTTPTransport() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestHTTPTransport_Send(t *testing.T) {
	var got *http.Request
	var gotBody map[string]any

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		if r.Body != nil {
			raw, _ := io.ReadAll(r.Body)
			if len(raw) > 0 {
				_ = json.Unmarshal(raw, &gotBody)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	cfg := DefaultHTTPConfig(server.URL+"/api/1/", "TestApp/1.0 test@example.com")
	cfg.Session = session.NewCookieSession("authcookie_1", "", zerolog.Nop())
	tr, err := NewHTTPTransport(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewHTTPTransport() error = %v", err)
	}

	resp, err := tr.Send(context.Background(), Request{
		Method: http.MethodPut,
		Path:   "groups/grp_1/requests/usr_1",
		Query:  url.Values{"x": []string{"1"}},
		Body:   map[string]string{"action": "accept"},
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if !resp.OK() {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if string(resp.Body) != `{"ok":true}` {
		t.Errorf("body = %s", resp.Body)
	}
	if got.Method != http.MethodPut {
		t.Errorf("method = %s, want PUT", got.Method)
	}
	if got.URL.Path != "/api/1/groups/grp_1/requests/usr_1" {
		t.Errorf("path = %s", got.URL.Path)
	}
	if got.URL.Query().Get("x") != "1" {
		t.Errorf("query = %s", got.URL.RawQuery)
	}
	if ua := got.Header.Get("User-Agent"); ua != "TestApp/1.0 test@example.com" {
		t.Errorf("User-Agent = %q", ua)
	}
	if c := got.Header.Get("Cookie"); c != "auth=authcookie_1" {
		t.Errorf("Cookie = %q", c)
	}
	if ct := got.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if gotBody["action"] != "accept" {
		t.Errorf("request body = %v", gotBody)
	}
}

func TestHTTPTransport_ErrorStatusIsNotAnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	tr, err := NewHTTPTransport(DefaultHTTPConfig(server.URL, "TestApp/1.0"), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewHTTPTransport() error = %v", err)
	}

	resp, err := tr.Send(context.Background(), Get("/users/usr_1", nil))
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") != "3" {
		t.Errorf("Retry-After = %q", resp.Header.Get("Retry-After"))
	}
}

func TestHTTPTransport_SessionError(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer server.Close()

	cfg := DefaultHTTPConfig(server.URL, "TestApp/1.0")
	cfg.Session = session.NewCookieSession("", "", zerolog.Nop())
	tr, _ := NewHTTPTransport(cfg, zerolog.Nop())

	_, err := tr.Send(context.Background(), Get("/auth/user", nil))
	if !errors.Is(err, session.ErrNoSession) {
		t.Errorf("Send() error = %v, want ErrNoSession", err)
	}
	if called {
		t.Error("request must not be sent without a session")
	}
}

func TestHTTPTransport_BodyLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, 64))
	}))
	defer server.Close()

	cfg := DefaultHTTPConfig(server.URL, "TestApp/1.0")
	cfg.MaxBodyBytes = 32
	tr, _ := NewHTTPTransport(cfg, zerolog.Nop())

	_, err := tr.Send(context.Background(), Get("/worlds/wrld_1", nil))
	if !errors.Is(err, ErrResponseTooLarge) {
		t.Errorf("Send() error = %v, want ErrResponseTooLarge", err)
	}
}

func TestHTTPTransport_NetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	addr := server.URL
	server.Close()

	tr, _ := NewHTTPTransport(DefaultHTTPConfig(addr, "TestApp/1.0"), zerolog.Nop())
	if _, err := tr.Send(context.Background(), Get("/users/usr_1", nil)); err == nil {
		t.Error("expected network error")
	}
}
