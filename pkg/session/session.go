// Package session supplies the authentication headers attached to every
// outbound request and receives the notification when the provider rejects
// them.
//
// The layer never re-authenticates on its own. A 401 is reported to the
// UnauthorizedHandler, which decides whether to prompt for a new login or to
// refresh a token.
package session

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

// ErrNoSession is returned by Headers when no credentials are present.
var ErrNoSession = errors.New("no active session")

// Provider returns the headers that authenticate a request.
type Provider interface {
	Headers(ctx context.Context) (http.Header, error)
}

// UnauthorizedHandler is notified when the provider answers 401.
type UnauthorizedHandler interface {
	OnUnauthorized(ctx context.Context, err error)
}

// UnauthorizedFunc adapts a plain function to UnauthorizedHandler.
type UnauthorizedFunc func(ctx context.Context, err error)

// OnUnauthorized calls f(ctx, err).
func (f UnauthorizedFunc) OnUnauthorized(ctx context.Context, err error) {
	f(ctx, err)
}

// Cookie names used by the provider's login flow.
const (
	AuthCookie      = "auth"
	TwoFactorCookie = "twoFactorAuth"
)

// CookieSession authenticates with the auth and two-factor cookies issued
// at login.
type CookieSession struct {
	mu        sync.RWMutex
	auth      string
	twoFactor string

	// OnExpired, if set, runs after the cookies were dropped because the
	// provider rejected them.
	OnExpired func(ctx context.Context, err error)

	logger zerolog.Logger
}

// NewCookieSession creates a session from the given cookie values. Either
// value may be empty; an empty auth cookie means logged out.
func NewCookieSession(auth, twoFactor string, logger zerolog.Logger) *CookieSession {
	return &CookieSession{auth: auth, twoFactor: twoFactor, logger: logger}
}

// SetCookies replaces the stored cookies, typically after a login.
func (s *CookieSession) SetCookies(auth, twoFactor string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auth = auth
	s.twoFactor = twoFactor
}

// LoggedIn reports whether an auth cookie is present.
func (s *CookieSession) LoggedIn() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.auth != ""
}

// Headers returns a Cookie header carrying the session cookies.
func (s *CookieSession) Headers(_ context.Context) (http.Header, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.auth == "" {
		return nil, ErrNoSession
	}

	cookies := []string{(&http.Cookie{Name: AuthCookie, Value: s.auth}).String()}
	if s.twoFactor != "" {
		cookies = append(cookies, (&http.Cookie{Name: TwoFactorCookie, Value: s.twoFactor}).String())
	}

	h := make(http.Header)
	h.Set("Cookie", strings.Join(cookies, "; "))
	return h, nil
}

// OnUnauthorized drops the cookies and runs OnExpired.
func (s *CookieSession) OnUnauthorized(ctx context.Context, err error) {
	s.mu.Lock()
	hadSession := s.auth != ""
	s.auth = ""
	s.twoFactor = ""
	s.mu.Unlock()

	if hadSession {
		s.logger.Warn().Err(err).Msg("Session rejected by provider - cookies cleared")
	}
	if s.OnExpired != nil {
		s.OnExpired(ctx, err)
	}
}

// TokenSession authenticates with bearer tokens from an oauth2.TokenSource.
// Tokens are cached until they expire; a 401 forces the next request to
// fetch a new one.
type TokenSession struct {
	mu     sync.Mutex
	base   oauth2.TokenSource
	cached oauth2.TokenSource
	logger zerolog.Logger
}

// NewTokenSession wraps src. src is called whenever no valid token is cached.
func NewTokenSession(src oauth2.TokenSource, logger zerolog.Logger) *TokenSession {
	return &TokenSession{
		base:   src,
		cached: oauth2.ReuseTokenSource(nil, src),
		logger: logger,
	}
}

// Headers returns an Authorization header for the current token.
func (s *TokenSession) Headers(_ context.Context) (http.Header, error) {
	s.mu.Lock()
	src := s.cached
	s.mu.Unlock()

	tok, err := src.Token()
	if err != nil {
		return nil, errors.Join(ErrNoSession, err)
	}
	if !tok.Valid() {
		return nil, ErrNoSession
	}

	h := make(http.Header)
	h.Set("Authorization", tok.Type()+" "+tok.AccessToken)
	return h, nil
}

// OnUnauthorized discards the cached token.
func (s *TokenSession) OnUnauthorized(_ context.Context, err error) {
	s.mu.Lock()
	s.cached = oauth2.ReuseTokenSource(nil, s.base)
	s.mu.Unlock()

	s.logger.Warn().Err(err).Msg("Token rejected by provider - forcing refresh")
}
