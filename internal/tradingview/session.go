package tradingview

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const userAgent = "Mozilla/5.0 (compatible; TVAccessBot/1.0)"

// CookieFallback lifts an already-authenticated sessionid from elsewhere
// (a running browser profile) when form login fails.
type CookieFallback func(ctx context.Context) (string, error)

// Session owns the one TradingView session token for the process lifetime.
// It is either Unauthenticated (empty token) or Authenticated; the token is
// created lazily, revalidated with a cheap probe before reuse, and replaced
// by exactly one full login when the probe fails.
type Session struct {
	http      *http.Client
	endpoints Endpoints
	username  string
	password  string

	probeTimeout time.Duration
	fallback     CookieFallback

	mu    sync.RWMutex
	token string

	// login coalesces concurrent EnsureValid calls onto one signin attempt;
	// two racing logins would shadow each other's token mid-request.
	login singleflight.Group
}

// NewSession builds a session manager over the given endpoints using the
// service-identity credentials. httpClient may be nil.
func NewSession(httpClient *http.Client, ep Endpoints, username, password string, probeTimeout time.Duration) *Session {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if probeTimeout <= 0 {
		probeTimeout = 8 * time.Second
	}
	return &Session{
		http:         httpClient,
		endpoints:    ep,
		username:     username,
		password:     password,
		probeTimeout: probeTimeout,
	}
}

// SetCookieFallback installs an alternative token source tried after a
// failed form login.
func (s *Session) SetCookieFallback(fb CookieFallback) { s.fallback = fb }

// Token returns the current session token ("" when unauthenticated).
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// CookieHeader returns the cookie header value for authenticated calls.
func (s *Session) CookieHeader() string {
	return "sessionid=" + s.Token()
}

// EnsureValid guarantees an authenticated session on return. An existing
// token is probed against a low-cost endpoint under a short timeout; only
// when the probe fails (or no token exists) does a full login run. A failed
// probe triggers exactly one login attempt, shared by all concurrent
// callers; login failure propagates without retry.
func (s *Session) EnsureValid(ctx context.Context) error {
	if token := s.Token(); token != "" && s.probe(ctx, token) {
		return nil
	}

	_, err, _ := s.login.Do("login", func() (any, error) {
		// A waiter may arrive after the winner already refreshed the token.
		if token := s.Token(); token != "" && s.probe(ctx, token) {
			return nil, nil
		}
		return nil, s.doLogin(ctx)
	})
	return err
}

func (s *Session) probe(ctx context.Context, token string) bool {
	ctx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoints.Coins, nil)
	if err != nil {
		return false
	}
	req.Header.Set("cookie", "sessionid="+token)
	req.Header.Set("user-agent", userAgent)

	resp, err := s.http.Do(req)
	if err != nil {
		slog.Debug("session probe failed", "error", err)
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (s *Session) doLogin(ctx context.Context) error {
	slog.Info("logging in to tradingview")

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	for field, value := range map[string]string{
		"username": s.username,
		"password": s.password,
		"remember": "on",
	} {
		if err := form.WriteField(field, value); err != nil {
			return newError(CodeAuthFailed, "build login form", err)
		}
	}
	if err := form.Close(); err != nil {
		return newError(CodeAuthFailed, "build login form", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoints.SignIn, &body)
	if err != nil {
		return newError(CodeAuthFailed, "build login request", err)
	}
	req.Header.Set("content-type", form.FormDataContentType())
	req.Header.Set("origin", s.endpoints.Origin)
	req.Header.Set("referer", s.endpoints.Origin)
	req.Header.Set("user-agent", userAgent)

	resp, err := s.http.Do(req)
	if err != nil {
		return s.loginFallback(ctx, newError(CodeUpstreamUnavailable, "signin request failed", err))
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	token := sessionIDFromCookies(resp.Cookies())
	if token == "" {
		return s.loginFallback(ctx, newError(CodeAuthFailed, "login failed: no sessionid cookie in response", nil))
	}

	s.setToken(token)
	slog.Info("new sessionid obtained")
	return nil
}

// loginFallback tries the configured alternative token source, keeping the
// original login error when none is configured or it also fails.
func (s *Session) loginFallback(ctx context.Context, loginErr error) error {
	if s.fallback == nil {
		return loginErr
	}
	slog.Warn("form login failed, trying browser cookie fallback", "error", loginErr)
	token, err := s.fallback(ctx)
	if err != nil {
		slog.Warn("browser cookie fallback failed", "error", err)
		return loginErr
	}
	if !s.probe(ctx, token) {
		return newError(CodeAuthFailed, fmt.Sprintf("browser session cookie rejected by %s", s.endpoints.Coins), nil)
	}
	s.setToken(token)
	slog.Info("sessionid borrowed from browser profile")
	return nil
}

func (s *Session) setToken(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

func sessionIDFromCookies(cookies []*http.Cookie) string {
	for _, c := range cookies {
		if c.Name == "sessionid" {
			return c.Value
		}
	}
	return ""
}
