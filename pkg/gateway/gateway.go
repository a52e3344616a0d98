/**
 * @description
 * Authenticated request gateway. Every backend call that needs a bearer token
 * goes through Gateway.Do, which injects the token, and on a 401 renews it
 * through a single shared refresh exchange and replays the request once.
 */
package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/suriyaganapathi/Ai-Loan-Call/internal/domain"
)

// SessionStore is the session-scoped storage the gateway reads tokens from.
type SessionStore interface {
	Load(ctx context.Context) (domain.Session, error)
	Save(ctx context.Context, session domain.Session) error
	Clear(ctx context.Context) error
}

// Refresher exchanges a refresh token for a new access token.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (domain.TokenPair, error)
}

// RetryPolicy bounds how often a request is replayed after renewing the token.
type RetryPolicy struct {
	MaxAttempts int
	OnStatus    int
}

// DefaultRetryPolicy replays a request at most once, on 401, after a refresh.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 1, OnStatus: http.StatusUnauthorized}

const defaultRefreshTimeout = 15 * time.Second

// Request is a backend call. Body is kept as bytes so it can be replayed.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Gateway sends authenticated requests.
type Gateway struct {
	httpClient     *http.Client
	sessions       SessionStore
	refresher      Refresher
	policy         RetryPolicy
	refreshTimeout time.Duration
	logger         *slog.Logger

	refreshGroup singleflight.Group

	hooksMu   sync.RWMutex
	onExpired []func(context.Context)
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithHTTPClient sets the client used for backend calls.
func WithHTTPClient(client *http.Client) Option {
	return func(g *Gateway) {
		if client != nil {
			g.httpClient = client
		}
	}
}

// WithRetryPolicy overrides DefaultRetryPolicy.
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(g *Gateway) {
		if policy.MaxAttempts >= 0 && policy.OnStatus > 0 {
			g.policy = policy
		}
	}
}

// WithRefreshTimeout bounds a single refresh exchange.
func WithRefreshTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.refreshTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// New creates a Gateway.
func New(sessions SessionStore, refresher Refresher, opts ...Option) *Gateway {
	g := &Gateway{
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		sessions:       sessions,
		refresher:      refresher,
		policy:         DefaultRetryPolicy,
		refreshTimeout: defaultRefreshTimeout,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// OnSessionExpired registers fn to run once each time a refresh fails and the
// session is cleared.
func (g *Gateway) OnSessionExpired(fn func(ctx context.Context)) {
	g.hooksMu.Lock()
	defer g.hooksMu.Unlock()
	g.onExpired = append(g.onExpired, fn)
}

// Do sends req with the current access token. Responses other than the retry
// status are returned as-is, whatever their status. The caller closes the body.
func (g *Gateway) Do(ctx context.Context, req Request) (*http.Response, error) {
	session, err := g.sessions.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if !session.Authenticated() {
		return nil, domain.ErrNotAuthenticated
	}

	requestID := uuid.NewString()
	token := session.AccessToken

	resp, err := g.send(ctx, req, token, requestID)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < g.policy.MaxAttempts && resp.StatusCode == g.policy.OnStatus; attempt++ {
		discard(resp)

		token, err = g.renew(ctx, token)
		if err != nil {
			return nil, err
		}

		g.logger.Debug("replaying request with renewed token", "request_id", requestID, "method", req.Method, "url", req.URL)
		resp, err = g.send(ctx, req, token, requestID)
		if err != nil {
			return nil, err
		}
	}

	return resp, nil
}

// renew returns a token newer than stale. If another caller already rotated it
// the stored token is used as-is; otherwise callers share one refresh exchange.
func (g *Gateway) renew(ctx context.Context, stale string) (string, error) {
	current, err := g.sessions.Load(ctx)
	if err == nil {
		if !current.Authenticated() {
			return "", domain.ErrAuthenticationFailed
		}
		if current.AccessToken != stale {
			return current.AccessToken, nil
		}
	}

	token, err, shared := g.refreshGroup.Do("refresh", func() (any, error) {
		return g.refresh(ctx, stale)
	})
	if shared {
		g.logger.Debug("joined in-flight token refresh")
	}
	if err != nil {
		return "", err
	}
	return token.(string), nil
}

func (g *Gateway) refresh(parent context.Context, stale string) (string, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), g.refreshTimeout)
	defer cancel()

	session, err := g.sessions.Load(ctx)
	if err != nil {
		return "", g.expire(ctx, fmt.Errorf("failed to load session: %w", err))
	}
	// A refresh that finished after renew looked has already rotated it.
	if session.AccessToken != "" && session.AccessToken != stale {
		return session.AccessToken, nil
	}
	if session.RefreshToken == "" {
		return "", g.expire(ctx, errors.New("no refresh token"))
	}

	pair, err := g.refresher.Refresh(ctx, session.RefreshToken)
	if err != nil {
		return "", g.expire(ctx, err)
	}
	if pair.AccessToken == "" {
		return "", g.expire(ctx, errors.New("refresh response carried no access token"))
	}

	session.AccessToken = pair.AccessToken
	if pair.RefreshToken != "" {
		session.RefreshToken = pair.RefreshToken
	}
	if err := g.sessions.Save(ctx, session); err != nil {
		return "", fmt.Errorf("failed to save refreshed session: %w", err)
	}

	g.logger.Info("access token refreshed", "username", session.Username)
	return pair.AccessToken, nil
}

// expire ends the session after a failed refresh.
func (g *Gateway) expire(ctx context.Context, cause error) error {
	g.logger.Warn("token refresh failed, ending session", "error", cause)

	if err := g.sessions.Clear(ctx); err != nil {
		g.logger.Error("failed to clear session", "error", err)
	}

	g.hooksMu.RLock()
	hooks := append([]func(context.Context){}, g.onExpired...)
	g.hooksMu.RUnlock()
	for _, hook := range hooks {
		hook(ctx)
	}

	return fmt.Errorf("%w: %v", domain.ErrAuthenticationFailed, cause)
}

func (g *Gateway) send(ctx context.Context, req Request, token, requestID string) (*http.Response, error) {
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for key, values := range req.Header {
		for _, value := range values {
			httpReq.Header.Add(key, value)
		}
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	if httpReq.Header.Get("X-Request-ID") == "" {
		httpReq.Header.Set("X-Request-ID", requestID)
	}

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return nil, &domain.NetworkError{Op: req.Method + " " + req.URL, Err: err}
	}
	return resp, nil
}

func discard(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}
