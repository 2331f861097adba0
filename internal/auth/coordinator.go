// Package auth attaches bearer credentials to outbound requests and
// renews them when the server reports expiry.
package auth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
	"k8s.io/utils/clock"

	"github.com/marcus/aula/internal/db"
	"github.com/marcus/aula/internal/events"
	"github.com/marcus/aula/internal/models"
	"github.com/marcus/aula/internal/telemetry"
)

var (
	// ErrNoSession means no credential is available to attach or renew.
	ErrNoSession = errors.New("no session")
	// ErrRefreshRejected is returned by a Refresher when the server
	// explicitly refuses the refresh token.
	ErrRefreshRejected = errors.New("refresh token rejected")
	// ErrSessionInvalid wraps the cause once the session cannot be recovered.
	ErrSessionInvalid = errors.New("session invalid")
)

const (
	renewKey    = "renew"
	defaultSkew = 30 * time.Second
)

// Store persists the credential pair.
type Store interface {
	GetCredentials() (models.Credential, error)
	SetCredentials(models.Credential) error
	ClearCredentials() error
}

// Refresher exchanges a refresh token for a new credential pair.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (models.Credential, error)
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithHTTPClient sets the client used to send requests.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Coordinator) { c.client = h }
}

// WithExemptPrefix bypasses credential handling for paths under prefix.
func WithExemptPrefix(prefix string) Option {
	return func(c *Coordinator) {
		c.exempt = func(r *http.Request) bool { return strings.HasPrefix(r.URL.Path, prefix) }
	}
}

// WithExpiryDetector overrides how an expired-credential response is recognised.
func WithExpiryDetector(fn func(*http.Response) bool) Option {
	return func(c *Coordinator) { c.expired = fn }
}

// WithRenewSkew sets how long before JWT expiry Token renews proactively.
func WithRenewSkew(d time.Duration) Option {
	return func(c *Coordinator) { c.skew = d }
}

// WithClock sets the clock used for token expiry checks.
func WithClock(clk clock.PassiveClock) Option {
	return func(c *Coordinator) { c.clock = clk }
}

// WithMetrics records renewal outcomes.
func WithMetrics(m *telemetry.AuthMetrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// Coordinator is the credential coordinator. It is safe for concurrent use.
type Coordinator struct {
	store     Store
	refresher Refresher
	bus       *events.Bus
	client    *http.Client
	exempt    func(*http.Request) bool
	expired   func(*http.Response) bool
	skew      time.Duration
	clock     clock.PassiveClock
	metrics   *telemetry.AuthMetrics

	group singleflight.Group

	mu          sync.RWMutex
	cred        models.Credential
	invalidated bool
}

// New loads the stored credential (if any) and returns a Coordinator.
// A nil bus gets a private one so Subscribe still works.
func New(store Store, refresher Refresher, bus *events.Bus, opts ...Option) (*Coordinator, error) {
	if bus == nil {
		bus = events.NewBus()
	}
	c := &Coordinator{
		store:     store,
		refresher: refresher,
		bus:       bus,
		client:    http.DefaultClient,
		exempt:    func(r *http.Request) bool { return strings.Contains(r.URL.Path, "/auth/") },
		expired:   func(r *http.Response) bool { return r.StatusCode == http.StatusUnauthorized },
		skew:      defaultSkew,
		clock:     clock.RealClock{},
	}
	for _, opt := range opts {
		opt(c)
	}

	cred, err := store.GetCredentials()
	switch {
	case errors.Is(err, db.ErrNoCredentials):
	case err != nil:
		return nil, fmt.Errorf("load credentials: %w", err)
	default:
		c.cred = cred
	}
	return c, nil
}

// Current returns the in-memory credential pair.
func (c *Coordinator) Current() models.Credential {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cred
}

// HasSession reports whether an access token is held.
func (c *Coordinator) HasSession() bool {
	return !c.Current().IsZero()
}

// SetCredential installs a new pair (after login or register), persists
// it and notifies subscribers.
func (c *Coordinator) SetCredential(cred models.Credential) error {
	c.mu.Lock()
	if err := c.store.SetCredentials(cred); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("persist credentials: %w", err)
	}
	c.cred = cred
	c.invalidated = false
	c.mu.Unlock()

	c.bus.Publish(events.CredentialRenewed, cred.AccessToken)
	return nil
}

// Clear forgets the session locally and in the store.
func (c *Coordinator) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cred = models.Credential{}
	return c.store.ClearCredentials()
}

// Subscribe registers fn to receive every newly installed access token.
func (c *Coordinator) Subscribe(fn func(token string)) func() {
	return c.bus.Subscribe(events.CredentialRenewed, func(p any) {
		if tok, ok := p.(string); ok {
			fn(tok)
		}
	})
}

// Token returns an access token, renewing first when the current JWT
// expires within the configured skew.
func (c *Coordinator) Token(ctx context.Context) (string, error) {
	cur := c.Current()
	if cur.IsZero() {
		return "", ErrNoSession
	}
	exp, ok := ExpiresAt(cur.AccessToken)
	if !ok || cur.RefreshToken == "" || c.clock.Now().Add(c.skew).Before(exp) {
		return cur.AccessToken, nil
	}

	next, err := c.Renew(ctx)
	if err != nil {
		if errors.Is(err, ErrSessionInvalid) {
			return "", err
		}
		slog.Warn("auth: proactive renewal failed", "err", err)
		return cur.AccessToken, nil
	}
	return next.AccessToken, nil
}

// Renew exchanges the refresh token for a new pair. Concurrent callers
// share one outbound call and observe the same result. A caller whose ctx
// ends stops waiting, but the shared renewal runs to completion.
func (c *Coordinator) Renew(ctx context.Context) (models.Credential, error) {
	ch := c.group.DoChan(renewKey, func() (any, error) {
		return c.renew(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return models.Credential{}, res.Err
		}
		return res.Val.(models.Credential), nil
	case <-ctx.Done():
		return models.Credential{}, ctx.Err()
	}
}

func (c *Coordinator) renew(ctx context.Context) (models.Credential, error) {
	used := c.Current()
	if used.RefreshToken == "" {
		err := fmt.Errorf("%w: %w", ErrSessionInvalid, ErrNoSession)
		c.invalidate(err, false)
		c.metrics.RecordRenewal(ctx, "no_session")
		return models.Credential{}, err
	}

	next, err := c.refresher.Refresh(ctx, used.RefreshToken)
	if err != nil {
		if errors.Is(err, ErrRefreshRejected) {
			err = fmt.Errorf("%w: %w", ErrSessionInvalid, err)
			c.invalidate(err, true)
			c.metrics.RecordRenewal(ctx, "rejected")
			return models.Credential{}, err
		}
		c.metrics.RecordRenewal(ctx, "error")
		return models.Credential{}, fmt.Errorf("renew credentials: %w", err)
	}
	if next.RefreshToken == "" {
		next.RefreshToken = used.RefreshToken
	}
	if next.Subject == "" {
		next.Subject = used.Subject
	}

	c.mu.Lock()
	if c.cred.RefreshToken != used.RefreshToken {
		// A newer pair was installed while this renewal was in flight.
		newer := c.cred
		c.mu.Unlock()
		slog.Debug("auth: discarding stale renewal")
		if newer.IsZero() {
			return models.Credential{}, ErrNoSession
		}
		return newer, nil
	}
	if err := c.store.SetCredentials(next); err != nil {
		c.mu.Unlock()
		c.metrics.RecordRenewal(ctx, "error")
		return models.Credential{}, fmt.Errorf("persist credentials: %w", err)
	}
	c.cred = next
	c.invalidated = false
	c.mu.Unlock()

	c.metrics.RecordRenewal(ctx, "renewed")
	slog.Info("auth: credentials renewed", "subject", next.Subject)
	c.bus.Publish(events.CredentialRenewed, next.AccessToken)
	return next, nil
}

// invalidate raises SessionInvalid once per session. When forget is set
// the credential is dropped so no further renewal is attempted.
func (c *Coordinator) invalidate(cause error, forget bool) {
	c.mu.Lock()
	if c.invalidated {
		c.mu.Unlock()
		return
	}
	c.invalidated = true
	if forget {
		c.cred = models.Credential{}
		if err := c.store.ClearCredentials(); err != nil {
			slog.Warn("auth: clear credentials", "err", err)
		}
	}
	c.mu.Unlock()

	slog.Warn("auth: session invalid", "err", cause)
	c.bus.Publish(events.SessionInvalid, cause)
}

type replayKey struct{}

// MarkReplay returns a context flagging a request as a post-renewal replay.
// Replays never trigger renewal.
func MarkReplay(ctx context.Context) context.Context {
	return context.WithValue(ctx, replayKey{}, true)
}

// IsReplay reports whether ctx carries the replay flag.
func IsReplay(ctx context.Context) bool {
	v, _ := ctx.Value(replayKey{}).(bool)
	return v
}

// Do sends req with the current bearer token. If the response signals an
// expired credential, Do renews and replays the request once; when another
// caller already rotated the token, the replay uses it without renewing.
// When renewal fails the original response is returned and SessionInvalid
// is raised. Exempt paths are sent untouched.
func (c *Coordinator) Do(req *http.Request) (*http.Response, error) {
	if c.exempt(req) {
		return c.client.Do(req)
	}

	token, err := c.Token(req.Context())
	if err != nil {
		return nil, err
	}
	if err := bufferBody(req); err != nil {
		return nil, err
	}

	resp, err := c.send(req.Context(), req, token)
	if err != nil {
		return nil, err
	}
	if IsReplay(req.Context()) || !c.expired(resp) {
		return resp, nil
	}

	// The pair rotated while this request was in flight: the rejection is
	// for a stale token, so replay with the current one instead of renewing.
	if cur := c.Current(); cur.AccessToken != "" && cur.AccessToken != token {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		slog.Debug("auth: replaying with rotated token", "method", req.Method, "path", req.URL.Path)
		return c.send(MarkReplay(req.Context()), req, cur.AccessToken)
	}

	next, err := c.Renew(req.Context())
	if err != nil {
		if req.Context().Err() == nil && !errors.Is(err, ErrSessionInvalid) {
			c.invalidate(fmt.Errorf("%w: %w", ErrSessionInvalid, err), false)
		}
		return resp, nil
	}

	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	slog.Debug("auth: replaying request", "method", req.Method, "path", req.URL.Path)
	return c.send(MarkReplay(req.Context()), req, next.AccessToken)
}

func (c *Coordinator) send(ctx context.Context, req *http.Request, token string) (*http.Response, error) {
	r := req.Clone(ctx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("rewind body: %w", err)
		}
		r.Body = body
	}
	r.Header.Set("Authorization", "Bearer "+token)
	return c.client.Do(r)
}

// bufferBody makes req's body replayable.
func bufferBody(req *http.Request) error {
	if req.Body == nil || req.Body == http.NoBody || req.GetBody != nil {
		return nil
	}
	data, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return fmt.Errorf("buffer body: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	req.Body, _ = req.GetBody()
	return nil
}

// ExpiresAt reads the exp claim of a JWT without verifying it.
func ExpiresAt(token string) (time.Time, bool) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
