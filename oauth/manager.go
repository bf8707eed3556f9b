// Package oauth keeps the bridge account's Twitch credential valid for the
// lifetime of the process: interactive device code login when nothing is
// stored, refresh when the stored credential expired, persistence after every
// change and an autonomous renewal at 90% of each credential's lifetime.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/onnwee/chat-bridge/telemetry"
	"github.com/onnwee/chat-bridge/twitchapi"
)

const (
	defaultPollInterval = 10 * time.Second
	renewTimeout        = 30 * time.Second
)

// renewDelay is 90% of a credential's remaining lifetime.
func renewDelay(lifetime time.Duration) time.Duration { return lifetime * 9 / 10 }

// Issuer is the token issuer. twitchapi.AuthClient implements it.
type Issuer interface {
	RequestDeviceCode(ctx context.Context) (*twitchapi.DeviceCode, error)
	PollDeviceToken(ctx context.Context, deviceCode string) (*twitchapi.Token, error)
	Refresh(ctx context.Context, refreshToken string) (*twitchapi.Token, error)
}

// Timer is the subset of *time.Timer the manager needs.
type Timer interface {
	Stop() bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithPrompt sets how a device code is shown to the operator.
func WithPrompt(fn func(*twitchapi.DeviceCode)) Option {
	return func(m *Manager) { m.prompt = fn }
}

// WithPollInterval overrides the 10s device token polling interval.
func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) { m.pollInterval = d }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithAfterFunc overrides how the renewal timer is armed.
func WithAfterFunc(fn func(time.Duration, func()) Timer) Option {
	return func(m *Manager) { m.afterFunc = fn }
}

// Manager owns the bridge account's credential.
type Manager struct {
	issuer       Issuer
	store        Store
	prompt       func(*twitchapi.DeviceCode)
	pollInterval time.Duration
	now          func() time.Time
	afterFunc    func(time.Duration, func()) Timer

	group singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	cred   *Credential
	loaded bool
	timer  Timer
	subs   []func(*Credential)
	// waiters counts callers blocked in share; abort cancels the in-flight
	// work once none are left.
	waiters int
	abort   context.CancelFunc
}

// NewManager builds a Manager. Call Close to stop the renewal timer.
func NewManager(issuer Issuer, store Store, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		issuer:       issuer,
		store:        store,
		prompt:       logPrompt,
		pollInterval: defaultPollInterval,
		now:          time.Now,
		afterFunc:    func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) },
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func logPrompt(dc *twitchapi.DeviceCode) {
	slog.Info("twitch login required",
		slog.String("url", dc.VerificationURI),
		slog.String("code", dc.UserCode),
		slog.Int("expires_in", dc.ExpiresIn))
}

// OnRenewed registers fn to be called after every autonomous renewal. fn
// receives nil when the renewal failed and interactive login is required.
func (m *Manager) OnRenewed(fn func(*Credential)) {
	m.mu.Lock()
	m.subs = append(m.subs, fn)
	m.mu.Unlock()
}

// Current returns the cached credential without contacting the issuer.
func (m *Manager) Current() *Credential {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cred.clone()
}

// AccessToken returns a valid access token for API calls. It refreshes an
// expired credential but never starts an interactive login; without a stored
// credential it fails with ErrNoCredential.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	c, loaded := m.cred.clone(), m.loaded
	m.mu.Unlock()
	if loaded && c.Valid(m.now()) {
		return c.AccessToken, nil
	}
	c, err := m.share(ctx, "access token", m.refreshOnly)
	if err != nil {
		return "", err
	}
	return c.AccessToken, nil
}

// Obtain returns a valid credential. Concurrent callers share a single
// in-flight login or refresh; a caller whose ctx ends stops waiting without
// cancelling the work for the others.
func (m *Manager) Obtain(ctx context.Context) (*Credential, error) {
	c, err := m.share(ctx, "obtain", m.obtain)
	if errors.Is(err, ErrNoCredential) {
		// joined a refresh-only flight that had nothing to refresh
		c, err = m.share(ctx, "obtain", m.obtain)
	}
	return c, err
}

// Renew forces a refresh of the current credential.
func (m *Manager) Renew(ctx context.Context) (*Credential, error) {
	return m.share(ctx, "renew", func(ctx context.Context) (*Credential, error) {
		m.mu.Lock()
		cur := m.cred.clone()
		m.mu.Unlock()
		if cur == nil || cur.RefreshToken == "" {
			return nil, &AuthError{Op: "renew", Err: ErrNoCredential}
		}
		ctx, cancel := context.WithTimeout(ctx, renewTimeout)
		defer cancel()
		c, err := m.refresh(ctx, cur)
		if err != nil {
			return nil, &AuthError{Op: "renew", Err: err}
		}
		return c, nil
	})
}

// share runs fn once for all concurrent callers. fn runs under the manager's
// context, cancelled by Close or when the last waiting caller gives up.
func (m *Manager) share(ctx context.Context, op string, fn func(context.Context) (*Credential, error)) (*Credential, error) {
	m.mu.Lock()
	m.waiters++
	m.mu.Unlock()
	defer m.leave()

	ch := m.group.DoChan("credential", func() (any, error) {
		work, cancel := context.WithCancel(m.ctx)
		m.mu.Lock()
		m.abort = cancel
		if m.waiters == 0 {
			cancel()
		}
		m.mu.Unlock()
		defer func() {
			m.mu.Lock()
			m.abort = nil
			m.mu.Unlock()
			cancel()
		}()
		return fn(work)
	})
	select {
	case <-ctx.Done():
		return nil, &AuthError{Op: op, Err: fmt.Errorf("%w: %v", ErrLoginCancelled, ctx.Err())}
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*Credential).clone(), nil
	}
}

func (m *Manager) leave() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.waiters--
	if m.waiters == 0 && m.abort != nil {
		m.abort()
	}
}

// Reset forgets the cached credential so the next Obtain logs in again.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cred = nil
	m.loaded = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// Close stops the renewal timer and aborts an in-flight renewal.
func (m *Manager) Close() {
	m.cancel()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) obtain(ctx context.Context) (*Credential, error) {
	cred, err := m.cached(ctx)
	if err != nil {
		return nil, err
	}
	if cred.Valid(m.now()) {
		return cred, nil
	}
	if cred != nil && cred.RefreshToken != "" {
		slog.Info("twitch credential expired, refreshing", slog.String("component", "oauth"))
		next, err := m.refresh(ctx, cred)
		if err == nil {
			return next, nil
		}
		if !twitchapi.IsRejected(err) {
			return nil, &AuthError{Op: "refresh", Err: err}
		}
		slog.Warn("twitch refresh token rejected, falling back to login", slog.String("component", "oauth"), slog.Any("err", err))
	}
	return m.login(ctx)
}

func (m *Manager) refreshOnly(ctx context.Context) (*Credential, error) {
	cred, err := m.cached(ctx)
	if err != nil {
		return nil, err
	}
	if cred.Valid(m.now()) {
		return cred, nil
	}
	if cred == nil || cred.RefreshToken == "" {
		return nil, &AuthError{Op: "access token", Err: ErrNoCredential}
	}
	next, err := m.refresh(ctx, cred)
	if err != nil {
		return nil, &AuthError{Op: "refresh", Err: err}
	}
	return next, nil
}

func (m *Manager) cached(ctx context.Context) (*Credential, error) {
	m.mu.Lock()
	if m.loaded {
		c := m.cred.clone()
		m.mu.Unlock()
		return c, nil
	}
	m.mu.Unlock()

	c, err := m.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load credential: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loaded = true
	m.cred = c
	if c.Valid(m.now()) {
		slog.Info("loaded stored twitch credential", slog.String("component", "oauth"), slog.Time("expires_at", c.ExpiresAt))
		m.armLocked(renewDelay(c.ExpiresAt.Sub(m.now())))
	}
	return c.clone(), nil
}

func (m *Manager) login(ctx context.Context) (*Credential, error) {
	slog.Info("starting twitch device login", slog.String("component", "oauth"))
	dc, err := m.issuer.RequestDeviceCode(ctx)
	if err != nil {
		return nil, &AuthError{Op: "device code", Err: err}
	}
	m.prompt(dc)
	deadline := m.now().Add(time.Duration(dc.ExpiresIn) * time.Second)
	wait := time.NewTimer(m.pollInterval)
	defer wait.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, &AuthError{Op: "device login", Err: fmt.Errorf("%w: %v", ErrLoginCancelled, ctx.Err())}
		case <-wait.C:
		}
		if m.now().After(deadline) {
			return nil, &AuthError{Op: "device login", Err: ErrAuthorizationTimeout}
		}
		tok, err := m.issuer.PollDeviceToken(ctx, dc.DeviceCode)
		if errors.Is(err, twitchapi.ErrAuthorizationPending) {
			wait.Reset(m.pollInterval)
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, &AuthError{Op: "device login", Err: fmt.Errorf("%w: %v", ErrLoginCancelled, ctx.Err())}
			}
			return nil, &AuthError{Op: "device login", Err: err}
		}
		slog.Info("twitch device login approved", slog.String("component", "oauth"))
		return m.accept(ctx, tok), nil
	}
}

func (m *Manager) refresh(ctx context.Context, cur *Credential) (*Credential, error) {
	tok, err := m.issuer.Refresh(ctx, cur.RefreshToken)
	if err != nil {
		return nil, err
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = cur.RefreshToken
	}
	slog.Info("twitch credential refreshed", slog.String("component", "oauth"))
	return m.accept(ctx, tok), nil
}

// accept caches and persists a fresh token and arms its renewal.
// A persistence failure is logged; the credential is still usable.
func (m *Manager) accept(ctx context.Context, tok *twitchapi.Token) *Credential {
	lifetime := time.Duration(tok.ExpiresIn) * time.Second
	if lifetime <= 0 {
		lifetime = time.Hour
	}
	c := &Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		ExpiresAt:    m.now().Add(lifetime),
	}
	if err := m.store.Save(ctx, c); err != nil {
		slog.Error("failed to persist twitch credential", slog.String("component", "oauth"), slog.Any("err", err))
	}
	m.mu.Lock()
	m.cred = c
	m.loaded = true
	m.armLocked(renewDelay(lifetime))
	m.mu.Unlock()
	return c.clone()
}

func (m *Manager) armLocked(d time.Duration) {
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = m.afterFunc(d, m.renewNow)
}

func (m *Manager) renewNow() {
	if m.ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(m.ctx, renewTimeout)
	defer cancel()
	c, err := m.Renew(ctx)
	if err != nil {
		slog.Error("twitch credential renewal failed, login required", slog.String("component", "oauth"), slog.Any("err", err))
		telemetry.CredentialRenewed("failed")
	} else {
		telemetry.CredentialRenewed("ok")
	}
	m.mu.Lock()
	subs := append([]func(*Credential){}, m.subs...)
	m.mu.Unlock()
	for _, fn := range subs {
		fn(c)
	}
}
