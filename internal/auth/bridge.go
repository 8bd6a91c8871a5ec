package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/rickgao/realtime-bridge/internal/api"
	"github.com/rickgao/realtime-bridge/internal/metrics"
)

// TokenSink receives every refreshed access token.
type TokenSink interface {
	SetAccessToken(token string) error
}

// BridgeConfig configures session refresh.
type BridgeConfig struct {
	RefreshMargin time.Duration // refresh this long before expiry
	RetryInterval time.Duration // wait after a failed refresh
}

// DefaultBridgeConfig returns sensible defaults.
func DefaultBridgeConfig() BridgeConfig {
	return BridgeConfig{
		RefreshMargin: 60 * time.Second,
		RetryInterval: 10 * time.Second,
	}
}

// Bridge owns the signed-in session and keeps it fresh.
type Bridge struct {
	auth   Authenticator
	cfg    BridgeConfig
	logger *slog.Logger

	mu           sync.Mutex
	session      *Session
	obtainedAt   time.Time
	expiresAt    time.Time
	justLoggedIn bool
	sinks        []TokenSink

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBridge creates a bridge over auth.
func NewBridge(auth Authenticator, cfg BridgeConfig, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultBridgeConfig()
	if cfg.RefreshMargin <= 0 {
		cfg.RefreshMargin = defaults.RefreshMargin
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaults.RetryInterval
	}
	return &Bridge{
		auth:   auth,
		cfg:    cfg,
		logger: logger,
		wake:   make(chan struct{}, 1),
	}
}

// AddSink registers a receiver for refreshed tokens.
func (b *Bridge) AddSink(s TokenSink) {
	b.mu.Lock()
	b.sinks = append(b.sinks, s)
	b.mu.Unlock()
}

// SignIn exchanges creds for a session and arms JustLoggedIn. The new token
// is not pushed to sinks; the caller reacts to JustLoggedIn.
func (b *Bridge) SignIn(ctx context.Context, creds Creds) error {
	s, err := b.auth.SignIn(ctx, creds)
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.setSessionLocked(s)
	b.justLoggedIn = true
	b.mu.Unlock()

	b.poke()
	return nil
}

// JustLoggedIn reports true exactly once after each successful SignIn.
func (b *Bridge) JustLoggedIn() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.justLoggedIn {
		return false
	}
	b.justLoggedIn = false
	return true
}

// Session returns a copy of the current session.
func (b *Bridge) Session() (Session, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.session == nil {
		return Session{}, false
	}
	return *b.session, true
}

// AccessToken returns the current access token ("" when signed out).
func (b *Bridge) AccessToken() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.session == nil {
		return ""
	}
	return b.session.AccessToken
}

// SignOut revokes the session and forgets it locally.
func (b *Bridge) SignOut(ctx context.Context) error {
	b.mu.Lock()
	s := b.session
	b.session = nil
	b.justLoggedIn = false
	b.mu.Unlock()

	if s == nil {
		return ErrNoSession
	}
	b.poke()
	return b.auth.SignOut(ctx, s.AccessToken)
}

// Start runs the refresh loop until Stop.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.cancel != nil {
		b.mu.Unlock()
		return nil
	}
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.mu.Unlock()

	b.wg.Add(1)
	go b.refreshLoop()

	b.logger.Info("session bridge started", "refresh_margin", b.cfg.RefreshMargin)
	return nil
}

// Stop ends the refresh loop.
func (b *Bridge) Stop(ctx context.Context) error {
	b.mu.Lock()
	cancel := b.cancel
	b.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.logger.Info("session bridge stopped")
	case <-ctx.Done():
		b.logger.Warn("shutdown timeout, forcing close")
	}
	return nil
}

func (b *Bridge) setSessionLocked(s *Session) {
	b.session = s
	b.obtainedAt = time.Now()
	b.expiresAt = s.Expiry(b.obtainedAt)
}

func (b *Bridge) poke() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// nextRefresh returns how long to wait before refreshing, and whether a
// session exists at all.
func (b *Bridge) nextRefresh() (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.session == nil || b.session.RefreshToken == "" {
		return 0, false
	}
	at := b.expiresAt.Add(-b.cfg.RefreshMargin)
	if lifetime := b.expiresAt.Sub(b.obtainedAt); b.cfg.RefreshMargin >= lifetime {
		// Short-lived token: refresh halfway through its life
		at = b.obtainedAt.Add(lifetime / 2)
	}
	// Never refresh faster than RetryInterval
	wait := time.Until(at)
	if wait < b.cfg.RetryInterval {
		wait = b.cfg.RetryInterval
	}
	return wait, true
}

func (b *Bridge) refreshLoop() {
	defer b.wg.Done()

	for {
		wait, ok := b.nextRefresh()
		if !ok {
			select {
			case <-b.ctx.Done():
				return
			case <-b.wake:
				continue
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-b.ctx.Done():
			timer.Stop()
			return
		case <-b.wake:
			timer.Stop()
			continue
		case <-timer.C:
		}

		if err := b.refresh(); err != nil {
			if !b.retryAfter() {
				return
			}
		}
	}
}

// retryAfter waits RetryInterval; false when the bridge is stopping.
func (b *Bridge) retryAfter() bool {
	timer := time.NewTimer(b.cfg.RetryInterval)
	defer timer.Stop()

	select {
	case <-b.ctx.Done():
		return false
	case <-b.wake:
		return true
	case <-timer.C:
		return true
	}
}

// refresh renews the session and pushes the new token to every sink.
func (b *Bridge) refresh() error {
	b.mu.Lock()
	if b.session == nil {
		b.mu.Unlock()
		return ErrNoSession
	}
	refreshToken := b.session.RefreshToken
	b.mu.Unlock()

	s, err := b.auth.Refresh(b.ctx, refreshToken)
	if err != nil {
		metrics.SessionRefreshes.WithLabelValues("error").Inc()

		var apiErr *api.APIError
		if errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusBadRequest || apiErr.StatusCode == http.StatusUnauthorized) {
			b.logger.Error("refresh token rejected, session dropped", "error", err)
			b.mu.Lock()
			if b.session != nil && b.session.RefreshToken == refreshToken {
				b.session = nil
			}
			b.mu.Unlock()
			return err
		}

		b.logger.Warn("session refresh failed", "error", err, "retry_in", b.cfg.RetryInterval)
		return err
	}

	b.mu.Lock()
	if b.session == nil || b.session.RefreshToken != refreshToken {
		// Signed out or signed in again meanwhile
		b.mu.Unlock()
		return nil
	}
	b.setSessionLocked(s)
	sinks := append([]TokenSink(nil), b.sinks...)
	b.mu.Unlock()

	metrics.SessionRefreshes.WithLabelValues("ok").Inc()
	b.logger.Info("session refreshed", "expires_in", s.ExpiresIn)

	for _, sink := range sinks {
		if err := sink.SetAccessToken(s.AccessToken); err != nil {
			b.logger.Warn("failed to propagate access token", "error", err)
		}
	}
	return nil
}
