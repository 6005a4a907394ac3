package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	apperrors "github.com/Sage-Bionetworks/synapse-mcp/internal/errors"
	"github.com/Sage-Bionetworks/synapse-mcp/internal/session"
)

const (
	// DefaultRefreshSkew refreshes tokens this long before they expire.
	DefaultRefreshSkew = 60 * time.Second

	// DefaultLockWait bounds the wait for another worker's refresh.
	DefaultLockWait = 5 * time.Second

	// lockTTL caps how long a crashed worker can hold a refresh lock.
	lockTTL = 30 * time.Second

	// refreshTimeout bounds a shared refresh once it no longer follows
	// the caller that started it.
	refreshTimeout = 30 * time.Second

	// lockPoll is the retry interval while waiting for a refresh lock.
	lockPoll = 50 * time.Millisecond
)

// ProviderConfig configures a Provider.
type ProviderConfig struct {
	Mode      Mode
	PAT       string
	Store     session.Store
	Exchanger TokenExchanger
	Skew      time.Duration
	Grace     time.Duration
	LockWait  time.Duration
	Logger    *slog.Logger
	Now       func() time.Time
}

// Provider hands a live Synapse bearer credential to each tool call.
type Provider struct {
	mode      Mode
	pat       string
	store     session.Store
	exchanger TokenExchanger
	skew      time.Duration
	grace     time.Duration
	lockWait  time.Duration
	logger    *slog.Logger
	now       func() time.Time

	refreshes singleflight.Group
}

// NewProvider creates a Provider with defaults for zero durations.
func NewProvider(cfg ProviderConfig) *Provider {
	p := &Provider{
		mode:      cfg.Mode,
		pat:       cfg.PAT,
		store:     cfg.Store,
		exchanger: cfg.Exchanger,
		skew:      cfg.Skew,
		grace:     cfg.Grace,
		lockWait:  cfg.LockWait,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}

	if p.skew <= 0 {
		p.skew = DefaultRefreshSkew
	}

	if p.grace <= 0 {
		p.grace = DefaultGrace
	}

	if p.lockWait <= 0 {
		p.lockWait = DefaultLockWait
	}

	if p.now == nil {
		p.now = time.Now
	}

	return p
}

// Mode returns the credential mode the provider serves.
func (p *Provider) Mode() Mode {
	return p.mode
}

// Credential returns the bearer token for a tool call. In PAT mode the
// session id is ignored and the store is never consulted. In OAuth2 mode
// the session's access token is returned, refreshed first when it is
// within the skew margin of expiry.
func (p *Provider) Credential(ctx context.Context, sessionID string) (string, error) {
	if p.mode == ModePAT {
		return p.pat, nil
	}

	if sessionID == "" {
		return "", apperrors.ErrUnauthenticated
	}

	sess, err := p.store.Get(ctx, sessionID)
	if errors.Is(err, session.ErrNotFound) {
		return "", apperrors.ErrUnauthenticated
	}

	if err != nil {
		return "", err
	}

	if !sess.Tokens.NeedsRefresh(p.now(), p.skew) {
		return sess.Tokens.AccessToken, nil
	}

	// Callers share one refresh, so it must outlive whichever of them
	// started it.
	v, err, _ := p.refreshes.Do(sessionID, func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()

		return p.refresh(rctx, sessionID)
	})
	if err != nil {
		return "", err
	}

	return v.(string), nil
}

// refresh renews the session's tokens under the session's advisory
// lock. After the lock is taken the session is read again, so a refresh
// already finished by another worker is reused.
func (p *Provider) refresh(ctx context.Context, id string) (string, error) {
	unlock, err := p.acquire(ctx, id)
	if err != nil {
		return "", err
	}

	if unlock != nil {
		defer func() {
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				p.logger.Warn("releasing refresh lock", slog.String("error", err.Error()))
			}
		}()
	}

	sess, err := p.store.Get(ctx, id)
	if errors.Is(err, session.ErrNotFound) {
		return "", apperrors.ErrUnauthenticated
	}

	if err != nil {
		return "", err
	}

	now := p.now()
	if !sess.Tokens.NeedsRefresh(now, p.skew) {
		return sess.Tokens.AccessToken, nil
	}

	if sess.Tokens.RefreshToken == "" {
		// Nothing to refresh with; serve the token until it actually expires.
		if sess.Tokens.ExpiresAt.IsZero() || now.Before(sess.Tokens.ExpiresAt) {
			return sess.Tokens.AccessToken, nil
		}

		p.revoke(ctx, id, "token expired without refresh token")

		return "", fmt.Errorf("%w: token expired and no refresh token", apperrors.ErrReauthenticationRequired)
	}

	tokens, err := p.exchanger.Refresh(ctx, sess.Tokens.RefreshToken)
	if errors.Is(err, ErrInvalidGrant) {
		p.revoke(ctx, id, err.Error())
		return "", fmt.Errorf("%w: %w", apperrors.ErrReauthenticationRequired, err)
	}

	if err != nil {
		p.logger.Warn("token refresh failed",
			slog.String("session", redactID(id)),
			slog.String("error", err.Error()),
		)

		return "", &apperrors.TransientAuthError{Err: err}
	}

	next := *sess
	next.Tokens = tokens
	next.LastAccessedAt = now

	err = p.store.Replace(ctx, &next, session.TTLFor(tokens, now, p.grace))
	if errors.Is(err, session.ErrNotFound) {
		// Logged out while the refresh was in flight.
		return "", apperrors.ErrUnauthenticated
	}

	if err != nil {
		return "", err
	}

	p.logger.Debug("token refreshed",
		slog.String("session", redactID(id)),
		slog.Time("expires_at", tokens.ExpiresAt),
	)

	return tokens.AccessToken, nil
}

// acquire waits up to lockWait for the session's refresh lock. A nil
// Unlock with a nil error means the wait timed out and the caller
// proceeds without the lock.
func (p *Provider) acquire(ctx context.Context, id string) (session.Unlock, error) {
	deadline := time.Now().Add(p.lockWait)

	ticker := time.NewTicker(lockPoll)
	defer ticker.Stop()

	for {
		unlock, err := p.store.Lock(ctx, id, lockTTL)
		if err == nil {
			return unlock, nil
		}

		if !errors.Is(err, session.ErrLocked) {
			return nil, err
		}

		if !time.Now().Before(deadline) {
			p.logger.Debug("refresh lock wait timed out, refreshing without lock",
				slog.String("session", redactID(id)),
			)

			return nil, nil
		}

		select {
		case <-ctx.Done():
			return nil, &apperrors.TransientAuthError{Err: fmt.Errorf("waiting for refresh lock: %w", ctx.Err())}
		case <-ticker.C:
		}
	}
}

// revoke deletes a session the provider will no longer refresh.
func (p *Provider) revoke(ctx context.Context, id, reason string) {
	p.logger.Warn("session revoked",
		slog.String("session", redactID(id)),
		slog.String("reason", reason),
	)

	if err := p.store.Delete(ctx, id); err != nil {
		p.logger.Warn("deleting revoked session", slog.String("error", err.Error()))
	}
}
