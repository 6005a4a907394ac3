package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	apperrors "github.com/Sage-Bionetworks/synapse-mcp/internal/errors"
	"github.com/Sage-Bionetworks/synapse-mcp/internal/models"
	"github.com/Sage-Bionetworks/synapse-mcp/internal/session"
)

const (
	// sessionIDBytes is the number of random bytes in a session id
	// (hex-encoded to twice this length).
	sessionIDBytes = 32

	// stateBytes is the number of random bytes in an anti-forgery state.
	stateBytes = 24

	// DefaultLoginTimeout is how long a login may wait for its callback.
	DefaultLoginTimeout = 10 * time.Minute

	// DefaultGrace keeps session records past token expiry so they can
	// still be refreshed.
	DefaultGrace = 300 * time.Second
)

// FlowState is a stage of one login attempt.
type FlowState int

const (
	FlowIdle FlowState = iota
	FlowAwaitingCallback
	FlowExchanging
	FlowAuthenticated
	FlowFailed
)

func (s FlowState) String() string {
	switch s {
	case FlowIdle:
		return "idle"
	case FlowAwaitingCallback:
		return "awaiting_callback"
	case FlowExchanging:
		return "exchanging"
	case FlowAuthenticated:
		return "authenticated"
	case FlowFailed:
		return "failed"
	default:
		return fmt.Sprintf("FlowState(%d)", int(s))
	}
}

// errIllegalTransition reports a transition the state machine forbids.
var errIllegalTransition = errors.New("illegal login state transition")

// loginAttempt tracks one login through the state machine. Every
// transition checks the current state, so a code can only be exchanged
// after a callback and a finished attempt can never be resumed.
type loginAttempt struct {
	state     FlowState
	sessionID string
	client    *models.ClientBinding
}

func (a *loginAttempt) advance(from, to FlowState) error {
	if a.state != from {
		return fmt.Errorf("%w: %s -> %s (at %s)", errIllegalTransition, from, to, a.state)
	}

	a.state = to

	return nil
}

// start moves a fresh attempt to AwaitingCallback.
func (a *loginAttempt) start() error { return a.advance(FlowIdle, FlowAwaitingCallback) }

// callback moves an awaiting attempt to Exchanging.
func (a *loginAttempt) callback() error { return a.advance(FlowAwaitingCallback, FlowExchanging) }

// succeed finishes an exchanging attempt.
func (a *loginAttempt) succeed() error { return a.advance(FlowExchanging, FlowAuthenticated) }

// fail finishes an attempt that has not already finished.
func (a *loginAttempt) fail() {
	if a.state != FlowAuthenticated {
		a.state = FlowFailed
	}
}

// Login is the result of StartLogin.
type Login struct {
	SessionID string
	State     string
	URL       string
	ExpiresAt time.Time
}

// Callback is the result of a successful HandleCallback.
type Callback struct {
	State   FlowState
	Session *models.Session
	Client  *models.ClientBinding
}

// FlowConfig configures a Flow.
type FlowConfig struct {
	Store        session.Store
	Exchanger    TokenExchanger
	LoginTimeout time.Duration
	Grace        time.Duration
	Logger       *slog.Logger
	Now          func() time.Time
}

// Flow drives the browser authorization-code login against the
// provider and writes the resulting session.
type Flow struct {
	store        session.Store
	exchanger    TokenExchanger
	loginTimeout time.Duration
	grace        time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

// NewFlow creates a Flow with defaults for zero durations.
func NewFlow(cfg FlowConfig) *Flow {
	f := &Flow{
		store:        cfg.Store,
		exchanger:    cfg.Exchanger,
		loginTimeout: cfg.LoginTimeout,
		grace:        cfg.Grace,
		logger:       cfg.Logger,
		now:          cfg.Now,
	}

	if f.loginTimeout <= 0 {
		f.loginTimeout = DefaultLoginTimeout
	}

	if f.grace <= 0 {
		f.grace = DefaultGrace
	}

	if f.now == nil {
		f.now = time.Now
	}

	return f
}

// StartLogin allocates a new session id and state, records the pending
// login for the login timeout and returns the authorization URL. client
// is the MCP client the login was started for, or nil.
func (f *Flow) StartLogin(ctx context.Context, client *models.ClientBinding) (*Login, error) {
	attempt := &loginAttempt{sessionID: RandomHex(sessionIDBytes), client: client}
	state := RandomHex(stateBytes)
	now := f.now()

	pending := &models.PendingLogin{
		SessionID: attempt.sessionID,
		CreatedAt: now,
		Client:    client,
	}

	if err := f.store.PutPending(ctx, state, pending, f.loginTimeout); err != nil {
		return nil, fmt.Errorf("starting login: %w", err)
	}

	if err := attempt.start(); err != nil {
		return nil, err
	}

	f.logger.Debug("login started", slog.String("session", redactID(attempt.sessionID)))

	return &Login{
		SessionID: attempt.sessionID,
		State:     state,
		URL:       f.exchanger.AuthCodeURL(state),
		ExpiresAt: now.Add(f.loginTimeout),
	}, nil
}

// resume takes the pending login for state. A missing, expired or
// already used state is a state mismatch.
func (f *Flow) resume(ctx context.Context, state string) (*loginAttempt, error) {
	if state == "" {
		return nil, fmt.Errorf("%w: callback has no state", apperrors.ErrStateMismatch)
	}

	pending, err := f.store.TakePending(ctx, state)
	if errors.Is(err, session.ErrNotFound) {
		return nil, fmt.Errorf("%w: unknown or expired state", apperrors.ErrStateMismatch)
	}

	if err != nil {
		return nil, fmt.Errorf("loading pending login: %w", err)
	}

	return &loginAttempt{
		state:     FlowAwaitingCallback,
		sessionID: pending.SessionID,
		client:    pending.Client,
	}, nil
}

// HandleCallback completes a login. A state mismatch returns
// apperrors.ErrStateMismatch and an exchange failure returns
// *apperrors.TokenExchangeError. Neither creates a session, and the
// pending login is consumed either way.
func (f *Flow) HandleCallback(ctx context.Context, code, state string) (*Callback, error) {
	attempt, err := f.resume(ctx, state)
	if err != nil {
		f.logger.Warn("login callback rejected", slog.String("error", err.Error()))
		return nil, err
	}

	if err := attempt.callback(); err != nil {
		return nil, err
	}

	if code == "" {
		attempt.fail()
		return nil, &apperrors.TokenExchangeError{Err: errors.New("callback has no authorization code")}
	}

	issued, err := f.exchanger.Exchange(ctx, code)
	if err != nil {
		attempt.fail()
		f.logger.Warn("authorization code exchange failed",
			slog.String("session", redactID(attempt.sessionID)),
			slog.String("error", err.Error()),
		)

		return nil, &apperrors.TokenExchangeError{Err: err}
	}

	now := f.now()
	sess := &models.Session{
		ID:             attempt.sessionID,
		Tokens:         issued.Tokens,
		Subject:        issued.Subject,
		CreatedAt:      now,
		LastAccessedAt: now,
	}

	if err := f.store.Put(ctx, sess, session.TTLFor(sess.Tokens, now, f.grace)); err != nil {
		attempt.fail()
		return nil, fmt.Errorf("saving session: %w", err)
	}

	if err := attempt.succeed(); err != nil {
		return nil, err
	}

	f.logger.Info("login completed",
		slog.String("session", redactID(sess.ID)),
		slog.String("subject", sess.Subject),
	)

	return &Callback{State: attempt.state, Session: sess, Client: attempt.client}, nil
}

// Abandon consumes the pending login for state after the provider
// reported an error, and returns the client the login was started for.
func (f *Flow) Abandon(ctx context.Context, state string) (*models.ClientBinding, error) {
	attempt, err := f.resume(ctx, state)
	if err != nil {
		return nil, err
	}

	attempt.fail()

	return attempt.client, nil
}

// RandomHex generates a cryptographically random hex string of the given byte length.
func RandomHex(byteLen int) string {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	return hex.EncodeToString(b)
}

// redactID shortens a session id for logs.
func redactID(id string) string {
	if len(id) <= 8 {
		return "***"
	}

	return id[:8] + "..."
}
