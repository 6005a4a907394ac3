// Package session persists OAuth sessions and the short-lived state
// around them (pending logins, proxy grants, registered MCP clients).
//
// Every record carries its own eviction deadline alongside the backend
// TTL. Reads compare that deadline against the store clock, so a record
// whose TTL has elapsed is never returned even when the backend has
// not reclaimed it yet.
package session

//go:generate mockgen -destination=mock_store.go -package=session . Store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/Sage-Bionetworks/synapse-mcp/internal/models"
)

var (
	// ErrNotFound is returned when a record is absent or past its TTL.
	ErrNotFound = errors.New("session: not found")

	// ErrLocked is returned by Lock when another holder owns the lock.
	ErrLocked = errors.New("session: lock held")
)

const (
	// NoExpiryTTL is the record lifetime used for token sets whose
	// provider stated no expiry.
	NoExpiryTTL = time.Hour

	// minTTL keeps a freshly written record alive long enough to be
	// read back even when its token is already inside the grace window.
	minTTL = time.Second
)

// Unlock releases a lock obtained from Store.Lock.
type Unlock func(ctx context.Context) error

// Store is the session persistence contract shared by the Redis and
// in-memory backends. Backend connectivity failures are reported as
// errors wrapping apperrors.ErrStorageUnavailable.
type Store interface {
	// Put writes the session record with the given TTL, overwriting
	// any existing record.
	Put(ctx context.Context, s *models.Session, ttl time.Duration) error

	// Get returns the session, or ErrNotFound if absent or expired.
	Get(ctx context.Context, id string) (*models.Session, error)

	// Replace overwrites an existing session record as a whole. It
	// returns ErrNotFound if the session no longer exists.
	Replace(ctx context.Context, s *models.Session, ttl time.Duration) error

	// Delete removes the session. Deleting an absent session is not an error.
	Delete(ctx context.Context, id string) error

	// CleanupExpired removes session records past their TTL and
	// returns how many were removed.
	CleanupExpired(ctx context.Context) (int, error)

	// PutPending stores a login awaiting its callback under state.
	PutPending(ctx context.Context, state string, p *models.PendingLogin, ttl time.Duration) error

	// TakePending atomically reads and deletes a pending login.
	TakePending(ctx context.Context, state string) (*models.PendingLogin, error)

	// PutGrant stores a one-time proxy authorization code.
	PutGrant(ctx context.Context, g *models.Grant, ttl time.Duration) error

	// TakeGrant atomically reads and deletes a proxy authorization code.
	TakeGrant(ctx context.Context, code string) (*models.Grant, error)

	// PutClient stores an MCP client registration. A zero ttl never expires.
	PutClient(ctx context.Context, c *models.OAuthClient, ttl time.Duration) error

	// GetClient returns a registered MCP client or ErrNotFound.
	GetClient(ctx context.Context, clientID string) (*models.OAuthClient, error)

	// Lock takes the advisory lock for a session id. It returns
	// ErrLocked without waiting if another holder owns it.
	Lock(ctx context.Context, id string, ttl time.Duration) (Unlock, error)

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error
}

// TTLFor returns the record lifetime for a session carrying ts: the
// remaining token lifetime plus grace.
func TTLFor(ts models.TokenSet, now time.Time, grace time.Duration) time.Duration {
	if ts.ExpiresAt.IsZero() {
		return NoExpiryTTL + grace
	}

	ttl := ts.ExpiresAt.Sub(now) + grace
	if ttl < minTTL {
		ttl = minTTL
	}

	return ttl
}

// Option configures a store.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock sets the clock used for read-time expiry checks.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	return o
}

// envelope is the stored form of every record. A zero EvictAt never
// expires.
type envelope struct {
	EvictAt time.Time       `json:"evict_at,omitzero"`
	Value   json.RawMessage `json:"value"`
}

func (e *envelope) expired(now time.Time) bool {
	return !e.EvictAt.IsZero() && !now.Before(e.EvictAt)
}

func seal(v any, now time.Time, ttl time.Duration) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	env := envelope{Value: raw}
	if ttl > 0 {
		env.EvictAt = now.Add(ttl)
	}

	return json.Marshal(env)
}

// open decodes data into dst. It returns ErrNotFound if the envelope
// is past its deadline.
func open(data []byte, now time.Time, dst any) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}

	if env.expired(now) {
		return ErrNotFound
	}

	return json.Unmarshal(env.Value, dst)
}

// sealedExpired reports whether sealed data is past its deadline.
// Undecodable data counts as expired so sweeps can drop it.
func sealedExpired(data []byte, now time.Time) bool {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return true
	}

	return env.expired(now)
}
