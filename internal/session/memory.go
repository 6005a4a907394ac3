package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Sage-Bionetworks/synapse-mcp/internal/models"
)

// cleanupInterval controls how often expired entries are reaped.
const cleanupInterval = 5 * time.Minute

// MemoryStore implements Store in process memory. It serves single
// instance deployments without REDIS_URL. Values are stored encoded,
// so callers never share state with the store.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string][]byte    // namespaced key -> sealed envelope
	locks   map[string]lockEntry // session id -> owner
	now     func() time.Time
	stopGC  chan struct{}
	stopped sync.Once
}

type lockEntry struct {
	owner     string
	expiresAt time.Time
}

// NewMemoryStore creates an empty store and starts a background
// goroutine that periodically removes expired records. Call Stop() to
// clean up the goroutine.
func NewMemoryStore(opts ...Option) *MemoryStore {
	o := buildOptions(opts)
	s := &MemoryStore{
		entries: make(map[string][]byte),
		locks:   make(map[string]lockEntry),
		now:     o.now,
		stopGC:  make(chan struct{}),
	}

	go s.gcLoop()

	return s
}

// Stop terminates the background cleanup goroutine.
func (s *MemoryStore) Stop() {
	s.stopped.Do(func() { close(s.stopGC) })
}

func (s *MemoryStore) gcLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopGC:
			return
		}
	}
}

// cleanup removes every expired entry and returns the number of
// session records removed.
func (s *MemoryStore) cleanup() int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0

	for k, data := range s.entries {
		if !sealedExpired(data, now) {
			continue
		}

		delete(s.entries, k)

		if strings.HasPrefix(k, keySession) {
			removed++
		}
	}

	for id, l := range s.locks {
		if !now.Before(l.expiresAt) {
			delete(s.locks, id)
		}
	}

	return removed
}

func (s *MemoryStore) set(key string, v any, ttl time.Duration) error {
	data, err := seal(v, s.now(), ttl)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.entries[key] = data
	s.mu.Unlock()

	return nil
}

func (s *MemoryStore) get(key string, dst any) error {
	s.mu.RLock()
	data, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok {
		return ErrNotFound
	}

	return open(data, s.now(), dst)
}

func (s *MemoryStore) take(key string, dst any) error {
	s.mu.Lock()
	data, ok := s.entries[key]
	delete(s.entries, key)
	s.mu.Unlock()

	if !ok {
		return ErrNotFound
	}

	return open(data, s.now(), dst)
}

// Put writes the session record.
func (s *MemoryStore) Put(_ context.Context, sess *models.Session, ttl time.Duration) error {
	return s.set(keySession+sess.ID, sess, ttl)
}

// Get returns the session, or ErrNotFound if absent or past its TTL.
func (s *MemoryStore) Get(_ context.Context, id string) (*models.Session, error) {
	var sess models.Session
	if err := s.get(keySession+id, &sess); err != nil {
		return nil, err
	}

	return &sess, nil
}

// Replace overwrites an existing, unexpired session record.
func (s *MemoryStore) Replace(_ context.Context, sess *models.Session, ttl time.Duration) error {
	now := s.now()

	data, err := seal(sess, now, ttl)
	if err != nil {
		return err
	}

	key := keySession + sess.ID

	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.entries[key]
	if !ok {
		return ErrNotFound
	}

	if sealedExpired(old, now) {
		delete(s.entries, key)
		return ErrNotFound
	}

	s.entries[key] = data

	return nil
}

// Delete removes the session record.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.entries, keySession+id)
	s.mu.Unlock()

	return nil
}

// CleanupExpired removes expired records.
func (s *MemoryStore) CleanupExpired(_ context.Context) (int, error) {
	return s.cleanup(), nil
}

// PutPending stores a pending login under its state token.
func (s *MemoryStore) PutPending(_ context.Context, state string, p *models.PendingLogin, ttl time.Duration) error {
	return s.set(keyState+state, p, ttl)
}

// TakePending reads and deletes a pending login.
func (s *MemoryStore) TakePending(_ context.Context, state string) (*models.PendingLogin, error) {
	var p models.PendingLogin
	if err := s.take(keyState+state, &p); err != nil {
		return nil, err
	}

	return &p, nil
}

// PutGrant stores a proxy authorization code.
func (s *MemoryStore) PutGrant(_ context.Context, g *models.Grant, ttl time.Duration) error {
	return s.set(keyGrant+g.Code, g, ttl)
}

// TakeGrant reads and deletes a proxy authorization code.
func (s *MemoryStore) TakeGrant(_ context.Context, code string) (*models.Grant, error) {
	var g models.Grant
	if err := s.take(keyGrant+code, &g); err != nil {
		return nil, err
	}

	return &g, nil
}

// PutClient stores an MCP client registration.
func (s *MemoryStore) PutClient(_ context.Context, c *models.OAuthClient, ttl time.Duration) error {
	return s.set(keyClient+c.ClientID, c, ttl)
}

// GetClient returns a registered MCP client.
func (s *MemoryStore) GetClient(_ context.Context, clientID string) (*models.OAuthClient, error) {
	var c models.OAuthClient
	if err := s.get(keyClient+clientID, &c); err != nil {
		return nil, err
	}

	return &c, nil
}

// Lock takes the advisory refresh lock for a session.
func (s *MemoryStore) Lock(_ context.Context, id string, ttl time.Duration) (Unlock, error) {
	now := s.now()
	owner := uuid.NewString()

	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.locks[id]; ok && now.Before(l.expiresAt) {
		return nil, ErrLocked
	}

	s.locks[id] = lockEntry{owner: owner, expiresAt: now.Add(ttl)}

	return func(context.Context) error {
		s.mu.Lock()
		if l, ok := s.locks[id]; ok && l.owner == owner {
			delete(s.locks, id)
		}
		s.mu.Unlock()

		return nil
	}, nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error {
	return nil
}
