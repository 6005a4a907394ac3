package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	apperrors "github.com/Sage-Bionetworks/synapse-mcp/internal/errors"
	"github.com/Sage-Bionetworks/synapse-mcp/internal/models"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second

	// DefaultKeyPrefix namespaces all keys written by this server.
	DefaultKeyPrefix = "synapse-mcp:"

	// scanBatch is the COUNT hint for SCAN during cleanup.
	scanBatch = 100
)

// Key types.
const (
	keySession = "session:"
	keyState   = "state:"
	keyGrant   = "grant:"
	keyClient  = "client:"
	keyLock    = "lock:session:"
)

// releaseScript deletes a lock only if it is still held by the caller.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// connection string.
	URL string

	// KeyPrefix namespaces keys for multi-tenant deployments.
	KeyPrefix string

	// Timeouts (defaults: Dial=5s, Read=3s, Write=3s).
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// RedisStore implements Store on Redis so that sessions are shared by
// every server instance behind a load balancer.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
	logger *slog.Logger
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig, logger *slog.Logger, opts ...Option) (*RedisStore, error) {
	ropts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}

	ropts.DialTimeout = orDefault(cfg.DialTimeout, DefaultDialTimeout)
	ropts.ReadTimeout = orDefault(cfg.ReadTimeout, DefaultReadTimeout)
	ropts.WriteTimeout = orDefault(cfg.WriteTimeout, DefaultWriteTimeout)

	client := redis.NewClient(ropts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w: %w", apperrors.ErrStorageUnavailable, err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	return NewRedisStoreWithClient(client, prefix, logger, opts...), nil
}

// NewRedisStoreWithClient creates a RedisStore with a pre-configured client.
func NewRedisStoreWithClient(client redis.UniversalClient, prefix string, logger *slog.Logger, opts ...Option) *RedisStore {
	o := buildOptions(opts)

	return &RedisStore{
		client: client,
		prefix: prefix,
		now:    o.now,
		logger: logger,
	}
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}

	return d
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) key(kind, id string) string {
	return s.prefix + kind + id
}

// unavailable wraps a backend error so callers can match it with
// errors.Is(err, apperrors.ErrStorageUnavailable).
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, apperrors.ErrStorageUnavailable, err)
}

// Ping checks Redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}

	return nil
}

func (s *RedisStore) set(ctx context.Context, op, key string, v any, ttl time.Duration) error {
	data, err := seal(v, s.now(), ttl)
	if err != nil {
		return fmt.Errorf("%s: encoding record: %w", op, err)
	}

	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return unavailable(op, err)
	}

	return nil
}

func (s *RedisStore) get(ctx context.Context, op, key string, dst any) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}

	if err != nil {
		return unavailable(op, err)
	}

	return open(data, s.now(), dst)
}

func (s *RedisStore) take(ctx context.Context, op, key string, dst any) error {
	data, err := s.client.GetDel(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}

	if err != nil {
		return unavailable(op, err)
	}

	return open(data, s.now(), dst)
}

// Put writes the session record. A single SET is atomic, so concurrent
// readers observe either the previous record or this one.
func (s *RedisStore) Put(ctx context.Context, sess *models.Session, ttl time.Duration) error {
	return s.set(ctx, "put session", s.key(keySession, sess.ID), sess, ttl)
}

// Get returns the session, or ErrNotFound if absent or past its TTL.
func (s *RedisStore) Get(ctx context.Context, id string) (*models.Session, error) {
	var sess models.Session

	err := s.get(ctx, "get session", s.key(keySession, id), &sess)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	return &sess, nil
}

// Replace overwrites the whole session record with SET XX, so a session
// deleted by logout is not resurrected by a concurrent refresh.
func (s *RedisStore) Replace(ctx context.Context, sess *models.Session, ttl time.Duration) error {
	data, err := seal(sess, s.now(), ttl)
	if err != nil {
		return fmt.Errorf("replace session: encoding record: %w", err)
	}

	ok, err := s.client.SetXX(ctx, s.key(keySession, sess.ID), data, ttl).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return unavailable("replace session", err)
	}

	if !ok {
		return ErrNotFound
	}

	return nil
}

// Delete removes the session record.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.key(keySession, id)).Err(); err != nil {
		return unavailable("delete session", err)
	}

	return nil
}

// CleanupExpired scans session keys and deletes those past their
// deadline. Each delete runs under WATCH, so a record replaced between
// the read and the delete is left alone.
func (s *RedisStore) CleanupExpired(ctx context.Context) (int, error) {
	var (
		cursor  uint64
		removed int
	)

	match := s.key(keySession, "*")

	for {
		keys, next, err := s.client.Scan(ctx, cursor, match, scanBatch).Result()
		if err != nil {
			return removed, unavailable("cleanup scan", err)
		}

		for _, key := range keys {
			ok, err := s.deleteIfExpired(ctx, key)
			if err != nil {
				return removed, err
			}

			if ok {
				removed++
			}
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	if removed > 0 {
		s.logger.Debug("session cleanup", slog.Int("removed", removed))
	}

	return removed, nil
}

func (s *RedisStore) deleteIfExpired(ctx context.Context, key string) (bool, error) {
	deleted := false

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}

		if err != nil {
			return err
		}

		if !sealedExpired(data, s.now()) {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		if err == nil {
			deleted = true
		}

		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		// Modified concurrently, so it was just written and is not expired.
		return false, nil
	}

	if err != nil {
		return false, unavailable("cleanup delete", err)
	}

	return deleted, nil
}

// PutPending stores a pending login under its state token.
func (s *RedisStore) PutPending(ctx context.Context, state string, p *models.PendingLogin, ttl time.Duration) error {
	return s.set(ctx, "put pending login", s.key(keyState, state), p, ttl)
}

// TakePending reads and deletes a pending login with GETDEL.
func (s *RedisStore) TakePending(ctx context.Context, state string) (*models.PendingLogin, error) {
	var p models.PendingLogin
	if err := s.take(ctx, "take pending login", s.key(keyState, state), &p); err != nil {
		return nil, err
	}

	return &p, nil
}

// PutGrant stores a proxy authorization code.
func (s *RedisStore) PutGrant(ctx context.Context, g *models.Grant, ttl time.Duration) error {
	return s.set(ctx, "put grant", s.key(keyGrant, g.Code), g, ttl)
}

// TakeGrant reads and deletes a proxy authorization code with GETDEL.
func (s *RedisStore) TakeGrant(ctx context.Context, code string) (*models.Grant, error) {
	var g models.Grant
	if err := s.take(ctx, "take grant", s.key(keyGrant, code), &g); err != nil {
		return nil, err
	}

	return &g, nil
}

// PutClient stores an MCP client registration.
func (s *RedisStore) PutClient(ctx context.Context, c *models.OAuthClient, ttl time.Duration) error {
	return s.set(ctx, "put client", s.key(keyClient, c.ClientID), c, ttl)
}

// GetClient returns a registered MCP client.
func (s *RedisStore) GetClient(ctx context.Context, clientID string) (*models.OAuthClient, error) {
	var c models.OAuthClient
	if err := s.get(ctx, "get client", s.key(keyClient, clientID), &c); err != nil {
		return nil, err
	}

	return &c, nil
}

// Lock takes the advisory refresh lock for a session with SET NX PX.
// The returned Unlock only deletes the key while this caller still
// owns it.
func (s *RedisStore) Lock(ctx context.Context, id string, ttl time.Duration) (Unlock, error) {
	key := s.key(keyLock, id)
	owner := uuid.NewString()

	ok, err := s.client.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return nil, unavailable("lock session", err)
	}

	if !ok {
		return nil, ErrLocked
	}

	return func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, s.client, []string{key}, owner).Err(); err != nil {
			return unavailable("unlock session", err)
		}

		return nil
	}, nil
}
