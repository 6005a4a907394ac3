// Package state persists the OAuth client registry across restarts in
// a local bbolt database: this server's own registration with Synapse
// and the MCP clients that registered with this server.
package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/Sage-Bionetworks/synapse-mcp/internal/models"
)

const (
	// stateDirPerm is the permission mode for the registry directory (~/.synapse-mcp/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the registry database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	registrationsBucket = []byte("upstream_registrations")
	clientsBucket       = []byte("mcp_clients")
)

// Registry wraps a bbolt database holding client registrations.
type Registry struct {
	db *bolt.DB
}

// DefaultPath returns ~/.synapse-mcp/registry.db.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".synapse-mcp", "registry.db"), nil
}

// LoadAt opens a registry database at the given path, creating it and
// its buckets if they do not exist.
func LoadAt(path string) (*Registry, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating registry directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening registry db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(registrationsBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(clientsBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing registry db: %w", err)
	}

	return &Registry{db: db}, nil
}

// Close closes the database.
func (r *Registry) Close() error {
	return r.db.Close()
}

// Registration returns the cached provider registration for key, or nil
// if none is stored.
func (r *Registry) Registration(key string) (*models.ClientRegistration, error) {
	var reg *models.ClientRegistration

	err := r.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(registrationsBucket).Get([]byte(key))
		if v == nil {
			return nil
		}

		reg = &models.ClientRegistration{}

		return json.Unmarshal(v, reg)
	})
	if err != nil {
		return nil, fmt.Errorf("reading registration: %w", err)
	}

	return reg, nil
}

// SaveRegistration stores the provider registration under key.
func (r *Registry) SaveRegistration(key string, reg models.ClientRegistration) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(reg)
		if err != nil {
			return err
		}

		return tx.Bucket(registrationsBucket).Put([]byte(key), data)
	})
}

// DeleteRegistration forgets the provider registration under key, so
// the next start registers again.
func (r *Registry) DeleteRegistration(key string) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(registrationsBucket).Delete([]byte(key))
	})
}

// SaveClient persists a registered MCP client.
func (r *Registry) SaveClient(c models.OAuthClient) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}

		return tx.Bucket(clientsBucket).Put([]byte(c.ClientID), data)
	})
}

// Client returns a registered MCP client by ID, or nil if not found.
func (r *Registry) Client(clientID string) (*models.OAuthClient, error) {
	var c *models.OAuthClient

	err := r.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(clientsBucket).Get([]byte(clientID))
		if v == nil {
			return nil
		}

		c = &models.OAuthClient{}

		return json.Unmarshal(v, c)
	})

	return c, err
}

// DeleteClient removes a registered MCP client by ID.
func (r *Registry) DeleteClient(clientID string) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(clientsBucket).Delete([]byte(clientID))
	})
}

// AllClients returns all registered MCP clients.
func (r *Registry) AllClients() ([]models.OAuthClient, error) {
	var clients []models.OAuthClient

	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(clientsBucket).ForEach(func(k, v []byte) error {
			var c models.OAuthClient
			if err := json.Unmarshal(v, &c); err != nil {
				return fmt.Errorf("decoding client %s: %w", k, err)
			}

			clients = append(clients, c)

			return nil
		})
	})

	return clients, err
}

// ClientCount returns the number of registered MCP clients.
func (r *Registry) ClientCount() int {
	count := 0
	_ = r.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(clientsBucket).Stats().KeyN

		return nil
	})

	return count
}
