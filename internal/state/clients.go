package state

import (
	"context"
	"fmt"
	"time"

	"github.com/Sage-Bionetworks/synapse-mcp/internal/models"
	"github.com/Sage-Bionetworks/synapse-mcp/internal/session"
)

// clientStore is a session.Store whose non-expiring MCP client
// registrations are also written to the registry.
type clientStore struct {
	session.Store
	registry *Registry
}

// PersistClients returns a store that mirrors dynamically registered
// MCP clients into the registry, so an in-memory session store keeps
// them across restarts.
func PersistClients(store session.Store, registry *Registry) session.Store {
	return &clientStore{Store: store, registry: registry}
}

func (s *clientStore) PutClient(ctx context.Context, c *models.OAuthClient, ttl time.Duration) error {
	if err := s.Store.PutClient(ctx, c, ttl); err != nil {
		return err
	}

	if ttl != 0 {
		return nil
	}

	if err := s.registry.SaveClient(*c); err != nil {
		return fmt.Errorf("persisting client %s: %w", c.ClientID, err)
	}

	return nil
}

// RestoreClients loads every persisted MCP client into store and
// returns how many were loaded.
func RestoreClients(ctx context.Context, registry *Registry, store session.Store) (int, error) {
	clients, err := registry.AllClients()
	if err != nil {
		return 0, fmt.Errorf("loading clients: %w", err)
	}

	for i := range clients {
		if err := store.PutClient(ctx, &clients[i], 0); err != nil {
			return i, fmt.Errorf("restoring client %s: %w", clients[i].ClientID, err)
		}
	}

	return len(clients), nil
}
