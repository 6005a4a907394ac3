package config

import (
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/Sage-Bionetworks/synapse-mcp/internal/auth"
	"github.com/Sage-Bionetworks/synapse-mcp/internal/models"
)

// staticClient is one entry of SYNAPSE_MCP_STATIC_CLIENTS. The value is
// a YAML or JSON list; JSON parses as YAML.
type staticClient struct {
	ClientID         string   `yaml:"client_id"`
	ClientName       string   `yaml:"client_name"`
	RedirectURIs     []string `yaml:"redirect_uris"`
	GrantTypes       []string `yaml:"grant_types"`
	ClientSecretHash string   `yaml:"client_secret_hash"`
}

// ParseStaticClients parses SYNAPSE_MCP_STATIC_CLIENTS into pre-registered
// MCP clients. Secrets are given as bcrypt hashes (see the hash-secret
// subcommand); clients without one are public and must use PKCE.
func ParseStaticClients(raw string) ([]models.OAuthClient, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var entries []staticClient
	if err := yaml.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, fmt.Errorf("parsing SYNAPSE_MCP_STATIC_CLIENTS: %w", err)
	}

	seen := make(map[string]struct{}, len(entries))
	clients := make([]models.OAuthClient, 0, len(entries))

	for i, e := range entries {
		id := strings.TrimSpace(e.ClientID)
		if id == "" {
			return nil, fmt.Errorf("empty client_id in static client entry %d", i+1)
		}

		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("duplicate client_id %q in SYNAPSE_MCP_STATIC_CLIENTS", id)
		}

		if len(e.RedirectURIs) == 0 {
			return nil, fmt.Errorf("static client %q has no redirect_uris", id)
		}

		if e.ClientSecretHash != "" {
			if _, err := bcrypt.Cost([]byte(e.ClientSecretHash)); err != nil {
				return nil, fmt.Errorf("static client %q: client_secret_hash is not a bcrypt hash", id)
			}
		}

		seen[id] = struct{}{}
		clients = append(clients, models.OAuthClient{
			ClientID:     id,
			ClientName:   e.ClientName,
			RedirectURIs: e.RedirectURIs,
			GrantTypes:   auth.NormalizeGrantTypes(e.GrantTypes),
			SecretHash:   e.ClientSecretHash,
		})
	}

	return clients, nil
}
