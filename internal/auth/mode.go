// Package auth resolves the credential mode and runs the OAuth2
// authorization-code flow against Synapse. It also serves the OAuth
// endpoints MCP clients use to obtain a session bearer from this server,
// and hands a live Synapse bearer credential to every tool call.
package auth

import (
	"strings"

	apperrors "github.com/Sage-Bionetworks/synapse-mcp/internal/errors"
)

// Mode is the credential mode of a running process.
type Mode int

const (
	// ModePAT serves every request with a static Personal Access Token.
	ModePAT Mode = iota + 1

	// ModeOAuth2 serves requests with per-session OAuth2 tokens.
	ModeOAuth2
)

func (m Mode) String() string {
	switch m {
	case ModePAT:
		return "pat"
	case ModeOAuth2:
		return "oauth2"
	default:
		return "unknown"
	}
}

// Settings is the configuration that selects a Mode.
type Settings struct {
	PAT          string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	ServerURL    string
}

// HasOAuth2 reports whether any OAuth2 field is set.
func (s Settings) HasOAuth2() bool {
	return s.ClientID != "" || s.ClientSecret != "" || s.RedirectURI != "" || s.ServerURL != ""
}

// ResolveMode picks the credential mode. A PAT always wins, even when
// OAuth2 settings are present too. Otherwise all four OAuth2 fields are
// required, and the returned ConfigurationError lists the missing ones.
func ResolveMode(s Settings) (Mode, error) {
	if strings.TrimSpace(s.PAT) != "" {
		return ModePAT, nil
	}

	var missing []string

	if s.ClientID == "" {
		missing = append(missing, "SYNAPSE_OAUTH_CLIENT_ID")
	}

	if s.ClientSecret == "" {
		missing = append(missing, "SYNAPSE_OAUTH_CLIENT_SECRET")
	}

	if s.RedirectURI == "" {
		missing = append(missing, "SYNAPSE_OAUTH_REDIRECT_URI")
	}

	if s.ServerURL == "" {
		missing = append(missing, "MCP_SERVER_URL")
	}

	if len(missing) > 0 {
		return 0, &apperrors.ConfigurationError{Missing: missing}
	}

	return ModeOAuth2, nil
}
