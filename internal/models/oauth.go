// Package models defines types shared across internal packages.
package models

import "time"

// TokenSet is an access/refresh token pair issued by Synapse. A
// refresh produces a new TokenSet; existing values are never modified.
type TokenSet struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
	IssuedAt     time.Time `json:"issued_at"`
}

// NeedsRefresh reports whether the access token is expired or will
// expire within margin of now. A zero ExpiresAt never needs refresh.
func (t TokenSet) NeedsRefresh(now time.Time, margin time.Duration) bool {
	if t.ExpiresAt.IsZero() {
		return false
	}

	return !now.Before(t.ExpiresAt.Add(-margin))
}

// Session binds a TokenSet to an opaque session identifier.
type Session struct {
	ID             string    `json:"id"`
	Tokens         TokenSet  `json:"tokens"`
	Subject        string    `json:"subject,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
}

// ClientRegistration is the result of registering this server as an
// OAuth client with Synapse.
type ClientRegistration struct {
	ClientID      string    `json:"client_id"`
	ClientSecret  string    `json:"client_secret,omitempty"`
	RedirectURI   string    `json:"redirect_uri"`
	GrantTypes    []string  `json:"grant_types"`
	ResponseTypes []string  `json:"response_types"`
	RegisteredAt  time.Time `json:"registered_at"`
}

// OAuthClient represents an MCP client registered with this server,
// either dynamically or from static configuration. SecretHash is a
// bcrypt hash; public clients leave it empty.
type OAuthClient struct {
	ClientID     string   `json:"client_id"`
	ClientName   string   `json:"client_name,omitempty"`
	RedirectURIs []string `json:"redirect_uris"`
	GrantTypes   []string `json:"grant_types,omitempty"`
	SecretHash   string   `json:"secret_hash,omitempty"`
}

// PendingLogin is the server-side record of an authorization attempt
// awaiting its callback, keyed by the anti-forgery state.
type PendingLogin struct {
	SessionID string         `json:"session_id"`
	CreatedAt time.Time      `json:"created_at"`
	Client    *ClientBinding `json:"client,omitempty"`
}

// ClientBinding carries the MCP client's own authorization request
// through the upstream login so the callback can complete it.
type ClientBinding struct {
	ClientID      string `json:"client_id"`
	RedirectURI   string `json:"redirect_uri"`
	State         string `json:"state,omitempty"`
	CodeChallenge string `json:"code_challenge"`
}

// Grant is a one-time credential this server issues to an MCP client:
// an authorization code after a successful upstream login, or a refresh
// token (Refresh set) that is rotated on every use.
type Grant struct {
	Code          string    `json:"code"`
	SessionID     string    `json:"session_id"`
	ClientID      string    `json:"client_id"`
	RedirectURI   string    `json:"redirect_uri,omitempty"`
	CodeChallenge string    `json:"code_challenge,omitempty"`
	Refresh       bool      `json:"refresh,omitempty"`
	ExpiresAt     time.Time `json:"expires_at"`
}
