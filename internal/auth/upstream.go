package auth

//go:generate mockgen -destination=mock_exchanger.go -package=auth . TokenExchanger

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/Sage-Bionetworks/synapse-mcp/internal/models"
)

// ErrInvalidGrant marks a provider rejection of a code or refresh token
// that no retry can fix. The session holding it must be discarded.
var ErrInvalidGrant = errors.New("invalid grant")

// DefaultScopes are requested on every Synapse authorization.
var DefaultScopes = []string{"openid", "view"}

// Issued is the result of a successful authorization code exchange.
type Issued struct {
	Tokens  models.TokenSet
	Subject string
}

// TokenExchanger talks to the provider's authorization and token
// endpoints.
type TokenExchanger interface {
	// AuthCodeURL builds the browser authorization URL for state.
	AuthCodeURL(state string) string

	// Exchange trades an authorization code for a token set.
	Exchange(ctx context.Context, code string) (*Issued, error)

	// Refresh trades a refresh token for a new token set. Provider
	// rejections of the refresh token wrap ErrInvalidGrant.
	Refresh(ctx context.Context, refreshToken string) (models.TokenSet, error)
}

// UpstreamConfig describes the Synapse OAuth2 endpoints and the client
// registered with them.
type UpstreamConfig struct {
	AuthURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       []string
}

// Upstream implements TokenExchanger with golang.org/x/oauth2.
type Upstream struct {
	conf       *oauth2.Config
	httpClient *http.Client
	now        func() time.Time
}

// NewUpstream builds an Upstream. A nil httpClient uses a client with a
// 30-second timeout. A nil now uses time.Now.
func NewUpstream(cfg UpstreamConfig, httpClient *http.Client, now func() time.Time) *Upstream {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: httpClientTimeout}
	}

	if now == nil {
		now = time.Now
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}

	return &Upstream{
		conf: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthURL,
				TokenURL: cfg.TokenURL,
			},
		},
		httpClient: httpClient,
		now:        now,
	}
}

func (u *Upstream) ctx(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, u.httpClient)
}

// AuthCodeURL returns the Synapse authorization URL carrying client_id,
// redirect_uri, response_type=code, scope and state.
func (u *Upstream) AuthCodeURL(state string) string {
	return u.conf.AuthCodeURL(state)
}

// Exchange trades an authorization code for tokens. The subject comes
// from the id_token when the provider returns one.
func (u *Upstream) Exchange(ctx context.Context, code string) (*Issued, error) {
	issuedAt := u.now()

	tok, err := u.conf.Exchange(u.ctx(ctx), code)
	if err != nil {
		return nil, classify(err)
	}

	issued := &Issued{Tokens: tokenSet(tok, issuedAt)}

	if raw, ok := tok.Extra("id_token").(string); ok && raw != "" {
		issued.Subject = subjectFromIDToken(raw)
	}

	return issued, nil
}

// Refresh runs a refresh_token grant. When the provider does not rotate
// the refresh token, the old one is carried over.
func (u *Upstream) Refresh(ctx context.Context, refreshToken string) (models.TokenSet, error) {
	issuedAt := u.now()

	tok, err := u.conf.TokenSource(u.ctx(ctx), &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return models.TokenSet{}, classify(err)
	}

	ts := tokenSet(tok, issuedAt)
	if ts.RefreshToken == "" {
		ts.RefreshToken = refreshToken
	}

	return ts, nil
}

// tokenSet converts a provider token. ExpiresAt comes from the stated
// expires_in, measured from the moment the request was sent.
func tokenSet(tok *oauth2.Token, issuedAt time.Time) models.TokenSet {
	ts := models.TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.Type(),
		IssuedAt:     issuedAt,
	}

	switch {
	case tok.ExpiresIn > 0:
		ts.ExpiresAt = issuedAt.Add(time.Duration(tok.ExpiresIn) * time.Second)
	case !tok.Expiry.IsZero():
		ts.ExpiresAt = tok.Expiry
	}

	return ts
}

// classify maps a token endpoint failure. OAuth error responses that
// reject the grant or client wrap ErrInvalidGrant. Server errors,
// throttling and transport failures are returned as they are.
func classify(err error) error {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return err
	}

	switch re.ErrorCode {
	case "invalid_grant", "invalid_token", "unauthorized_client", "invalid_client":
		return fmt.Errorf("%w: %w", ErrInvalidGrant, err)
	}

	if re.Response != nil {
		switch re.Response.StatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w: %w", ErrInvalidGrant, err)
		}
	}

	return err
}

// subjectFromIDToken reads the sub claim. The token was received
// directly from the token endpoint over TLS, so its signature is not
// checked here.
func subjectFromIDToken(raw string) string {
	claims := jwt.MapClaims{}

	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return ""
	}

	sub, _ := claims.GetSubject()

	return sub
}
