package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	apperrors "github.com/Sage-Bionetworks/synapse-mcp/internal/errors"
	"github.com/Sage-Bionetworks/synapse-mcp/internal/models"
	"github.com/Sage-Bionetworks/synapse-mcp/internal/session"
)

const (
	// refreshTokenExpiry is how long an unused proxy refresh token stays valid.
	refreshTokenExpiry = 30 * 24 * time.Hour

	// refreshTokenPrefix keeps refresh tokens and authorization codes in
	// separate key spaces of the grant store.
	refreshTokenPrefix = "rt:"
)

// SessionRefresher returns a usable Synapse access token for a session,
// refreshing it upstream when needed. *Provider satisfies it.
type SessionRefresher interface {
	Credential(ctx context.Context, sessionID string) (string, error)
}

type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	Code         string `json:"code"`
	RedirectURI  string `json:"redirect_uri"`
	CodeVerifier string `json:"code_verifier"`
	RefreshToken string `json:"refresh_token"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// parseTokenRequest accepts JSON and form-encoded bodies, with client
// credentials optionally in HTTP Basic auth.
func parseTokenRequest(w http.ResponseWriter, r *http.Request) (tokenRequest, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	var req tokenRequest

	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
			return req, false
		}
	} else {
		if err := r.ParseForm(); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid form data")
			return req, false
		}

		req = tokenRequest{
			GrantType:    r.FormValue("grant_type"),
			Code:         r.FormValue("code"),
			RedirectURI:  r.FormValue("redirect_uri"),
			CodeVerifier: r.FormValue("code_verifier"),
			RefreshToken: r.FormValue("refresh_token"),
			ClientID:     r.FormValue("client_id"),
			ClientSecret: r.FormValue("client_secret"),
		}
	}

	if id, secret, ok := r.BasicAuth(); ok {
		if req.ClientID == "" {
			req.ClientID = id
		}

		if req.ClientSecret == "" {
			req.ClientSecret = secret
		}
	}

	return req, true
}

type tokenEndpoint struct {
	store     session.Store
	refresher SessionRefresher
	logger    *slog.Logger
	now       func() time.Time
}

// HandleToken returns the /token handler. It redeems a proxy code or a
// proxy refresh token for a bearer that is the session id; the session's
// Synapse tokens never leave the server. Every response carries a new
// single-use refresh token. A nil now uses time.Now.
func HandleToken(store session.Store, refresher SessionRefresher, logger *slog.Logger, now func() time.Time) http.HandlerFunc {
	if now == nil {
		now = time.Now
	}

	e := &tokenEndpoint{store: store, refresher: refresher, logger: logger, now: now}

	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		req, ok := parseTokenRequest(w, r)
		if !ok {
			return
		}

		switch req.GrantType {
		case "authorization_code":
			e.redeemCode(w, r, req)
		case "refresh_token":
			e.redeemRefresh(w, r, req)
		default:
			writeJSONError(w, http.StatusBadRequest, "unsupported_grant_type", "grant_type must be authorization_code or refresh_token")
		}
	}
}

// takeGrant consumes a grant and checks the caller is the client it was
// issued to. It writes the error response and returns nil on failure.
func (e *tokenEndpoint) takeGrant(w http.ResponseWriter, r *http.Request, key string, req tokenRequest, refresh bool) *models.Grant {
	grant, err := e.store.TakeGrant(r.Context(), key)
	if errors.Is(err, session.ErrNotFound) || (err == nil && grant.Refresh != refresh) {
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "invalid or expired grant")
		return nil
	}

	if err != nil {
		e.logger.Error("token: loading grant", slog.String("error", err.Error()))
		writeJSONError(w, http.StatusServiceUnavailable, "temporarily_unavailable", "session storage unavailable")

		return nil
	}

	if req.ClientID != grant.ClientID {
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "client_id mismatch")
		return nil
	}

	if !authenticateClient(r, e.store, grant.ClientID, req.ClientSecret) {
		e.logger.Warn("token: client authentication failed", slog.String("client_id", grant.ClientID))
		writeJSONError(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")

		return nil
	}

	return grant
}

func (e *tokenEndpoint) redeemCode(w http.ResponseWriter, r *http.Request, req tokenRequest) {
	if req.Code == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "code is required")
		return
	}

	grant := e.takeGrant(w, r, req.Code, req, false)
	if grant == nil {
		return
	}

	if grant.RedirectURI != "" && req.RedirectURI != grant.RedirectURI {
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "redirect_uri mismatch")
		return
	}

	if req.CodeVerifier == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "code_verifier is required")
		return
	}

	if !verifyPKCE(req.CodeVerifier, grant.CodeChallenge) {
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "PKCE verification failed")
		return
	}

	e.issue(w, r, grant)
}

// redeemRefresh rotates a proxy refresh token. The upstream Synapse token
// is refreshed first when it is due, so expires_in reflects the new one.
func (e *tokenEndpoint) redeemRefresh(w http.ResponseWriter, r *http.Request, req tokenRequest) {
	if req.RefreshToken == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "refresh_token is required")
		return
	}

	grant := e.takeGrant(w, r, refreshTokenPrefix+req.RefreshToken, req, true)
	if grant == nil {
		return
	}

	if e.refresher != nil {
		_, err := e.refresher.Credential(r.Context(), grant.SessionID)

		switch {
		case errors.Is(err, apperrors.ErrUnauthenticated), errors.Is(err, apperrors.ErrReauthenticationRequired):
			writeJSONError(w, http.StatusBadRequest, "invalid_grant", "session expired, log in again")
			return
		case err != nil:
			e.logger.Warn("token: refreshing session",
				slog.String("session", redactID(grant.SessionID)),
				slog.String("error", err.Error()),
			)
			e.restore(r.Context(), grant)
			writeJSONError(w, http.StatusServiceUnavailable, "temporarily_unavailable", "could not refresh the session, try again")

			return
		}
	}

	e.issue(w, r, grant)
}

// restore puts back a refresh token whose redemption failed for a
// transient reason, so the client can retry with it.
func (e *tokenEndpoint) restore(ctx context.Context, grant *models.Grant) {
	ttl := grant.ExpiresAt.Sub(e.now())
	if ttl <= 0 {
		return
	}

	if err := e.store.PutGrant(ctx, grant, ttl); err != nil {
		e.logger.Warn("token: restoring refresh token", slog.String("error", err.Error()))
	}
}

// issue writes the bearer for the grant's session with a new refresh token.
func (e *tokenEndpoint) issue(w http.ResponseWriter, r *http.Request, grant *models.Grant) {
	sess, err := e.store.Get(r.Context(), grant.SessionID)
	if errors.Is(err, session.ErrNotFound) {
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "session expired")
		return
	}

	if err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, "temporarily_unavailable", "session storage unavailable")
		return
	}

	token := RandomHex(authCodeBytes)
	next := &models.Grant{
		Code:      refreshTokenPrefix + token,
		SessionID: sess.ID,
		ClientID:  grant.ClientID,
		Refresh:   true,
		ExpiresAt: e.now().Add(refreshTokenExpiry),
	}

	if err := e.store.PutGrant(r.Context(), next, refreshTokenExpiry); err != nil {
		e.logger.Error("token: storing refresh token", slog.String("error", err.Error()))
		writeJSONError(w, http.StatusServiceUnavailable, "temporarily_unavailable", "session storage unavailable")

		return
	}

	resp := tokenResponse{
		AccessToken:  sess.ID,
		TokenType:    "Bearer",
		RefreshToken: token,
		Scope:        strings.Join(DefaultScopes, " "),
	}

	if !sess.Tokens.ExpiresAt.IsZero() {
		resp.ExpiresIn = max(int(sess.Tokens.ExpiresAt.Sub(e.now()).Seconds()), 0)
	}

	e.logger.Info("token issued",
		slog.String("client_id", grant.ClientID),
		slog.String("session", redactID(sess.ID)),
		slog.Bool("refresh", grant.Refresh),
	)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(resp)
}

// authenticateClient checks the secret of a confidential client. Public
// clients (no stored hash) pass without one.
func authenticateClient(r *http.Request, store session.Store, clientID, secret string) bool {
	client, err := store.GetClient(r.Context(), clientID)
	if err != nil {
		return false
	}

	return checkClientSecret(client, secret)
}

func checkClientSecret(client *models.OAuthClient, secret string) bool {
	if client.SecretHash == "" {
		return true
	}

	return bcrypt.CompareHashAndPassword([]byte(client.SecretHash), []byte(secret)) == nil
}

// verifyPKCE checks that SHA256(verifier) matches the challenge (S256 method).
func verifyPKCE(verifier, challenge string) bool {
	h := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(h[:])

	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

// HandleLogout returns the /logout handler. It deletes the session named
// by the bearer token. Unknown sessions are not an error.
func HandleLogout(store session.Store, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		token, ok := bearerToken(r)
		if !ok {
			r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
			if err := r.ParseForm(); err == nil {
				token = r.FormValue("token")
			}
		}

		if token == "" {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "token is required")
			return
		}

		if err := store.Delete(r.Context(), token); err != nil {
			logger.Error("logout: deleting session", slog.String("error", err.Error()))
			writeJSONError(w, http.StatusServiceUnavailable, "temporarily_unavailable", "session storage unavailable")

			return
		}

		logger.Info("session logged out", slog.String("session", redactID(token)))
		w.WriteHeader(http.StatusOK)
	}
}
