package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"github.com/Sage-Bionetworks/synapse-mcp/internal/models"
	"github.com/Sage-Bionetworks/synapse-mcp/internal/session"
)

const (
	// maxRequestBody caps form and JSON bodies on the OAuth endpoints.
	maxRequestBody = 64 * 1024

	// clientIDBytes and clientSecretBytes size generated client credentials.
	clientIDBytes     = 16
	clientSecretBytes = 32

	// registrationsPerMinute limits unauthenticated /register calls per client IP.
	registrationsPerMinute = 10
)

// registrationRequest is the DCR POST body (RFC 7591).
type registrationRequest struct {
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
}

// registrationResponse is the DCR response.
type registrationResponse struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret,omitempty"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at"`
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
}

// NormalizeGrantTypes defaults an empty list to authorization_code and
// adds refresh_token whenever authorization_code is requested. Some MCP
// clients omit refresh_token and then fail to reconnect.
func NormalizeGrantTypes(grantTypes []string) []string {
	if len(grantTypes) == 0 {
		return []string{"authorization_code", "refresh_token"}
	}

	out := slices.Clone(grantTypes)
	if slices.Contains(out, "authorization_code") && !slices.Contains(out, "refresh_token") {
		out = append(out, "refresh_token")
	}

	return out
}

// HandleRegistration returns the /register handler. Registered clients
// are kept in the session store so every server instance sees them.
func HandleRegistration(store session.Store, logger *slog.Logger) http.HandlerFunc {
	limiter := newIPLimiter(rate.Every(time.Minute/registrationsPerMinute), registrationsPerMinute)

	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		ip := remoteIP(r)
		if !limiter.allow(ip, time.Now()) {
			logger.Warn("registration rate limited", slog.String("ip", ip))
			writeJSONError(w, http.StatusTooManyRequests, "slow_down", "too many registrations, try again later")

			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

		var req registrationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_client_metadata", "invalid request body")
			return
		}

		if len(req.RedirectURIs) == 0 {
			writeJSONError(w, http.StatusBadRequest, "invalid_client_metadata", "redirect_uris is required")
			return
		}

		for _, uri := range req.RedirectURIs {
			if !allowedRedirectURI(uri) {
				writeJSONError(w, http.StatusBadRequest, "invalid_redirect_uri", "redirect_uris must use https or http on a loopback host")
				return
			}
		}

		responseTypes := req.ResponseTypes
		if len(responseTypes) == 0 {
			responseTypes = []string{"code"}
		}

		authMethod := req.TokenEndpointAuthMethod
		if authMethod == "" {
			authMethod = "none"
		}

		switch authMethod {
		case "none", "client_secret_post", "client_secret_basic":
		default:
			writeJSONError(w, http.StatusBadRequest, "invalid_client_metadata", "unsupported token_endpoint_auth_method")
			return
		}

		client := &models.OAuthClient{
			ClientID:     RandomHex(clientIDBytes),
			ClientName:   req.ClientName,
			RedirectURIs: req.RedirectURIs,
			GrantTypes:   NormalizeGrantTypes(req.GrantTypes),
		}

		var secret string

		if authMethod != "none" {
			secret = RandomHex(clientSecretBytes)

			hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
			if err != nil {
				writeJSONError(w, http.StatusInternalServerError, "server_error", "could not create client secret")
				return
			}

			client.SecretHash = string(hash)
		}

		if err := store.PutClient(r.Context(), client, 0); err != nil {
			logger.Error("storing registered client", slog.String("error", err.Error()))
			writeJSONError(w, http.StatusServiceUnavailable, "temporarily_unavailable", "client storage unavailable")

			return
		}

		logger.Info("client registered",
			slog.String("client_id", client.ClientID),
			slog.String("client_name", client.ClientName),
		)

		resp := registrationResponse{
			ClientID:                client.ClientID,
			ClientSecret:            secret,
			ClientIDIssuedAt:        time.Now().Unix(),
			ClientName:              client.ClientName,
			RedirectURIs:            client.RedirectURIs,
			GrantTypes:              client.GrantTypes,
			ResponseTypes:           responseTypes,
			TokenEndpointAuthMethod: authMethod,
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(resp)
	}
}

// allowedRedirectURI accepts https URIs, http loopback URIs and
// private-use schemes of native apps (RFC 8252 Section 7.1).
func allowedRedirectURI(uri string) bool {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme == "" || u.Fragment != "" {
		return false
	}

	switch u.Scheme {
	case "https":
		return u.Host != ""
	case "http":
		return isLoopbackHost(u.Hostname())
	case "javascript", "data", "file":
		return false
	default:
		return strings.Contains(u.Scheme, ".")
	}
}

func writeJSONError(w http.ResponseWriter, status int, errCode, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             errCode,
		"error_description": description,
	})
}
