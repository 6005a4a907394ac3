package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/Sage-Bionetworks/synapse-mcp/internal/models"
	"github.com/Sage-Bionetworks/synapse-mcp/internal/session"
)

// resourceMatches compares a client-supplied resource URI against the
// server's canonical URL or its MCP endpoint. Trailing slashes are
// stripped before comparison.
func resourceMatches(resource, serverURL string) bool {
	r := strings.TrimRight(resource, "/")
	s := strings.TrimRight(serverURL, "/")

	return r == s || r == s+"/mcp"
}

// redirectWithParams appends params to redirectURI, keeping any query
// it already has (RFC 6749 Section 4.1.2).
func redirectWithParams(w http.ResponseWriter, r *http.Request, redirectURI string, params url.Values) {
	sep := "?"
	if strings.Contains(redirectURI, "?") {
		sep = "&"
	}

	http.Redirect(w, r, redirectURI+sep+params.Encode(), http.StatusFound)
}

// redirectWithError redirects the user-agent back to the client with an
// error response per RFC 6749 Section 4.1.2.1. This must only be called
// after the redirect_uri and client_id have been validated.
func redirectWithError(w http.ResponseWriter, r *http.Request, redirectURI, state, errCode, description string) {
	params := url.Values{}
	params.Set("error", errCode)
	params.Set("error_description", description)

	if state != "" {
		params.Set("state", state)
	}

	redirectWithParams(w, r, redirectURI, params)
}

// validateRedirectURI checks that redirectURI matches one of the client's
// registered redirect_uris. Exact match is required for HTTPS URIs.
// Loopback URIs registered without a port accept any port (RFC 8252
// Section 7.3). A client with no registered URIs may only use loopback.
func validateRedirectURI(client *models.OAuthClient, redirectURI string) bool {
	if len(client.RedirectURIs) == 0 {
		u, err := url.Parse(redirectURI)
		if err != nil {
			return false
		}

		return u.Scheme == "http" && isLoopbackHost(u.Hostname())
	}

	for _, registered := range client.RedirectURIs {
		if redirectURI == registered {
			return true
		}

		if isLoopbackRedirect(redirectURI, registered) {
			return true
		}
	}

	return false
}

// isLoopbackHost returns true if the hostname is a loopback address.
func isLoopbackHost(host string) bool {
	return host == "127.0.0.1" || host == "localhost" || host == "::1"
}

// isLoopbackRedirect reports whether redirectURI differs from a
// registered loopback URI only by port. Hostnames are compared after
// parsing to prevent DNS confusion (e.g. 127.0.0.1.evil.com).
func isLoopbackRedirect(redirectURI, registered string) bool {
	ru, err := url.Parse(redirectURI)
	if err != nil {
		return false
	}

	pu, err := url.Parse(registered)
	if err != nil {
		return false
	}

	if pu.Scheme != "http" || !isLoopbackHost(pu.Hostname()) {
		return false
	}

	if ru.Scheme != pu.Scheme || ru.Hostname() != pu.Hostname() {
		return false
	}

	// A registered URI with a path must match it.
	return pu.Path == "" || pu.Path == "/" || ru.Path == pu.Path
}

// HandleAuthorize returns the /authorize handler. It validates the MCP
// client's request, starts an upstream login bound to it and redirects
// the browser to Synapse.
func HandleAuthorize(flow *Flow, store session.Store, logger *slog.Logger, serverURL string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		q := r.URL.Query()

		clientID := q.Get("client_id")
		if clientID == "" {
			http.Error(w, "missing client_id", http.StatusBadRequest)
			return
		}

		client, err := store.GetClient(r.Context(), clientID)
		if errors.Is(err, session.ErrNotFound) {
			http.Error(w, "unknown client_id", http.StatusBadRequest)
			return
		}

		if err != nil {
			logger.Error("authorize: loading client", slog.String("error", err.Error()))
			http.Error(w, "client storage unavailable", http.StatusServiceUnavailable)

			return
		}

		redirectURI := q.Get("redirect_uri")
		if redirectURI == "" {
			// RFC 6749 Section 3.1.2.3: when only one redirect URI is
			// registered, use it. Otherwise require an explicit value.
			if len(client.RedirectURIs) != 1 {
				http.Error(w, "redirect_uri is required when multiple URIs are registered", http.StatusBadRequest)
				return
			}

			redirectURI = client.RedirectURIs[0]
		} else if !validateRedirectURI(client, redirectURI) {
			http.Error(w, "redirect_uri not registered for this client", http.StatusBadRequest)
			return
		}

		// Errors after redirect_uri validation go back to the client as
		// query params (RFC 6749 Section 4.1.2.1).
		state := q.Get("state")

		if responseType := q.Get("response_type"); responseType != "code" {
			errCode := "unsupported_response_type"
			if responseType == "" {
				errCode = "invalid_request"
			}

			redirectWithError(w, r, redirectURI, state, errCode, `response_type must be "code"`)

			return
		}

		codeChallenge := q.Get("code_challenge")
		if codeChallenge == "" {
			redirectWithError(w, r, redirectURI, state, "invalid_request", "code_challenge is required (PKCE)")
			return
		}

		if m := q.Get("code_challenge_method"); m != "" && m != "S256" {
			redirectWithError(w, r, redirectURI, state, "invalid_request", "only S256 code_challenge_method is supported")
			return
		}

		// RFC 8707: clients should send resource; tolerate its absence.
		if resource := q.Get("resource"); resource != "" && !resourceMatches(resource, serverURL) {
			redirectWithError(w, r, redirectURI, state, "invalid_target", "resource parameter does not match this server")
			return
		}

		login, err := flow.StartLogin(r.Context(), &models.ClientBinding{
			ClientID:      clientID,
			RedirectURI:   redirectURI,
			State:         state,
			CodeChallenge: codeChallenge,
		})
		if err != nil {
			logger.Error("authorize: starting login", slog.String("error", err.Error()))
			redirectWithError(w, r, redirectURI, state, "temporarily_unavailable", "could not start login")

			return
		}

		logger.Debug("authorize: redirecting to provider",
			slog.String("client_id", clientID),
			slog.String("ip", remoteIP(r)),
		)

		http.Redirect(w, r, login.URL, http.StatusFound)
	}
}
