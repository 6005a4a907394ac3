package auth

import (
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/Sage-Bionetworks/synapse-mcp/internal/errors"
	"github.com/Sage-Bionetworks/synapse-mcp/internal/models"
	"github.com/Sage-Bionetworks/synapse-mcp/internal/session"
)

const (
	// codeExpiry is how long a proxy authorization code stays valid.
	codeExpiry = 5 * time.Minute

	// authCodeBytes is the number of random bytes used to generate
	// an authorization code (hex-encoded to twice this length).
	authCodeBytes = 32
)

// resultPage renders the outcome of a login that cannot be redirected
// back to an MCP client.
var resultPage = template.Must(template.New("result").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Synapse MCP</title>
<style>
  body {
    font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, Helvetica, Arial, sans-serif;
    background: #f5f5f5;
    color: #1a1a1a;
    display: flex;
    align-items: center;
    justify-content: center;
    min-height: 100vh;
    margin: 0;
  }
  .card {
    background: #fff;
    border: 1px solid #e0e0e0;
    border-radius: 8px;
    padding: 2rem;
    max-width: 420px;
  }
  h1 { font-size: 1.2rem; margin: 0 0 0.5rem; }
  p { font-size: 0.9rem; color: #444; margin: 0; }
</style>
</head>
<body>
<div class="card">
  <h1>{{.Title}}</h1>
  <p>{{.Message}}</p>
</div>
</body>
</html>`))

type resultData struct {
	Title   string
	Message string
}

func renderResult(w http.ResponseWriter, status int, title, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "frame-ancestors 'none'")
	w.WriteHeader(status)
	_ = resultPage.Execute(w, resultData{Title: title, Message: message})
}

// clientState returns the MCP client's state for echoing back. Some
// upstream stacks turn a missing value into the literal "None"; that is
// never forwarded.
func clientState(b *models.ClientBinding) string {
	s := strings.TrimSpace(b.State)
	if s == "" || s == "None" || s == "null" {
		return ""
	}

	return s
}

// HandleCallback returns the /oauth/callback handler. On success it
// issues a one-time code to the MCP client that started the login. On
// failure it creates no session and either redirects an error to the
// client or renders an error page.
func HandleCallback(flow *Flow, store session.Store, logger *slog.Logger, serverURL string) http.HandlerFunc {
	issuer := strings.TrimRight(serverURL, "/")

	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		q := r.URL.Query()
		state := q.Get("state")

		if providerErr := q.Get("error"); providerErr != "" {
			client, err := flow.Abandon(r.Context(), state)
			if err != nil || client == nil {
				renderResult(w, http.StatusBadRequest, "Sign-in failed", "Synapse reported: "+providerErr)
				return
			}

			logger.Info("login denied by provider", slog.String("error", providerErr))
			redirectWithError(w, r, client.RedirectURI, clientState(client), "access_denied", "Synapse reported: "+providerErr)

			return
		}

		cb, err := flow.HandleCallback(r.Context(), q.Get("code"), state)
		switch {
		case errors.Is(err, apperrors.ErrStateMismatch):
			renderResult(w, http.StatusBadRequest, "Sign-in failed", "This sign-in link is invalid or has expired. Start again from your MCP client.")
			return
		case errors.Is(err, apperrors.ErrTokenExchange):
			renderResult(w, http.StatusBadGateway, "Sign-in failed", "Synapse did not accept the sign-in. Start again from your MCP client.")
			return
		case err != nil:
			logger.Error("callback failed", slog.String("error", err.Error()))
			renderResult(w, http.StatusServiceUnavailable, "Sign-in failed", "The server could not complete sign-in. Try again shortly.")

			return
		}

		if cb.Client == nil {
			renderResult(w, http.StatusOK, "Signed in", "You are signed in to Synapse. You can close this window.")
			return
		}

		grant := &models.Grant{
			Code:          RandomHex(authCodeBytes),
			SessionID:     cb.Session.ID,
			ClientID:      cb.Client.ClientID,
			RedirectURI:   cb.Client.RedirectURI,
			CodeChallenge: cb.Client.CodeChallenge,
			ExpiresAt:     time.Now().Add(codeExpiry),
		}

		if err := store.PutGrant(r.Context(), grant, codeExpiry); err != nil {
			logger.Error("callback: storing grant", slog.String("error", err.Error()))
			redirectWithError(w, r, cb.Client.RedirectURI, clientState(cb.Client), "temporarily_unavailable", "could not complete sign-in")

			return
		}

		params := url.Values{}
		params.Set("code", grant.Code)

		if s := clientState(cb.Client); s != "" {
			params.Set("state", s)
		}

		// RFC 9207: include the issuer identifier to prevent mix-up attacks.
		if issuer != "" {
			params.Set("iss", issuer)
		}

		redirectWithParams(w, r, cb.Client.RedirectURI, params)
	}
}
