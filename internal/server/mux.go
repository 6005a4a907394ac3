// Package server provides HTTP server construction for synapse-mcp.
package server

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Sage-Bionetworks/synapse-mcp/internal/auth"
	"github.com/Sage-Bionetworks/synapse-mcp/internal/session"
)

// DefaultCallbackPath is where Synapse redirects the browser after login
// when SYNAPSE_OAUTH_REDIRECT_URI has no path of its own.
const DefaultCallbackPath = "/oauth/callback"

// MuxConfig holds dependencies for building the HTTP mux. Store, Flow
// and Refresher are only used in OAuth2 mode.
type MuxConfig struct {
	Mode         auth.Mode
	Store        session.Store
	Flow         *auth.Flow
	Refresher    auth.SessionRefresher
	MCPHandler   http.Handler
	Logger       *slog.Logger
	ServerURL    string
	CallbackPath string
	Version      string
	Now          func() time.Time
}

// NewMCPHandler serves one MCP server over streamable HTTP.
func NewMCPHandler(server *mcp.Server) http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return server
	}, nil)
}

// NewMux builds the HTTP mux. In OAuth2 mode it serves OAuth discovery,
// registration, authorization, callback, token and logout endpoints,
// and the MCP endpoint is protected by Bearer token middleware. In PAT
// mode only /mcp and /health are served.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", HandleHealth(cfg.Mode, cfg.Store, cfg.Version))

	if cfg.Mode != auth.ModeOAuth2 {
		mux.Handle("/mcp", cfg.MCPHandler)
		return mux
	}

	base := strings.TrimRight(cfg.ServerURL, "/")
	resource := HandleResourceMetadata(base)

	callbackPath := cfg.CallbackPath
	if callbackPath == "" || callbackPath == "/" {
		callbackPath = DefaultCallbackPath
	}

	mux.HandleFunc("/.well-known/oauth-protected-resource", resource)
	mux.HandleFunc("/.well-known/oauth-protected-resource/mcp", resource)
	mux.HandleFunc("/.well-known/oauth-authorization-server", auth.HandleServerMetadata(base))
	mux.HandleFunc("/.well-known/oauth-authorization-server/mcp", auth.HandleServerMetadata(base))
	mux.HandleFunc("/register", auth.HandleRegistration(cfg.Store, cfg.Logger))
	mux.HandleFunc("/authorize", auth.HandleAuthorize(cfg.Flow, cfg.Store, cfg.Logger, base))
	mux.HandleFunc(callbackPath, auth.HandleCallback(cfg.Flow, cfg.Store, cfg.Logger, base))
	mux.HandleFunc("/token", auth.HandleToken(cfg.Store, cfg.Refresher, cfg.Logger, cfg.Now))
	mux.HandleFunc("/logout", auth.HandleLogout(cfg.Store, cfg.Logger))

	authMiddleware := auth.Middleware(cfg.Store, cfg.Logger, base)
	mux.Handle("/mcp", authMiddleware(logRequests(cfg.Logger, cfg.MCPHandler)))

	return mux
}

// HandleResourceMetadata describes the /mcp endpoint as the protected
// resource, whichever well-known path the client asked on.
func HandleResourceMetadata(serverURL string) http.HandlerFunc {
	return auth.HandleProtectedResourceMetadata(serverURL, serverURL+"/mcp")
}

// NewHTTPServer wraps a handler with the listener timeouts used in
// production.
func NewHTTPServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Streamable HTTP holds GET streams open; no write deadline.
		IdleTimeout: 120 * time.Second,
	}
}
