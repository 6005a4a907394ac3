package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/Sage-Bionetworks/synapse-mcp/internal/auth"
	"github.com/Sage-Bionetworks/synapse-mcp/internal/session"
)

// healthPingTimeout bounds the session store ping on /health.
const healthPingTimeout = 2 * time.Second

// Health is the /health response body.
type Health struct {
	Status            string `json:"status"`
	Version           string `json:"version"`
	Mode              string `json:"mode"`
	IsOAuthConfigured bool   `json:"is_oauth_configured"`
	Store             string `json:"store,omitempty"`
}

// HandleHealth reports liveness. In OAuth2 mode it also pings the
// session store and answers 503 when the store is unreachable.
func HandleHealth(mode auth.Mode, store session.Store, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		h := Health{
			Status:            "ok",
			Version:           version,
			Mode:              mode.String(),
			IsOAuthConfigured: mode == auth.ModeOAuth2,
		}

		status := http.StatusOK

		if mode == auth.ModeOAuth2 && store != nil {
			ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
			defer cancel()

			h.Store = "ok"
			if err := store.Ping(ctx); err != nil {
				h.Status = "degraded"
				h.Store = "unavailable"
				status = http.StatusServiceUnavailable
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(h)
	}
}
