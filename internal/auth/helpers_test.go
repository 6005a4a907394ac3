package auth

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Sage-Bionetworks/synapse-mcp/internal/session"
)

const testServerURL = "https://mcp.example.org"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func pkceChallenge(verifier string) string {
	h := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(h[:])
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testMemoryStore(t *testing.T, clock *fakeClock) *session.MemoryStore {
	t.Helper()
	s := session.NewMemoryStore(session.WithClock(clock.Now))
	t.Cleanup(s.Stop)
	return s
}

// fakeSynapse is an httptest stand-in for the Synapse OAuth2 token and
// registration endpoints. Any code starting with "abc" is valid once. Each refresh of
// refresh-N issues access-(N+1) and refresh-(N+1). Refresh token
// "revoked" is rejected with invalid_grant, and "unavailable" with 503.
type fakeSynapse struct {
	*httptest.Server

	mu            sync.Mutex
	usedCodes     map[string]bool
	refreshes     int
	registrations int
	lastForm      map[string][]string
}

func newFakeSynapse(t *testing.T) *fakeSynapse {
	t.Helper()
	fs := &fakeSynapse{usedCodes: make(map[string]bool)}

	mux := http.NewServeMux()
	mux.HandleFunc("/auth/v1/oauth2/token", fs.handleToken)
	mux.HandleFunc("/auth/v1/oauth2/client", fs.handleRegister)

	fs.Server = httptest.NewServer(mux)
	t.Cleanup(fs.Close)

	return fs
}

func (fs *fakeSynapse) upstreamConfig() UpstreamConfig {
	return UpstreamConfig{
		AuthURL:      fs.URL + "/authorize",
		TokenURL:     fs.URL + "/auth/v1/oauth2/token",
		ClientID:     "synapse-client",
		ClientSecret: "synapse-secret",
		RedirectURI:  testServerURL + "/oauth/callback",
	}
}

func (fs *fakeSynapse) refreshCount() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.refreshes
}

func idToken(sub string) string {
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": sub}).SignedString([]byte("test-key"))
	if err != nil {
		panic(err)
	}
	return s
}

func writeTokenJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (fs *fakeSynapse) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.lastForm = r.PostForm

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		code := r.PostForm.Get("code")
		if !strings.HasPrefix(code, "abc") || fs.usedCodes[code] {
			writeTokenJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
			return
		}

		fs.usedCodes[code] = true
		writeTokenJSON(w, http.StatusOK, map[string]any{
			"access_token":  "access-1",
			"refresh_token": "refresh-1",
			"token_type":    "Bearer",
			"expires_in":    3600,
			"id_token":      idToken("3350396"),
		})

	case "refresh_token":
		rt := r.PostForm.Get("refresh_token")
		switch rt {
		case "revoked":
			writeTokenJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
			return
		case "unavailable":
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("maintenance"))
			return
		}

		var n int
		if _, err := fmt.Sscanf(rt, "refresh-%d", &n); err != nil {
			writeTokenJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
			return
		}

		fs.refreshes++
		writeTokenJSON(w, http.StatusOK, map[string]any{
			"access_token":  fmt.Sprintf("access-%d", n+1),
			"refresh_token": fmt.Sprintf("refresh-%d", n+1),
			"token_type":    "Bearer",
			"expires_in":    3600,
		})

	default:
		writeTokenJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
	}
}

func (fs *fakeSynapse) handleRegister(w http.ResponseWriter, r *http.Request) {
	fs.mu.Lock()
	fs.registrations++
	fs.mu.Unlock()

	var req providerRegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.RedirectURIs) == 0 {
		writeTokenJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_client_metadata"})
		return
	}

	writeTokenJSON(w, http.StatusCreated, map[string]any{
		"client_id":      "dcr-client",
		"grant_types":    req.GrantTypes,
		"response_types": req.ResponseTypes,
	})
}
