package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sage-Bionetworks/synapse-mcp/internal/auth"
	"github.com/Sage-Bionetworks/synapse-mcp/internal/config"
	"github.com/Sage-Bionetworks/synapse-mcp/internal/state"
)

func TestLogConfigWarnings_PATOverridesOAuth2(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	cfg := &config.Config{
		Mode:              auth.ModePAT,
		PAT:               "pat-token",
		OAuthClientID:     "100234",
		OAuthClientSecret: "upstream-secret",
		OAuthRedirectURI:  "https://mcp.example.org/oauth/callback",
		ServerURL:         "https://mcp.example.org",
	}

	logConfigWarnings(cfg, logger)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "WARN", line["level"])
	assert.Contains(t, line["msg"], "ignoring the OAuth2 settings")
}

func TestLogConfigWarnings_QuietForPlainPAT(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	logConfigWarnings(&config.Config{Mode: auth.ModePAT, PAT: "pat-token"}, logger)

	assert.Empty(t, buf.String())
}

func TestCallbackPath(t *testing.T) {
	tests := map[string]string{
		"https://mcp.example.org/oauth/callback": "/oauth/callback",
		"https://mcp.example.org/auth/done":      "/auth/done",
		"https://mcp.example.org":                "/oauth/callback",
		"https://mcp.example.org/":               "/oauth/callback",
	}

	for in, want := range tests {
		assert.Equal(t, want, callbackPath(in), in)
	}
}

func TestForgetRegistration_ClearsRegistry(t *testing.T) {
	var hits atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"client_id":"dcr-client"}`))
	}))
	defer srv.Close()

	registry, err := state.LoadAt(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { registry.Close() })

	cfg := &config.Config{
		RegistrationEndpoint: srv.URL,
		OAuthRedirectURI:     "https://mcp.example.org/oauth/callback",
	}
	logger := slog.New(slog.DiscardHandler)
	ctx := context.Background()

	_, err = auth.NewRegistrar(registrarConfig(cfg), nil, registry, logger).RegisterOrLoad(ctx)
	require.NoError(t, err)

	_, err = auth.NewRegistrar(registrarConfig(cfg), nil, registry, logger).RegisterOrLoad(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load(), "second start reuses the cached registration")

	require.NoError(t, auth.NewRegistrar(registrarConfig(cfg), nil, registry, logger).Forget())

	_, err = auth.NewRegistrar(registrarConfig(cfg), nil, registry, logger).RegisterOrLoad(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load(), "registers again after the reset")
}
