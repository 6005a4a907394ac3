package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Sage-Bionetworks/synapse-mcp/internal/errors"
	"github.com/Sage-Bionetworks/synapse-mcp/internal/models"
)

// mapCache is an in-memory RegistrationCache.
type mapCache struct {
	mu   sync.Mutex
	regs map[string]models.ClientRegistration
}

func newMapCache() *mapCache {
	return &mapCache{regs: make(map[string]models.ClientRegistration)}
}

func (c *mapCache) Registration(key string) (*models.ClientRegistration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	reg, ok := c.regs[key]
	if !ok {
		return nil, nil
	}

	return &reg, nil
}

func (c *mapCache) SaveRegistration(key string, reg models.ClientRegistration) error {
	c.mu.Lock()
	c.regs[key] = reg
	c.mu.Unlock()
	return nil
}

func (c *mapCache) DeleteRegistration(key string) error {
	c.mu.Lock()
	delete(c.regs, key)
	c.mu.Unlock()
	return nil
}

func dcrConfig(endpoint string) RegistrarConfig {
	return RegistrarConfig{
		Endpoint:    endpoint,
		ClientName:  "Synapse MCP",
		RedirectURI: testServerURL + "/oauth/callback",
	}
}

func TestRegistrar_RegistersWithFixedPayload(t *testing.T) {
	var got providerRegistrationRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeTokenJSON(w, http.StatusCreated, map[string]string{"client_id": "dcr-client"})
	}))
	defer srv.Close()

	r := NewRegistrar(dcrConfig(srv.URL), nil, nil, testLogger())

	reg, err := r.RegisterOrLoad(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "dcr-client", reg.ClientID)
	assert.Empty(t, reg.ClientSecret)
	assert.Equal(t, testServerURL+"/oauth/callback", reg.RedirectURI)
	assert.False(t, reg.RegisteredAt.IsZero())

	assert.Equal(t, "Synapse MCP", got.ClientName)
	assert.Equal(t, []string{testServerURL + "/oauth/callback"}, got.RedirectURIs)
	assert.Equal(t, []string{"authorization_code", "refresh_token"}, got.GrantTypes)
	assert.Equal(t, []string{"code"}, got.ResponseTypes)
	assert.Equal(t, "none", got.TokenEndpointAuthMethod)
}

func TestRegistrar_IsIdempotent(t *testing.T) {
	var hits atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeTokenJSON(w, http.StatusCreated, map[string]string{"client_id": "dcr-client"})
	}))
	defer srv.Close()

	r := NewRegistrar(dcrConfig(srv.URL), nil, nil, testLogger())

	first, err := r.RegisterOrLoad(context.Background())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			again, err := r.RegisterOrLoad(context.Background())
			assert.NoError(t, err)
			assert.Same(t, first, again)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), hits.Load())
}

func TestRegistrar_ProviderRejects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"reason":"registration disabled"}`))
	}))
	defer srv.Close()

	r := NewRegistrar(dcrConfig(srv.URL), nil, nil, testLogger())

	_, err := r.RegisterOrLoad(context.Background())

	var regErr *apperrors.RegistrationError
	require.True(t, errors.As(err, &regErr))
	assert.Equal(t, http.StatusForbidden, regErr.StatusCode)
	assert.Contains(t, regErr.Body, "registration disabled")
	assert.Equal(t, "registration", apperrors.Kind(err))
}

func TestRegistrar_NetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	r := NewRegistrar(dcrConfig(url), nil, nil, testLogger())

	_, err := r.RegisterOrLoad(context.Background())

	var regErr *apperrors.RegistrationError
	require.True(t, errors.As(err, &regErr))
	assert.Zero(t, regErr.StatusCode)
	assert.Error(t, regErr.Err)
}

func TestRegistrar_MissingClientID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeTokenJSON(w, http.StatusCreated, map[string]string{})
	}))
	defer srv.Close()

	r := NewRegistrar(dcrConfig(srv.URL), nil, nil, testLogger())

	_, err := r.RegisterOrLoad(context.Background())

	var regErr *apperrors.RegistrationError
	assert.True(t, errors.As(err, &regErr))
}

func TestRegistrar_FailureIsNotCached(t *testing.T) {
	var hits atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		writeTokenJSON(w, http.StatusCreated, map[string]string{"client_id": "dcr-client"})
	}))
	defer srv.Close()

	r := NewRegistrar(dcrConfig(srv.URL), nil, nil, testLogger())

	_, err := r.RegisterOrLoad(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(1), hits.Load(), "no automatic retry")

	reg, err := r.RegisterOrLoad(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "dcr-client", reg.ClientID)
}

func TestRegistrar_StaticClientSkipsProvider(t *testing.T) {
	r := NewRegistrar(RegistrarConfig{
		ClientID:     "configured",
		ClientSecret: "configured-secret",
		RedirectURI:  testServerURL + "/oauth/callback",
	}, nil, nil, testLogger())

	reg, err := r.RegisterOrLoad(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "configured", reg.ClientID)
	assert.Equal(t, "configured-secret", reg.ClientSecret)
	assert.Contains(t, reg.GrantTypes, "refresh_token")
}

func TestRegistrar_UsesCacheAcrossRestarts(t *testing.T) {
	fs := newFakeSynapse(t)
	cache := newMapCache()
	endpoint := fs.URL + "/auth/v1/oauth2/client"

	first := NewRegistrar(dcrConfig(endpoint), nil, cache, testLogger())
	reg, err := first.RegisterOrLoad(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "dcr-client", reg.ClientID)

	second := NewRegistrar(dcrConfig(endpoint), nil, cache, testLogger())
	reg, err = second.RegisterOrLoad(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "dcr-client", reg.ClientID)

	fs.mu.Lock()
	defer fs.mu.Unlock()
	assert.Equal(t, 1, fs.registrations)
}

func TestSanitizeResponseBody(t *testing.T) {
	assert.Equal(t, "a?b", sanitizeResponseBody([]byte("a\x01b")))
	assert.Len(t, sanitizeResponseBody(make([]byte, 1000)), 256)
}

func TestRegistrar_ForgetRegistersAgain(t *testing.T) {
	var hits atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := hits.Add(1)
		writeTokenJSON(w, http.StatusCreated, map[string]string{"client_id": fmt.Sprintf("dcr-client-%d", n)})
	}))
	defer srv.Close()

	cache := newMapCache()
	r := NewRegistrar(dcrConfig(srv.URL), nil, cache, testLogger())

	first, err := r.RegisterOrLoad(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "dcr-client-1", first.ClientID)

	require.NoError(t, r.Forget())
	assert.Empty(t, cache.regs)

	// A fresh process sees the emptied cache too.
	second, err := NewRegistrar(dcrConfig(srv.URL), nil, cache, testLogger()).RegisterOrLoad(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "dcr-client-2", second.ClientID)

	// The original registrar reloads the new registration from the cache.
	third, err := r.RegisterOrLoad(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "dcr-client-2", third.ClientID)
	assert.Equal(t, int32(2), hits.Load())
}

func TestRegistrar_ForgetStaticClient(t *testing.T) {
	cache := newMapCache()
	r := NewRegistrar(RegistrarConfig{ClientID: "static", RedirectURI: testServerURL + "/oauth/callback"}, nil, cache, testLogger())

	_, err := r.RegisterOrLoad(context.Background())
	require.NoError(t, err)

	require.NoError(t, r.Forget())

	reg, err := r.RegisterOrLoad(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "static", reg.ClientID)
}
