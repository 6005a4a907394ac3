package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
	"unicode/utf8"

	apperrors "github.com/Sage-Bionetworks/synapse-mcp/internal/errors"
	"github.com/Sage-Bionetworks/synapse-mcp/internal/models"
)

const (
	// httpClientTimeout bounds calls to the provider when no custom
	// client is supplied.
	httpClientTimeout = 30 * time.Second

	// maxProviderResponseBytes caps provider response reads.
	maxProviderResponseBytes = 64 * 1024
)

// RegistrationCache persists the provider registration across restarts.
type RegistrationCache interface {
	Registration(key string) (*models.ClientRegistration, error)
	SaveRegistration(key string, reg models.ClientRegistration) error
	DeleteRegistration(key string) error
}

// RegistrarConfig configures client registration with the provider.
type RegistrarConfig struct {
	// Endpoint is the provider's dynamic registration endpoint. When
	// empty, ClientID and ClientSecret are a pre-registered client.
	Endpoint     string
	ClientName   string
	RedirectURI  string
	ClientID     string
	ClientSecret string
}

// Registrar obtains and caches this server's client registration with
// the provider. One Registrar lives for the whole process.
type Registrar struct {
	cfg        RegistrarConfig
	httpClient *http.Client
	cache      RegistrationCache
	logger     *slog.Logger
	now        func() time.Time

	mu  sync.Mutex
	reg *models.ClientRegistration
}

// NewRegistrar creates a Registrar. cache may be nil.
func NewRegistrar(cfg RegistrarConfig, httpClient *http.Client, cache RegistrationCache, logger *slog.Logger) *Registrar {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: httpClientTimeout}
	}

	return &Registrar{
		cfg:        cfg,
		httpClient: httpClient,
		cache:      cache,
		logger:     logger,
		now:        time.Now,
	}
}

// providerRegistrationRequest is the fixed payload sent to the provider.
type providerRegistrationRequest struct {
	ClientName              string   `json:"client_name"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
}

type providerRegistrationResponse struct {
	ClientID      string   `json:"client_id"`
	ClientSecret  string   `json:"client_secret,omitempty"`
	GrantTypes    []string `json:"grant_types,omitempty"`
	ResponseTypes []string `json:"response_types,omitempty"`
}

// RegisterOrLoad returns the registration, registering with the provider
// only when neither process memory nor the cache holds one. Failures are
// returned as *apperrors.RegistrationError and are not retried.
func (r *Registrar) RegisterOrLoad(ctx context.Context) (*models.ClientRegistration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.reg != nil {
		return r.reg, nil
	}

	if r.cfg.Endpoint == "" {
		r.reg = &models.ClientRegistration{
			ClientID:      r.cfg.ClientID,
			ClientSecret:  r.cfg.ClientSecret,
			RedirectURI:   r.cfg.RedirectURI,
			GrantTypes:    []string{"authorization_code", "refresh_token"},
			ResponseTypes: []string{"code"},
		}

		return r.reg, nil
	}

	key := r.cacheKey()

	if r.cache != nil {
		cached, err := r.cache.Registration(key)
		if err != nil {
			r.logger.Warn("reading registration cache", slog.String("error", err.Error()))
		} else if cached != nil {
			r.logger.Debug("using cached client registration", slog.String("client_id", cached.ClientID))
			r.reg = cached

			return r.reg, nil
		}
	}

	reg, err := r.register(ctx)
	if err != nil {
		return nil, err
	}

	if r.cache != nil {
		if err := r.cache.SaveRegistration(key, *reg); err != nil {
			r.logger.Warn("saving registration cache", slog.String("error", err.Error()))
		}
	}

	r.logger.Info("registered client with provider", slog.String("client_id", reg.ClientID))
	r.reg = reg

	return r.reg, nil
}

// Forget drops the cached registration so the next RegisterOrLoad
// registers again. Used when the provider no longer knows the client.
func (r *Registrar) Forget() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.reg = nil

	if r.cfg.Endpoint == "" || r.cache == nil {
		return nil
	}

	if err := r.cache.DeleteRegistration(r.cacheKey()); err != nil {
		return fmt.Errorf("forgetting registration: %w", err)
	}

	return nil
}

func (r *Registrar) cacheKey() string {
	return r.cfg.Endpoint + " " + r.cfg.RedirectURI
}

func (r *Registrar) register(ctx context.Context) (*models.ClientRegistration, error) {
	payload, err := json.Marshal(providerRegistrationRequest{
		ClientName:              r.cfg.ClientName,
		RedirectURIs:            []string{r.cfg.RedirectURI},
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		TokenEndpointAuthMethod: "none",
	})
	if err != nil {
		return nil, &apperrors.RegistrationError{Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, &apperrors.RegistrationError{Err: fmt.Errorf("creating request: %w", err)}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, &apperrors.RegistrationError{Err: fmt.Errorf("sending request: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProviderResponseBytes))
	if err != nil {
		return nil, &apperrors.RegistrationError{StatusCode: resp.StatusCode, Err: fmt.Errorf("reading response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, &apperrors.RegistrationError{StatusCode: resp.StatusCode, Body: sanitizeResponseBody(body)}
	}

	var out providerRegistrationResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, &apperrors.RegistrationError{StatusCode: resp.StatusCode, Body: sanitizeResponseBody(body), Err: fmt.Errorf("decoding response: %w", err)}
	}

	if out.ClientID == "" {
		return nil, &apperrors.RegistrationError{StatusCode: resp.StatusCode, Body: sanitizeResponseBody(body), Err: fmt.Errorf("response has no client_id")}
	}

	reg := &models.ClientRegistration{
		ClientID:      out.ClientID,
		ClientSecret:  out.ClientSecret,
		RedirectURI:   r.cfg.RedirectURI,
		GrantTypes:    out.GrantTypes,
		ResponseTypes: out.ResponseTypes,
		RegisteredAt:  r.now(),
	}

	if len(reg.GrantTypes) == 0 {
		reg.GrantTypes = []string{"authorization_code", "refresh_token"}
	}

	if len(reg.ResponseTypes) == 0 {
		reg.ResponseTypes = []string{"code"}
	}

	return reg, nil
}

// sanitizeResponseBody truncates a response body for error messages and
// replaces control characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}
