package config

import (
	"fmt"
	"log"
	"net"
	"net/url"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/Sage-Bionetworks/synapse-mcp/internal/auth"
	"github.com/Sage-Bionetworks/synapse-mcp/internal/state"
	"github.com/Sage-Bionetworks/synapse-mcp/internal/synapse"
)

// Transports accepted by MCP_TRANSPORT.
const (
	TransportStdio          = "stdio"
	TransportStreamableHTTP = "streamable-http"
)

// Config holds all environment-based configuration for synapse-mcp.
type Config struct {
	// Static Personal Access Token. When set it wins over OAuth2.
	PAT string `env:"SYNAPSE_PAT"`

	// OAuth2 client registered with Synapse (or used to register one).
	OAuthClientID     string `env:"SYNAPSE_OAUTH_CLIENT_ID"`
	OAuthClientSecret string `env:"SYNAPSE_OAUTH_CLIENT_SECRET"`
	OAuthRedirectURI  string `env:"SYNAPSE_OAUTH_REDIRECT_URI"`
	ServerURL         string `env:"MCP_SERVER_URL"`

	// Empty selects the in-memory session store (single instance only).
	RedisURL         string `env:"REDIS_URL"`
	SessionKeyPrefix string `env:"SESSION_KEY_PREFIX" envDefault:"synapse-mcp:"`

	// Synapse deployment and optional per-endpoint overrides.
	SynapseEnv string `env:"SYNAPSE_ENV" envDefault:"prod"`
	AuthURL    string `env:"SYNAPSE_AUTH_URL"`
	TokenURL   string `env:"SYNAPSE_TOKEN_URL"`
	APIURL     string `env:"SYNAPSE_API_URL"`

	// Dynamic registration with Synapse. Empty uses the configured
	// client as-is.
	RegistrationEndpoint string `env:"SYNAPSE_OAUTH_REGISTRATION_ENDPOINT"`
	RegistryPath         string `env:"SYNAPSE_MCP_CLIENT_REGISTRY_PATH"`
	StaticClients        string `env:"SYNAPSE_MCP_STATIC_CLIENTS"`

	// Token lifecycle.
	RefreshSkew     time.Duration `env:"TOKEN_REFRESH_SKEW" envDefault:"60s"`
	SessionGrace    time.Duration `env:"SESSION_GRACE" envDefault:"300s"`
	LoginTimeout    time.Duration `env:"OAUTH_LOGIN_TIMEOUT" envDefault:"10m"`
	RefreshLockWait time.Duration `env:"REFRESH_LOCK_WAIT" envDefault:"5s"`
	CleanupInterval time.Duration `env:"SESSION_CLEANUP_INTERVAL" envDefault:"5m"`

	// MCP transport and HTTP listener.
	Transport string `env:"MCP_TRANSPORT" envDefault:"stdio"`
	Host      string `env:"HOST" envDefault:"127.0.0.1"`
	Port      int    `env:"PORT" envDefault:"9000"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// Mode is resolved from the credential settings by Load.
	Mode auth.Mode
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
// The credential mode is resolved last; a missing credential is an
// *errors.ConfigurationError.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.Transport = strings.ToLower(strings.TrimSpace(cfg.Transport))
	cfg.ServerURL = strings.TrimRight(cfg.ServerURL, "/")

	if cfg.RegistryPath == "" {
		path, err := state.DefaultPath()
		if err != nil {
			return nil, err
		}

		cfg.RegistryPath = path
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	mode, err := auth.ResolveMode(cfg.AuthSettings())
	if err != nil {
		return nil, err
	}

	cfg.Mode = mode

	if mode == auth.ModeOAuth2 {
		if err := cfg.validateOAuth2(); err != nil {
			return nil, fmt.Errorf("validating config: %w", err)
		}
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Transport != TransportStdio && c.Transport != TransportStreamableHTTP {
		return fmt.Errorf("MCP_TRANSPORT must be %q or %q, got %q", TransportStdio, TransportStreamableHTTP, c.Transport)
	}

	if _, err := synapse.EndpointsFor(c.SynapseEnv); err != nil {
		return err
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535, got %d", c.Port)
	}

	durations := []struct {
		name string
		d    time.Duration
	}{
		{"TOKEN_REFRESH_SKEW", c.RefreshSkew},
		{"SESSION_GRACE", c.SessionGrace},
		{"OAUTH_LOGIN_TIMEOUT", c.LoginTimeout},
		{"REFRESH_LOCK_WAIT", c.RefreshLockWait},
		{"SESSION_CLEANUP_INTERVAL", c.CleanupInterval},
	}
	for _, d := range durations {
		if d.d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, d.d)
		}
	}

	if _, err := ParseStaticClients(c.StaticClients); err != nil {
		return err
	}

	if _, err := c.Endpoints(); err != nil {
		return err
	}

	return nil
}

// validateOAuth2 checks settings that only matter once OAuth2 mode is
// selected. The proxy endpoints need an HTTP listener.
func (c *Config) validateOAuth2() error {
	if c.Transport != TransportStreamableHTTP {
		return fmt.Errorf("OAuth2 mode requires MCP_TRANSPORT=%s", TransportStreamableHTTP)
	}

	if err := checkURL("MCP_SERVER_URL", c.ServerURL); err != nil {
		return err
	}

	return checkURL("SYNAPSE_OAUTH_REDIRECT_URI", c.OAuthRedirectURI)
}

func checkURL(name, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s must be an absolute http(s) URL, got %q", name, raw)
	}

	return nil
}

// AuthSettings returns the fields that select the credential mode.
func (c *Config) AuthSettings() auth.Settings {
	return auth.Settings{
		PAT:          c.PAT,
		ClientID:     c.OAuthClientID,
		ClientSecret: c.OAuthClientSecret,
		RedirectURI:  c.OAuthRedirectURI,
		ServerURL:    c.ServerURL,
	}
}

// Endpoints returns the Synapse endpoints for SYNAPSE_ENV with any
// SYNAPSE_AUTH_URL, SYNAPSE_TOKEN_URL or SYNAPSE_API_URL override applied.
func (c *Config) Endpoints() (synapse.Endpoints, error) {
	ep, err := synapse.EndpointsFor(c.SynapseEnv)
	if err != nil {
		return synapse.Endpoints{}, err
	}

	overrides := []struct {
		name string
		val  string
		dst  *string
	}{
		{"SYNAPSE_AUTH_URL", c.AuthURL, &ep.AuthURL},
		{"SYNAPSE_TOKEN_URL", c.TokenURL, &ep.TokenURL},
		{"SYNAPSE_API_URL", c.APIURL, &ep.APIBase},
	}
	for _, o := range overrides {
		if o.val == "" {
			continue
		}

		if err := checkURL(o.name, o.val); err != nil {
			return synapse.Endpoints{}, err
		}

		*o.dst = strings.TrimRight(o.val, "/")
	}

	return ep, nil
}

// ListenAddr returns HOST:PORT for the HTTP listener.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// Warnings lists settings that load fine but are probably not what the
// operator meant.
func (c *Config) Warnings() []string {
	var warnings []string

	if c.Mode == auth.ModePAT && c.AuthSettings().HasOAuth2() {
		warnings = append(warnings, "SYNAPSE_PAT is set, ignoring the OAuth2 settings and serving in PAT mode")
	}

	if c.Mode == auth.ModeOAuth2 && c.IsProduction() && c.RedisURL == "" {
		warnings = append(warnings, "REDIS_URL not set in production, sessions are lost on restart and not shared between replicas")
	}

	return warnings
}
