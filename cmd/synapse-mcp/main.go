package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"

	"github.com/Sage-Bionetworks/synapse-mcp/internal/auth"
	"github.com/Sage-Bionetworks/synapse-mcp/internal/config"
	"github.com/Sage-Bionetworks/synapse-mcp/internal/logging"
	"github.com/Sage-Bionetworks/synapse-mcp/internal/mcpserver"
	"github.com/Sage-Bionetworks/synapse-mcp/internal/server"
	"github.com/Sage-Bionetworks/synapse-mcp/internal/session"
	"github.com/Sage-Bionetworks/synapse-mcp/internal/state"
	"github.com/Sage-Bionetworks/synapse-mcp/internal/synapse"
)

var Version = "dev"

// clientName is what this server calls itself when registering with Synapse.
const clientName = "Synapse MCP"

const shutdownTimeout = 10 * time.Second

func main() {
	// Handle hash-secret subcommand before loading config.
	if len(os.Args) > 1 && os.Args[1] == "hash-secret" {
		hashSecret()
		return
	}

	if len(os.Args) > 1 && os.Args[1] == "reset-registration" {
		if err := resetRegistration(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}

		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// hashSecret prints a bcrypt hash for a client_secret_hash entry in
// SYNAPSE_MCP_STATIC_CLIENTS.
func hashSecret() {
	fmt.Fprint(os.Stderr, "Enter client secret: ")

	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		fmt.Fprintln(os.Stderr, "no input")
		os.Exit(1)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(scanner.Text()), bcrypt.DefaultCost)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(string(hash))
}

// resetRegistration deletes the cached dynamic registration with
// Synapse, so the next start registers a new client.
func resetRegistration() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	if cfg.RegistrationEndpoint == "" {
		return errors.New("SYNAPSE_OAUTH_REGISTRATION_ENDPOINT is not set, there is no cached registration")
	}

	logger, err := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	if err != nil {
		return err
	}

	registry, err := state.LoadAt(cfg.RegistryPath)
	if err != nil {
		return err
	}
	defer registry.Close()

	if err := auth.NewRegistrar(registrarConfig(cfg), nil, registry, logger).Forget(); err != nil {
		return err
	}

	fmt.Fprintln(os.Stderr, "cached registration removed")

	return nil
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	if err != nil {
		return err
	}

	logConfigWarnings(cfg, logger)

	endpoints, err := cfg.Endpoints()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	api := synapse.NewClient(endpoints.APIBase, nil)
	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "synapse-mcp", Version: Version},
		nil,
	)

	logger.Info("starting synapse-mcp",
		slog.String("version", Version),
		slog.String("mode", cfg.Mode.String()),
		slog.String("synapse_env", endpoints.Name),
		slog.String("transport", cfg.Transport),
	)

	if cfg.Mode == auth.ModeOAuth2 {
		return runOAuth2(ctx, cfg, endpoints, api, mcpServer, logger)
	}

	provider := auth.NewProvider(auth.ProviderConfig{Mode: auth.ModePAT, PAT: cfg.PAT, Logger: logger})
	mcpserver.RegisterTools(mcpServer, provider, api, logger)

	if cfg.Transport == config.TransportStdio {
		err := mcpServer.Run(ctx, &mcp.StdioTransport{})
		if err != nil && ctx.Err() == nil {
			return fmt.Errorf("stdio server: %w", err)
		}

		return nil
	}

	return serveHTTP(ctx, cfg.ListenAddr(), server.NewMux(server.MuxConfig{
		Mode:       auth.ModePAT,
		MCPHandler: server.NewMCPHandler(mcpServer),
		Logger:     logger,
		Version:    Version,
	}), logger)
}

func logConfigWarnings(cfg *config.Config, logger *slog.Logger) {
	for _, w := range cfg.Warnings() {
		logger.Warn(w)
	}
}

// runOAuth2 wires the session store, the provider registration and the
// login flow, then serves HTTP until ctx is done.
func runOAuth2(ctx context.Context, cfg *config.Config, endpoints synapse.Endpoints, api *synapse.Client, mcpServer *mcp.Server, logger *slog.Logger) error {
	base, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	registry, err := state.LoadAt(cfg.RegistryPath)
	if err != nil {
		return err
	}
	defer registry.Close()

	restored, err := state.RestoreClients(ctx, registry, base)
	if err != nil {
		return err
	}

	statics, err := config.ParseStaticClients(cfg.StaticClients)
	if err != nil {
		return err
	}

	for i := range statics {
		if err := base.PutClient(ctx, &statics[i], 0); err != nil {
			return fmt.Errorf("loading static client %s: %w", statics[i].ClientID, err)
		}
	}

	logger.Info("mcp clients loaded",
		slog.Int("registered", restored),
		slog.Int("static", len(statics)),
	)

	store := state.PersistClients(base, registry)

	registrar := auth.NewRegistrar(registrarConfig(cfg), nil, registry, logger)

	reg, err := registrar.RegisterOrLoad(ctx)
	if err != nil {
		return err
	}

	upstream := auth.NewUpstream(auth.UpstreamConfig{
		AuthURL:      endpoints.AuthURL,
		TokenURL:     endpoints.TokenURL,
		ClientID:     reg.ClientID,
		ClientSecret: reg.ClientSecret,
		RedirectURI:  cfg.OAuthRedirectURI,
	}, nil, nil)

	flow := auth.NewFlow(auth.FlowConfig{
		Store:        store,
		Exchanger:    upstream,
		LoginTimeout: cfg.LoginTimeout,
		Grace:        cfg.SessionGrace,
		Logger:       logger,
	})

	provider := auth.NewProvider(auth.ProviderConfig{
		Mode:      auth.ModeOAuth2,
		Store:     store,
		Exchanger: upstream,
		Skew:      cfg.RefreshSkew,
		Grace:     cfg.SessionGrace,
		LockWait:  cfg.RefreshLockWait,
		Logger:    logger,
	})

	mcpserver.RegisterTools(mcpServer, provider, api, logger)

	mux := server.NewMux(server.MuxConfig{
		Mode:         auth.ModeOAuth2,
		Store:        store,
		Flow:         flow,
		Refresher:    provider,
		MCPHandler:   server.NewMCPHandler(mcpServer),
		Logger:       logger,
		ServerURL:    cfg.ServerURL,
		CallbackPath: callbackPath(cfg.OAuthRedirectURI),
		Version:      Version,
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		session.Sweep(gctx, store, cfg.CleanupInterval, logger)
		return nil
	})

	g.Go(func() error {
		return serveHTTP(gctx, cfg.ListenAddr(), mux, logger)
	})

	return g.Wait()
}

func registrarConfig(cfg *config.Config) auth.RegistrarConfig {
	return auth.RegistrarConfig{
		Endpoint:     cfg.RegistrationEndpoint,
		ClientName:   clientName,
		RedirectURI:  cfg.OAuthRedirectURI,
		ClientID:     cfg.OAuthClientID,
		ClientSecret: cfg.OAuthClientSecret,
	}
}

// openStore returns the Redis store when REDIS_URL is set and the
// in-memory store otherwise, with a function that releases it.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (session.Store, func(), error) {
	if cfg.RedisURL == "" {
		logger.Info("REDIS_URL not set, sessions are kept in memory and lost on restart")

		s := session.NewMemoryStore()

		return s, s.Stop, nil
	}

	s, err := session.NewRedisStore(ctx, session.RedisConfig{
		URL:       cfg.RedisURL,
		KeyPrefix: cfg.SessionKeyPrefix,
	}, logger)
	if err != nil {
		return nil, nil, err
	}

	return s, func() {
		if err := s.Close(); err != nil {
			logger.Warn("closing redis", slog.String("error", err.Error()))
		}
	}, nil
}

// callbackPath is the path Synapse redirects to, taken from the
// configured redirect URI.
func callbackPath(redirectURI string) string {
	u, err := url.Parse(redirectURI)
	if err != nil || u.Path == "" || u.Path == "/" {
		return server.DefaultCallbackPath
	}

	return u.Path
}

// serveHTTP runs the listener until ctx is done, then shuts it down.
func serveHTTP(ctx context.Context, addr string, h http.Handler, logger *slog.Logger) error {
	srv := server.NewHTTPServer(addr, h)

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown", slog.String("error", err.Error()))
		}
	}()

	logger.Info("listening", slog.String("addr", addr))

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}
