package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/chinmina/regtoken/internal/audit"
	"github.com/chinmina/regtoken/internal/config"
	"github.com/chinmina/regtoken/internal/identity"
	"github.com/chinmina/regtoken/internal/jwt"
	"github.com/chinmina/regtoken/internal/manager"
	"github.com/chinmina/regtoken/internal/observe"
	"github.com/chinmina/regtoken/internal/queue"
	"github.com/chinmina/regtoken/internal/remote"
	"github.com/chinmina/regtoken/internal/server"
	"github.com/chinmina/regtoken/internal/store"
	"github.com/chinmina/regtoken/internal/token"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/justinas/alice"
)

func configureServerRoutes(cfg config.Config, tokens TokenManager, identities identity.Provider) (http.Handler, error) {
	// wrap a mux such that HTTP telemetry is configured by default
	muxWithoutTelemetry := http.NewServeMux()
	mux := observe.NewMux(muxWithoutTelemetry)

	// configure middleware
	auditor := audit.Middleware()

	authorizer, err := jwt.Middleware(cfg.Authorization)
	if err != nil {
		return nil, fmt.Errorf("authorizer configuration failed: %w", err)
	}

	// The request body size is fairly limited to prevent accidental or
	// deliberate abuse. Given the current API shape, this is not configurable.
	requestLimitBytes := int64(20 << 10) // 20 KB
	requestLimiter := maxRequestSize(requestLimitBytes)

	authorizedRouteMiddleware := alice.New(requestLimiter, auditor, authorizer)
	standardRouteMiddleware := alice.New(requestLimiter)

	mux.Handle("POST /token", authorizedRouteMiddleware.Then(handlePostToken(tokens)))
	mux.Handle("DELETE /token", authorizedRouteMiddleware.Then(handleDeleteToken(tokens, identities)))
	mux.Handle("DELETE /tokens", authorizedRouteMiddleware.Then(handleDeleteAllTokens(tokens)))
	mux.Handle("POST /push-credential", authorizedRouteMiddleware.Then(handlePostPushCredential(tokens)))
	mux.Handle("POST /refresh-policy", authorizedRouteMiddleware.Then(handlePostRefreshPolicy(tokens)))

	// healthchecks are not included in telemetry or authorization
	muxWithoutTelemetry.Handle("GET /healthcheck", standardRouteMiddleware.Then(handleHealthCheck()))

	return mux, nil
}

func main() {
	configureLogging()

	logBuildInfo()

	err := launchServer()
	if err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
}

func launchServer() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("configuration load failed: %w", err)
	}

	// configure telemetry, including wrapping default HTTP client
	shutdownTelemetry, err := observe.Configure(ctx, cfg.Observe)
	if err != nil {
		return fmt.Errorf("telemetry bootstrap failed: %w", err)
	}

	http.DefaultTransport = observe.HTTPTransport(
		configureHTTPTransport(cfg.Server),
		cfg.Observe,
	)
	http.DefaultClient = &http.Client{
		Transport: http.DefaultTransport,
	}

	// hooks run in order: the manager stops the queue before the store it
	// writes to is closed, and telemetry is flushed last
	hooks := &server.ShutdownHooks{}

	tokens, identities, err := configureTokenManager(ctx, cfg, hooks)
	if err != nil {
		_ = hooks.Execute(context.Background())
		_ = shutdownTelemetry(context.Background())
		return err
	}
	hooks.AddContext("telemetry", shutdownTelemetry)

	// setup routing and dependencies
	handler, err := configureServerRoutes(cfg, tokens, identities)
	if err != nil {
		_ = hooks.Execute(context.Background())
		return fmt.Errorf("server routing configuration failed: %w", err)
	}

	// start the server
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler,
		MaxHeaderBytes:    20 << 10,         // 20 KB
		ReadHeaderTimeout: 20 * time.Second, // Prevent Slowloris attacks
	}

	shutdownTimeout := time.Duration(cfg.Server.ShutdownTimeoutSeconds) * time.Second

	err = server.Serve(ctx, srv, shutdownTimeout, hooks)
	if err != nil {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// configureTokenManager assembles the token store, identity provider,
// registration client and operation queue. Each resource is added to hooks as
// soon as it is created.
func configureTokenManager(ctx context.Context, cfg config.Config, hooks *server.ShutdownHooks) (*manager.Manager, identity.Provider, error) {
	backend, err := store.NewFromConfig[token.Info](ctx, cfg.Store)
	if err != nil {
		return nil, nil, fmt.Errorf("token store configuration failed: %w", err)
	}
	records := store.NewStore(backend)

	identities, err := configureIdentity(cfg.Identity, records)
	if err != nil {
		_ = records.Close()
		return nil, nil, fmt.Errorf("identity configuration failed: %w", err)
	}

	client, err := remote.New(cfg.Registration, http.DefaultClient)
	if err != nil {
		_ = records.Close()
		return nil, nil, fmt.Errorf("registration client configuration failed: %w", err)
	}

	sandbox := cfg.App.Sandbox
	mgr := manager.New(records, identities, queue.New(client), manager.Environment{
		AppVersion:      cfg.App.Version,
		AppID:           cfg.App.ID,
		IsSandbox:       func() bool { return sandbox },
		RefreshInterval: cfg.App.RefreshInterval,
		PushScopes:      cfg.App.PushScopes,
	})

	hooks.AddClose("token manager", mgr)
	hooks.AddClose("token store", records)

	log.Info().
		Str("store", cfg.Store.Type).
		Str("appVersion", cfg.App.Version).
		Dur("refreshInterval", cfg.App.RefreshInterval).
		Msg("token manager configured")

	return mgr, identities, nil
}

// configureIdentity selects the identity source. Tokens minted for an
// identity that disappears from the identity file are removed from the store,
// which in turn has the manager delete them on the server.
func configureIdentity(cfg config.IdentityConfig, records *store.Store) (identity.Provider, error) {
	if cfg.File == "" {
		return identity.NewStatic(identity.Identity{
			InstanceID: cfg.InstanceID,
			DeviceID:   cfg.DeviceID,
			Secret:     cfg.Secret,
		}), nil
	}

	file, err := identity.NewFile(cfg.File)
	if err != nil {
		return nil, err
	}

	file.OnChange(func(ctx context.Context, previous identity.Identity) {
		if err := records.ClearIdentity(ctx, previous); err != nil {
			log.Ctx(ctx).Warn().Err(err).
				Str("instanceID", previous.InstanceID).
				Msg("clearing tokens for replaced identity failed")
		}
	})

	return file, nil
}

func configureLogging() {
	// Set global level to the minimum: allows the Open Telemetry logging to be
	// configured separately. However, it means that any logger that sets its
	// level will log as this effectively disables the global level.
	zerolog.SetGlobalLevel(zerolog.Level(-128))

	zerolog.LevelFieldMarshalFunc = audit.LevelFieldMarshalFunc

	// default level is Info
	log.Logger = log.Level(zerolog.InfoLevel)

	if os.Getenv("ENV") == "development" {
		log.Logger = log.
			Output(zerolog.ConsoleWriter{Out: os.Stdout}).
			Level(zerolog.DebugLevel)
	}

	zerolog.DefaultContextLogger = &log.Logger
}

func logBuildInfo() {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	ev := log.Info()
	for _, v := range buildInfo.Settings {
		if strings.HasPrefix(v.Key, "vcs.") ||
			strings.HasPrefix(v.Key, "GO") ||
			v.Key == "CGO_ENABLED" {
			ev = ev.Str(v.Key, v.Value)
		}
	}

	ev.Msg("build information")
}

func configureHTTPTransport(cfg config.ServerConfig) *http.Transport {
	transport := http.DefaultTransport.(*http.Transport).Clone()

	transport.MaxIdleConns = cfg.OutgoingHTTPMaxIdleConns
	transport.MaxConnsPerHost = cfg.OutgoingHTTPMaxConnsPerHost

	return transport
}
