package main

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/taskbridge/taskbridge/cmd/taskbridge/handlers/authorize"
	"github.com/taskbridge/taskbridge/cmd/taskbridge/handlers/callback"
	"github.com/taskbridge/taskbridge/cmd/taskbridge/handlers/common"
	"github.com/taskbridge/taskbridge/cmd/taskbridge/handlers/device"
	"github.com/taskbridge/taskbridge/cmd/taskbridge/handlers/health"
	"github.com/taskbridge/taskbridge/cmd/taskbridge/handlers/register"
	"github.com/taskbridge/taskbridge/cmd/taskbridge/handlers/token"
	"github.com/taskbridge/taskbridge/cmd/taskbridge/handlers/verify"
	"github.com/taskbridge/taskbridge/internal/authflow"
	"github.com/taskbridge/taskbridge/internal/clients"
	"github.com/taskbridge/taskbridge/internal/deviceflow"
	"github.com/taskbridge/taskbridge/internal/store"
	"github.com/taskbridge/taskbridge/internal/templates"
	"github.com/taskbridge/taskbridge/internal/tokens"
	"github.com/taskbridge/taskbridge/internal/upstream"
)

type server struct {
	cfg    Config
	router *chi.Mux
	logger *slog.Logger
}

func newServer(cfg Config, st *store.Store, logger *slog.Logger) (*server, error) {
	tmpls, err := templates.LoadTemplates()
	if err != nil {
		return nil, fmt.Errorf("loading templates: %w", err)
	}

	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	callbackURI := baseURL + "/oauth/callback"

	provider, err := upstream.NewProvider(upstream.Config{
		ClientID:              cfg.UpstreamClientID,
		ClientSecret:          cfg.UpstreamClientSecret,
		AuthorizationEndpoint: cfg.UpstreamAuthorizationEndpoint,
		TokenEndpoint:         cfg.UpstreamTokenEndpoint,
		UserInfoEndpoint:      cfg.UpstreamUserInfoEndpoint,
		Scopes:                cfg.UpstreamScopes,
		CallbackURL:           callbackURI,
	})
	if err != nil {
		return nil, fmt.Errorf("configuring upstream provider: %w", err)
	}

	issuer, err := tokens.NewIssuer(baseURL, []byte(cfg.SigningSecret),
		tokens.WithAccessTokenTTL(cfg.AccessTokenTTL))
	if err != nil {
		return nil, fmt.Errorf("configuring token issuer: %w", err)
	}

	registry := clients.NewRegistry(st)
	deviceFlow := deviceflow.NewFlow(st, registry, provider, issuer, baseURL,
		deviceflow.WithExpiryDuration(cfg.CodeExpiry),
		deviceflow.WithPollInterval(cfg.PollInterval),
		deviceflow.WithScopes(cfg.UpstreamScopes),
		deviceflow.WithLogger(logger),
	)
	authFlow := authflow.NewFlow(st, registry, provider, issuer,
		authflow.WithScopes(cfg.UpstreamScopes),
		authflow.WithLogger(logger),
	)
	grants := tokens.NewService(st, issuer, provider, registry,
		tokens.WithServiceLogger(logger))

	errWriter := common.NewErrorWriter(logger)
	verifyHandler := verify.New(deviceFlow, tmpls, logger)

	srv := &server{
		cfg:    cfg,
		router: chi.NewRouter(),
		logger: logger,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.RealIP)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(middleware.Timeout(30 * time.Second))

	srv.router.Get("/health", health.New(st, Version).ServeHTTP)
	srv.router.Post("/oauth/register", register.New(registry, errWriter).ServeHTTP)
	srv.router.Post("/oauth/token", token.New(grants, deviceFlow, errWriter).ServeHTTP)
	srv.router.Post("/oauth/device/code", device.New(deviceFlow, errWriter).ServeHTTP)
	srv.router.Get("/oauth/device/verify", verifyHandler.ShowForm)
	srv.router.Post("/oauth/device/verify", verifyHandler.Submit)
	srv.router.Get("/oauth/authorize", authorize.New(authFlow, callbackURI, errWriter).ServeHTTP)
	srv.router.Get("/oauth/callback", callback.New(authFlow, deviceFlow, tmpls, logger).ServeHTTP)

	return srv, nil
}
