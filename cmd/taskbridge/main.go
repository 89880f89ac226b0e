package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/taskbridge/taskbridge/internal/storage"
	"github.com/taskbridge/taskbridge/internal/store"
)

// Version is set by the build process
var Version = "dev"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		logger.Error("loading configuration failed", "error", err)
		os.Exit(1)
	}

	backend, err := storage.NewBackend(storage.Config{
		Type:        cfg.StorageType,
		FilePath:    cfg.StorageFilePath,
		DatabaseDSN: cfg.DatabaseURL,
		RedisURL:    cfg.RedisURL,
	})
	if err != nil {
		logger.Error("configuring storage backend failed", "error", err)
		os.Exit(1)
	}

	st := store.New(backend, store.WithLogger(logger))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := st.Initialize(ctx); err != nil {
		cancel()
		logger.Error("initializing session store failed", "error", err)
		os.Exit(1)
	}
	cancel()

	srv, err := newServer(cfg, st, logger)
	if err != nil {
		logger.Error("creating server failed", "error", err)
		os.Exit(1)
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening",
			"port", cfg.Port,
			"storage", cfg.StorageType,
			"version", Version)
		serverErrors <- httpServer.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("server failed", "error", err)
		os.Exit(1)

	case sig := <-shutdown:
		logger.Info("shutting down", "signal", sig.String())

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Error("server shutdown failed", "error", err)
			if err := httpServer.Close(); err != nil {
				logger.Error("server close failed", "error", err)
			}
		}
		if err := st.Close(ctx); err != nil {
			logger.Error("store close failed", "error", err)
		}
	}
}
