package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/greenbasket/api/internal/di"
	"github.com/greenbasket/api/internal/platform/config"
	"github.com/greenbasket/api/internal/platform/observability"
	"github.com/greenbasket/api/internal/platform/secrets"
	"github.com/greenbasket/api/internal/services"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "greenbasket api: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	startedAt := time.Now().UTC()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Secrets are resolved before the configured logger exists, so the resolver logs through a
	// default one.
	bootLogger, err := observability.NewLogger(observability.LoggerOptions{})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	env, err := config.EnvironmentValues()
	if err != nil {
		return fmt.Errorf("read environment: %w", err)
	}
	resolver, err := secrets.NewResolver(ctx,
		secrets.WithProject(firstValue(env, "API_SECRETS_PROJECT_ID", "API_FIRESTORE_PROJECT_ID", "API_FIREBASE_PROJECT_ID")),
		secrets.WithFallbackFile(valueOr(env["API_SECRETS_FALLBACK_FILE"], ".secrets.local")),
		secrets.WithLogger(bootLogger.Named("secrets")),
	)
	if err != nil {
		return fmt.Errorf("init secret resolver: %w", err)
	}
	defer resolver.Close()

	cfg, err := config.Load(ctx, config.WithSecretResolver(resolver))
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			bootLogger.Error("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := observability.NewLogger(observability.LoggerOptions{Level: cfg.Log.Level, Development: cfg.Log.Development})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.Named("api")

	container, err := di.New(ctx, cfg, logger, services.BuildInfo{
		Version:     valueOr(env["API_BUILD_VERSION"], "dev"),
		CommitSHA:   valueOr(env["API_BUILD_COMMIT_SHA"], "unknown"),
		Environment: cfg.Security.Environment,
		StartedAt:   startedAt,
	})
	if err != nil {
		return fmt.Errorf("build container: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("close dependencies", zap.Error(err))
		}
	}()

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      container.Router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("greenbasket api listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return container.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down; draining requests")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func firstValue(env map[string]string, keys ...string) string {
	for _, key := range keys {
		if v := strings.TrimSpace(env[key]); v != "" {
			return v
		}
	}
	return ""
}

func valueOr(value, fallback string) string {
	if v := strings.TrimSpace(value); v != "" {
		return v
	}
	return fallback
}
