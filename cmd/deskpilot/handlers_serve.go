package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/haasonsaas/deskpilot/internal/config"
)

// =============================================================================
// Serve Command Handler
// =============================================================================

// runServe loads the configuration, wires the service and serves until a
// shutdown signal arrives.
func runServe(ctx context.Context, configPath string, debug bool) error {
	slog.Info("starting deskpilot",
		"version", version,
		"commit", commit,
		"config", configPath,
		"debug", debug,
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	server, err := a.newGateway()
	if err != nil {
		_ = a.Close(context.WithoutCancel(ctx))
		return fmt.Errorf("failed to initialize gateway: %w", err)
	}

	a.logger.Info(ctx, "configuration loaded",
		"addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		"llm_provider", cfg.LLM.DefaultProvider,
		"credential_policy", cfg.LLM.CredentialPolicy,
		"updates", cfg.Updates.Mode,
		"desktop", cfg.Desktop.IsEnabled(),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Serve(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info(ctx, "shutdown signal received, waiting for session runs")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := a.orchestrator.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn(ctx, "session runs still active at shutdown", "active", a.orchestrator.Active())
		}
		return nil
	})

	serveErr := g.Wait()
	if err := a.Close(context.WithoutCancel(ctx)); err != nil {
		slog.Warn("failed to release resources", "error", err)
	}
	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		return serveErr
	}
	slog.Info("deskpilot stopped gracefully")
	return nil
}
