// cmd/service/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/phrazzld/gitpulse-sub011/internal/api"
	"github.com/phrazzld/gitpulse-sub011/internal/auth"
	"github.com/phrazzld/gitpulse-sub011/internal/config"
	"github.com/phrazzld/gitpulse-sub011/internal/feed"
	"github.com/phrazzld/gitpulse-sub011/internal/fetcher"
	"github.com/phrazzld/gitpulse-sub011/internal/ratelimit"
)

func main() {
	if err := run(); err != nil {
		slog.Error("Application startup error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Initialize structured logger
	logLevel := new(slog.LevelVar)
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	logger := slog.New(handler)
	slog.SetDefault(logger)

	// 2. Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	setLogLevel(cfg.LogLevel, logLevel)
	logger.Info("Configuration loaded successfully",
		"app_configured", cfg.AppCredentials().Configured(),
		"api_url", cfg.GithubAPIURL)

	// 3. Setup context for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 4. Initialize application components
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           newRouter(cfg, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 5. Serve until a shutdown signal arrives
	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
	case <-ctx.Done():
		logger.Info("Shutdown signal received. Exiting.")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}

// newRouter wires the resolver, fetcher and feeds from configuration.
func newRouter(cfg *config.Config, logger *slog.Logger) http.Handler {
	guards := ratelimit.NewRegistry(cfg.RateLimitPolicy(), logger, nil)
	resolver := auth.NewResolver(cfg.AppCredentials(), guards, logger, auth.Options{
		BaseURL:          cfg.GithubAPIURL,
		SkipVerification: cfg.DisableSideEffects,
	})
	f := fetcher.New(cfg.BatchOptions(), logger)
	feeds := feed.NewService(feed.FromResolver(resolver), f, cfg.PageLimits(), logger)
	return api.NewRouter(resolver, f, feeds, logger, api.Options{Timeout: cfg.RequestTimeout})
}

func setLogLevel(level string, v *slog.LevelVar) {
	switch level {
	case "debug":
		v.Set(slog.LevelDebug)
	case "warn":
		v.Set(slog.LevelWarn)
	case "error":
		v.Set(slog.LevelError)
	default:
		v.Set(slog.LevelInfo)
	}
}
