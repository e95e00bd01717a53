// Devserver - local consultation backend for development and end-to-end runs
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

	"github.com/joho/godotenv"

	"github.com/ashureev/formula-consult/internal/config"
	"github.com/ashureev/formula-consult/internal/devserver"
	"github.com/ashureev/formula-consult/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load(os.Getenv("CONSULT_CONFIG"))
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		slog.Error("Dev server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Dev server stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	dc := cfg.DevServer
	logger.Info("Starting dev server", "port", dc.Port, "db", dc.DBPath, "chunk_delay", dc.ChunkDelay)

	repo, err := store.NewSQLite(dc.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			logger.Error("Failed to close repository", "error", closeErr)
		}
	}()
	if err := repo.Ping(ctx); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}

	limiter := devserver.NewRateLimiter(dc.RateLimit)
	if _, err := devserver.StartArchiver(ctx, dc.ArchiveSchedule, repo, limiter, dc.ArchiveAfter); err != nil {
		return err
	}

	srv := &http.Server{
		Addr: ":" + dc.Port,
		Handler: devserver.NewRouter(repo, &devserver.ScriptedResponder{Delay: dc.ChunkDelay}, devserver.RouterOptions{
			Handler: devserver.HandlerOptions{
				RateLimiter:       limiter,
				MaxBodySize:       dc.MaxBodyBytes,
				KeepaliveInterval: dc.Keepalive,
				Logger:            logger,
			},
			AllowedOrigins: cfg.Bridge.AllowedOrigins,
			RequireToken:   cfg.Client.APIToken != "",
			AccessLog:      true,
		}),
		ReadTimeout: 30 * time.Second,
		// Streamed replies outlive any fixed write deadline.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Server listening", "addr", srv.Addr)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
