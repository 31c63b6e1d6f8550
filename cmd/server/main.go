package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/omochice/broadcast-chat/internal/config"
	"github.com/omochice/broadcast-chat/internal/logging"
	"github.com/omochice/broadcast-chat/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// slog is not configured yet
		log.Fatalf("Failed to load config: %v", err)
	}

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)

	srv, err := server.New(cfg, server.WithLogger(logging.Logger))
	if err != nil {
		slog.Error("Failed to create server", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start()
	}()

	select {
	case err := <-errChan:
		if err != nil {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		slog.Info("Shutdown signal received, closing connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		slog.Error("Server shutdown error", "error", err)
	}
	if err := <-errChan; err != nil {
		slog.Error("Server error", "error", err)
	}

	slog.Info("Server stopped")
}
