// Package main is the entry point for the relay. It forwards export requests
// to the export service and streams the documents back to browsers.
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

	"report-stream/internal/app"
	"report-stream/internal/config"
	"report-stream/internal/metrics"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if err := config.LoadDotEnv(".env"); err != nil {
		return fmt.Errorf("load .env: %w", err)
	}
	cfg, err := config.LoadRelayFromEnv()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := app.NewLogger(cfg, os.Stderr)
	slog.SetDefault(logger)
	for _, w := range cfg.Warnings {
		logger.Warn(w)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	handler, err := app.NewRelayHandler(ctx, cfg, metrics.NewRegistry(), logger)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Relay.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	stop := context.AfterFunc(ctx, func() {
		logger.Info("shutting down relay")
		time.AfterFunc(cfg.ShutdownTimeout+5*time.Second, func() {
			logger.Error("shutdown timed out, forcing exit")
			os.Exit(1)
		})
	})
	defer stop()

	logger.Info("relay forwarding", "upstream", cfg.Relay.UpstreamURL.String())
	if err := app.Serve(ctx, srv, cfg.ShutdownTimeout, logger); err != nil {
		return err
	}
	logger.Info("relay stopped")
	return nil
}
