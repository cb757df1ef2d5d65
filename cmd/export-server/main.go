// Package main is the entry point for the export service. It opens the
// database pool, then serves /report and /report-buffered until SIGINT or
// SIGTERM, draining in-flight exports on the way out.
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

	"golang.org/x/sync/errgroup"

	"report-stream/internal/app"
	"report-stream/internal/config"
	"report-stream/internal/db"
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
	cfg, err := config.LoadFromEnv()
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

	reg := metrics.NewRegistry()
	pool, err := db.Open(ctx, cfg.Database, logger, db.WithMetrics(metrics.NewPool(reg)))
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}

	handler, err := app.NewExportHandler(cfg, pool, reg, logger)
	if err != nil {
		_, _ = pool.DrainAndClose(0)
		return err
	}

	// No WriteTimeout: a streamed export runs as long as the client reads.
	srv := &http.Server{
		Addr:              cfg.Export.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.Serve(gctx, srv, cfg.ShutdownTimeout, logger)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down export service")
		exitTimer := time.AfterFunc(cfg.ShutdownTimeout, func() {
			logger.Error("shutdown timed out, forcing exit", "timeout", cfg.ShutdownTimeout)
			os.Exit(1)
		})
		defer exitTimer.Stop()

		res, err := pool.DrainAndClose(cfg.Export.DrainTimeout)
		if err != nil {
			return err
		}
		if !res.Clean {
			logger.Warn("exports cancelled by shutdown", "forced", res.Forced, "outstanding", res.Outstanding)
		}
		return nil
	})
	err = g.Wait()
	if err == nil {
		logger.Info("export service stopped")
	}
	return err
}

