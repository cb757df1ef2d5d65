// Package testutil provides shared helpers for tests that need a real
// connection pool. It follows the Go convention of a shared test utility
// package (like net/http/httptest).
package testutil

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"report-stream/internal/config"
	"report-stream/internal/db"
)

// Procedure is the report procedure name used by test pools.
const Procedure = "generate_report"

// DiscardLogger returns a logger that drops every record.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// DatabaseConfig returns pool settings for an in-process database. driver is
// config.DriverSQLite or config.DriverDuckDB.
func DatabaseConfig(driver string, maxOpen int) config.DatabaseConfig {
	cfg := config.DatabaseConfig{
		Driver:         driver,
		Procedure:      Procedure,
		MaxOpenConns:   maxOpen,
		ConnectTimeout: time.Second,
		AcquireTimeout: time.Second,
	}
	if driver == config.DriverSQLite {
		cfg.DSN = ":memory:"
	}
	return cfg
}

// OpenPool opens an in-process pool and drains it when the test ends.
func OpenPool(t *testing.T, driver string, maxOpen int) *db.Pool {
	t.Helper()
	p, err := db.Open(context.Background(), DatabaseConfig(driver, maxOpen), DiscardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _, _ = p.DrainAndClose(time.Second) })
	return p
}
