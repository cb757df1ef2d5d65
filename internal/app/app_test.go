package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"report-stream/internal/config"
	"report-stream/internal/db"
	"report-stream/internal/metrics"
	"report-stream/internal/testutil"
	"report-stream/internal/xlsx"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Env:      "development",
		LogLevel: "info",
		Database: testutil.DatabaseConfig(config.DriverSQLite, 2),
		Token: config.TokenConfig{
			Secret:   "app-test-secret-32-bytes-long-xx",
			Issuer:   "report-relay",
			Audience: "report-export",
			TTL:      time.Minute,
		},
		Export: config.ExportConfig{PageSize: 8},
		Relay: config.RelayConfig{
			UpstreamTimeout:    time.Second,
			RateLimitRPS:       100,
			RateLimitBurst:     100,
			CORSAllowedOrigins: []string{"*"},
		},
	}
}

// stack starts the export service and a relay in front of it.
func stack(t *testing.T) (cfg *config.Config, exportURL, relayURL string) {
	t.Helper()
	cfg = testConfig(t)
	logger := testutil.DiscardLogger()

	pool, err := db.Open(context.Background(), cfg.Database, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _, _ = pool.DrainAndClose(time.Second) })

	exportHandler, err := NewExportHandler(cfg, pool, metrics.NewRegistry(), logger)
	require.NoError(t, err)
	exportSrv := httptest.NewServer(exportHandler)
	t.Cleanup(exportSrv.Close)

	cfg.Relay.UpstreamURL, err = url.Parse(exportSrv.URL)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	relayHandler, err := NewRelayHandler(ctx, cfg, metrics.NewRegistry(), logger)
	require.NoError(t, err)
	relaySrv := httptest.NewServer(relayHandler)
	t.Cleanup(relaySrv.Close)

	return cfg, exportSrv.URL, relaySrv.URL
}

func TestRelayToExport_Stream(t *testing.T) {
	_, _, relayURL := stack(t)

	for _, path := range []string{"/report", "/report-buffered"} {
		t.Run(path, func(t *testing.T) {
			resp, err := http.Get(relayURL + path + "?rowCount=30")
			require.NoError(t, err)
			defer resp.Body.Close()

			require.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", resp.Header.Get("Content-Type"))
			assert.Contains(t, resp.Header.Get("Content-Disposition"), "attachment")
			assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			f, err := excelize.OpenReader(bytes.NewReader(body))
			require.NoError(t, err)
			defer f.Close()
			rows, err := f.GetRows(xlsx.SheetName)
			require.NoError(t, err)
			require.Len(t, rows, 31)
			assert.Equal(t, "ID", rows[0][0])
			assert.Equal(t, "30", rows[30][0])
		})
	}
}

func TestExport_RequiresToken(t *testing.T) {
	_, exportURL, _ := stack(t)

	resp, err := http.Get(exportURL + "/report?rowCount=5")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "UNAUTHORIZED", body.Error.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	_, exportURL, relayURL := stack(t)

	for _, base := range []string{exportURL, relayURL} {
		resp, err := http.Get(base + "/health")
		require.NoError(t, err)
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "ok", body["status"])
	}

	resp, err := http.Get(exportURL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	text, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(text), "report_export_in_flight")
}

func TestRelay_CORSPreflight(t *testing.T) {
	_, _, relayURL := stack(t)

	req, err := http.NewRequest(http.MethodOptions, relayURL+"/report", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestRelay_RateLimitIgnoresForwardingHeaders(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(upstream.Close)

	cfg := testConfig(t)
	cfg.Relay.RateLimitRPS = 0.001
	cfg.Relay.RateLimitBurst = 1
	var err error
	cfg.Relay.UpstreamURL, err = url.Parse(upstream.URL)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h, err := NewRelayHandler(ctx, cfg, metrics.NewRegistry(), testutil.DiscardLogger())
	require.NoError(t, err)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	limited := 0
	for i := 0; i < 10; i++ {
		req, err := http.NewRequest(http.MethodGet, srv.URL+"/report", nil)
		require.NoError(t, err)
		spoofed := fmt.Sprintf("203.0.113.%d", i+1)
		req.Header.Set("X-Forwarded-For", spoofed)
		req.Header.Set("X-Real-IP", spoofed)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		_ = resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests {
			limited++
		}
	}
	assert.Equal(t, 9, limited, "rotating forwarding headers must not reset the bucket")
}
