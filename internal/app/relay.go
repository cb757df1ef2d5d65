package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"report-stream/internal/api"
	"report-stream/internal/config"
	"report-stream/internal/metrics"
	"report-stream/internal/middleware"
	"report-stream/internal/relay"
)

// NewRelayHandler builds the edge service. Report requests are rate limited
// per client and forwarded to the export service. The rate limiter's sweeper
// stops when ctx is done.
func NewRelayHandler(ctx context.Context, cfg *config.Config, reg *metrics.Registry, logger *slog.Logger) (http.Handler, error) {
	signer, err := middleware.NewSigner(cfg.Token.Secret, cfg.Token.Issuer, cfg.Token.Audience, cfg.Token.TTL)
	if err != nil {
		return nil, fmt.Errorf("token signer: %w", err)
	}
	rl := relay.New(cfg.Relay.UpstreamURL, signer, cfg.Relay.UpstreamTimeout, logger, metrics.NewRelay(reg))

	r := newRouter(logger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.Relay.CORSAllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", middleware.RequestIDHeader},
		ExposedHeaders: []string{"Content-Disposition", "Content-Length", middleware.RequestIDHeader},
		MaxAge:         300,
	}))
	r.Get("/health", relayHealth(cfg.Relay.UpstreamURL.String()))
	r.Handle("/metrics", reg.Handler())
	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimiter(ctx, middleware.RateLimitConfig{
			RequestsPerSecond: cfg.Relay.RateLimitRPS,
			Burst:             cfg.Relay.RateLimitBurst,
		}))
		r.Method(http.MethodGet, "/report", rl)
		r.Method(http.MethodGet, "/report-buffered", rl)
	})
	return instrument(r, "relay"), nil
}

func relayHealth(upstream string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		api.WriteJSON(w, http.StatusOK, map[string]string{
			"status":   "ok",
			"upstream": upstream,
		})
	}
}
