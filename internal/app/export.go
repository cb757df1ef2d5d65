package app

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"report-stream/internal/api"
	"report-stream/internal/config"
	"report-stream/internal/db"
	"report-stream/internal/export"
	"report-stream/internal/metrics"
	"report-stream/internal/middleware"
	"report-stream/internal/query"
)

// NewExportHandler builds the export service: authenticated /report and
// /report-buffered, plus /health and /metrics.
func NewExportHandler(cfg *config.Config, pool *db.Pool, reg *metrics.Registry, logger *slog.Logger) (http.Handler, error) {
	validator, err := middleware.NewHS256Validator(cfg.Token.Secret, cfg.Token.Issuer, cfg.Token.Audience)
	if err != nil {
		return nil, fmt.Errorf("token validator: %w", err)
	}

	exec := query.NewExecutor(pool, cfg.Database.QueryTimeout, logger)
	h := export.NewHandler(export.FromExecutor(exec), cfg.Database.Procedure, cfg.Export.PageSize, logger, metrics.NewExport(reg))

	r := newRouter(logger)
	r.Get("/health", exportHealth(pool))
	r.Handle("/metrics", reg.Handler())
	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthMiddleware(validator))
		r.Get("/report", h.Stream)
		r.Get("/report-buffered", h.Buffered)
	})
	return instrument(r, "export"), nil
}

func exportHealth(pool *db.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := healthContext(r)
		defer cancel()
		if err := pool.Ping(ctx); err != nil {
			middleware.LoggerFromContext(r.Context(), slog.Default()).Warn("health check failed", "error", err)
			api.WriteError(w, db.Classify(err))
			return
		}
		api.WriteJSON(w, http.StatusOK, map[string]interface{}{
			"status": "ok",
			"driver": pool.Dialect().Name,
			"pool":   pool.State().String(),
			"in_use": pool.InUse(),
		})
	}
}
