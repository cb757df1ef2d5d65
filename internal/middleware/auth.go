package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"report-stream/internal/api"
	"report-stream/internal/domain"
)

type claimsKey struct{}

// WithClaims stores validated token claims in the context.
func WithClaims(ctx context.Context, c *JWTClaims) context.Context {
	return context.WithValue(ctx, claimsKey{}, c)
}

// ClaimsFromContext extracts the validated token claims from the context.
func ClaimsFromContext(ctx context.Context) (*JWTClaims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*JWTClaims)
	return c, ok
}

// AuthMiddleware requires a valid Bearer service token. Requests without one
// are answered with 401 before reaching next.
func AuthMiddleware(v JWTValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
				api.WriteError(w, domain.NewError(domain.KindAuthorization, "", "missing bearer token"))
				return
			}

			claims, err := v.Validate(r.Context(), strings.TrimSpace(token))
			if err != nil {
				LoggerFromContext(r.Context(), slog.Default()).Debug("rejected service token", "error", err)
				api.WriteError(w, domain.NewError(domain.KindAuthorization, "", "invalid bearer token"))
				return
			}

			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}
