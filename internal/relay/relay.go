// Package relay forwards export requests from the edge to the export service
// and streams the responses back without buffering them.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"report-stream/internal/api"
	"report-stream/internal/domain"
	"report-stream/internal/metrics"
	"report-stream/internal/middleware"
)

// ServiceSubject is the subject of tokens minted by the relay.
const ServiceSubject = "report-relay"

// relayedHeaders are the upstream response headers passed to the client.
var relayedHeaders = []string{
	"Content-Type",
	"Content-Disposition",
	"Content-Length",
	"Cache-Control",
	middleware.RequestIDHeader,
}

// TokenSigner mints the bearer token presented to the export service.
type TokenSigner interface {
	Sign(subject string) (string, error)
}

// Relay is an http.Handler that proxies to the export service.
type Relay struct {
	proxy   *httputil.ReverseProxy
	signer  TokenSigner
	logger  *slog.Logger
	metrics *metrics.Relay
}

type tokenKey struct{}

// New creates a Relay for upstream. upstreamTimeout bounds the wait for the
// upstream response headers; the body itself is not time limited. m may be
// nil.
func New(upstream *url.URL, signer TokenSigner, upstreamTimeout time.Duration, logger *slog.Logger, m *metrics.Relay) *Relay {
	rl := &Relay{
		signer:  signer,
		logger:  logger.With("component", "relay"),
		metrics: m,
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ResponseHeaderTimeout: upstreamTimeout,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		DisableCompression:    true,
	}
	rl.proxy = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(upstream)
			pr.SetXForwarded()
			pr.Out.Header.Del("Cookie")
			if token, ok := pr.In.Context().Value(tokenKey{}).(string); ok {
				pr.Out.Header.Set("Authorization", "Bearer "+token)
			}
			if id := middleware.RequestIDFromContext(pr.In.Context()); id != "" {
				pr.Out.Header.Set(middleware.RequestIDHeader, id)
			}
		},
		Transport:      otelhttp.NewTransport(transport),
		FlushInterval:  -1,
		ModifyResponse: rl.modifyResponse,
		ErrorHandler:   rl.errorHandler,
		ErrorLog:       slog.NewLogLogger(rl.logger.Handler(), slog.LevelWarn),
	}
	return rl
}

// ServeHTTP mints a service token and forwards the request. Once the upstream
// headers were relayed, a broken upstream body aborts the client connection.
func (rl *Relay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token, err := rl.signer.Sign(ServiceSubject)
	if err != nil {
		middleware.LoggerFromContext(r.Context(), rl.logger).Error("mint service token", "error", err)
		api.WriteError(w, domain.WrapError(domain.KindInternal, "", err, "mint service token"))
		return
	}
	ctx := context.WithValue(r.Context(), tokenKey{}, token)
	rl.proxy.ServeHTTP(w, r.WithContext(ctx))
}

func (rl *Relay) modifyResponse(resp *http.Response) error {
	filtered := make(http.Header, len(relayedHeaders))
	for _, key := range relayedHeaders {
		if values := resp.Header.Values(key); len(values) > 0 {
			filtered[http.CanonicalHeaderKey(key)] = values
		}
	}
	resp.Header = filtered
	rl.metrics.Response(strconv.Itoa(resp.StatusCode))
	return nil
}

func (rl *Relay) errorHandler(w http.ResponseWriter, r *http.Request, err error) {
	logger := middleware.LoggerFromContext(r.Context(), rl.logger)
	if r.Context().Err() != nil {
		rl.metrics.UpstreamFailed("client_gone")
		logger.Info("client disconnected before upstream responded", "error", err)
		return
	}

	var relayErr *domain.Error
	if isTimeout(err) {
		relayErr = domain.NewError(domain.KindUpstreamTimeout, "", "export service did not respond in time")
	} else {
		relayErr = domain.NewError(domain.KindUpstreamUnavailable, "", "export service unavailable")
	}
	rl.metrics.UpstreamFailed(relayErr.Kind.String())
	logger.Warn("upstream request failed", "kind", relayErr.Kind.String(), "error", err)
	api.WriteError(w, relayErr)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
