// Package metrics exposes Prometheus collectors for the connection pool, the
// export controller and the relay.
//
// All recorder methods are nil-safe so components can run without metrics in
// tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "report"

// Registry wraps a private Prometheus registry with the process and Go
// collectors pre-registered.
type Registry struct {
	reg *prometheus.Registry
}

// NewRegistry creates a registry for one process.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Registry{reg: reg}
}

// Handler returns the /metrics endpoint for this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}

// Gatherer exposes the underlying registry for tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// Pool tracks connection pool lifecycle and usage.
//
// Metrics:
//   - report_pool_state: 0 open, 1 draining, 2 closed
//   - report_pool_handles_in_use: active query handles
//   - report_pool_acquire_failures_total: failed acquisitions by reason
type Pool struct {
	state           prometheus.Gauge
	inUse           prometheus.Gauge
	acquireFailures *prometheus.CounterVec
}

// NewPool creates and registers pool metrics.
func NewPool(r *Registry) *Pool {
	p := &Pool{
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pool", Name: "state",
			Help: "Connection pool state (0 open, 1 draining, 2 closed).",
		}),
		inUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pool", Name: "handles_in_use",
			Help: "Number of active query handles holding a connection.",
		}),
		acquireFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pool", Name: "acquire_failures_total",
			Help: "Failed connection acquisitions by reason.",
		}, []string{"reason"}),
	}
	r.reg.MustRegister(p.state, p.inUse, p.acquireFailures)
	return p
}

// SetState records the pool state.
func (p *Pool) SetState(state int) {
	if p == nil {
		return
	}
	p.state.Set(float64(state))
}

// SetInUse records the number of handles in use.
func (p *Pool) SetInUse(n int) {
	if p == nil {
		return
	}
	p.inUse.Set(float64(n))
}

// AcquireFailed counts a failed acquisition.
func (p *Pool) AcquireFailed(reason string) {
	if p == nil {
		return
	}
	p.acquireFailures.WithLabelValues(reason).Inc()
}

// Export tracks export requests.
//
// Metrics:
//   - report_export_requests_total: exports by variant and outcome
//   - report_export_rows_total: rows written by variant
//   - report_export_duration_seconds: export duration by variant
//   - report_export_in_flight: exports currently running
type Export struct {
	requests *prometheus.CounterVec
	rows     *prometheus.CounterVec
	duration *prometheus.HistogramVec
	inFlight prometheus.Gauge
}

// NewExport creates and registers export metrics.
func NewExport(r *Registry) *Export {
	e := &Export{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "export", Name: "requests_total",
			Help: "Export requests by variant and outcome.",
		}, []string{"variant", "outcome"}),
		rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "export", Name: "rows_total",
			Help: "Rows written to spreadsheet documents.",
		}, []string{"variant"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "export", Name: "duration_seconds",
			Help:    "Export duration in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"variant"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "export", Name: "in_flight",
			Help: "Exports currently running.",
		}),
	}
	r.reg.MustRegister(e.requests, e.rows, e.duration, e.inFlight)
	return e
}

// Started marks an export as in flight.
func (e *Export) Started() {
	if e == nil {
		return
	}
	e.inFlight.Inc()
}

// Finished records the outcome of one export.
func (e *Export) Finished(variant, outcome string, rows int64, elapsed time.Duration) {
	if e == nil {
		return
	}
	e.inFlight.Dec()
	e.requests.WithLabelValues(variant, outcome).Inc()
	e.rows.WithLabelValues(variant).Add(float64(rows))
	e.duration.WithLabelValues(variant).Observe(elapsed.Seconds())
}

// Relay tracks relayed requests.
//
// Metrics:
//   - report_relay_responses_total: relayed responses by status code
//   - report_relay_upstream_failures_total: upstream failures by kind
type Relay struct {
	responses *prometheus.CounterVec
	failures  *prometheus.CounterVec
}

// NewRelay creates and registers relay metrics.
func NewRelay(r *Registry) *Relay {
	rl := &Relay{
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "relay", Name: "responses_total",
			Help: "Upstream responses relayed to clients by status code.",
		}, []string{"code"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "relay", Name: "upstream_failures_total",
			Help: "Upstream failures by kind.",
		}, []string{"kind"}),
	}
	r.reg.MustRegister(rl.responses, rl.failures)
	return rl
}

// Response counts a relayed upstream response.
func (rl *Relay) Response(code string) {
	if rl == nil {
		return
	}
	rl.responses.WithLabelValues(code).Inc()
}

// UpstreamFailed counts an upstream failure.
func (rl *Relay) UpstreamFailed(kind string) {
	if rl == nil {
		return
	}
	rl.failures.WithLabelValues(kind).Inc()
}
