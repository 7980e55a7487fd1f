// Package metrics collects Prometheus metrics for the HTTP surface and the
// ledger engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/branch-ledger/ledger"
)

// Metrics owns a private registry. It implements ledger.Recorder.
type Metrics struct {
	registry *prometheus.Registry
	handler  http.Handler

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	recalculations  *prometheus.CounterVec
	recalcDuration  prometheus.Histogram
	lockWait        prometheus.Histogram
	checkpoints     *prometheus.CounterVec
	rebuildRuns     prometheus.Counter
	rebuildFailures prometheus.Counter
	rebuildDuration prometheus.Histogram
}

var _ ledger.Recorder = (*Metrics)(nil)

func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_http_requests_total",
			Help: "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledger_http_request_duration_seconds",
			Help:    "HTTP request duration by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		recalculations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_recalculations_total",
			Help: "Branch recalculations by outcome.",
		}, []string{"outcome"}),
		recalcDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ledger_recalculation_duration_seconds",
			Help:    "Time spent in one branch recalculation, lock wait included.",
			Buckets: prometheus.DefBuckets,
		}),
		lockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ledger_lock_wait_seconds",
			Help:    "Time spent waiting for a branch lock.",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 2.5, 5},
		}),
		checkpoints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_resets_total",
			Help: "Branch checkpoint resets by outcome.",
		}, []string{"outcome"}),
		rebuildRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_rebuild_runs_total",
			Help: "Completed rebuild-all runs.",
		}),
		rebuildFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_rebuild_branch_failures_total",
			Help: "Branches that failed during rebuild-all.",
		}),
		rebuildDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ledger_rebuild_duration_seconds",
			Help:    "Duration of rebuild-all runs.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
	}
	registry.MustRegister(
		m.requestsTotal, m.requestDuration,
		m.recalculations, m.recalcDuration, m.lockWait,
		m.checkpoints, m.rebuildRuns, m.rebuildFailures, m.rebuildDuration,
	)
	m.handler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	return m
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records request count and latency per chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// =============================================================================
// ledger.Recorder
// =============================================================================

func (m *Metrics) RecalculationDone(_ ledger.BranchID, took time.Duration, err error) {
	m.recalculations.WithLabelValues(outcome(err)).Inc()
	m.recalcDuration.Observe(took.Seconds())
}

func (m *Metrics) LockWaited(_ ledger.BranchID, waited time.Duration) {
	m.lockWait.Observe(waited.Seconds())
}

func (m *Metrics) CheckpointDone(_ ledger.BranchID, err error) {
	m.checkpoints.WithLabelValues(outcome(err)).Inc()
}

func (m *Metrics) RebuildDone(result ledger.RebuildResult, took time.Duration) {
	m.rebuildRuns.Inc()
	m.rebuildFailures.Add(float64(len(result.Failed)))
	m.rebuildDuration.Observe(took.Seconds())
}

// outcome keeps label cardinality fixed.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case ledger.IsClientError(err):
		return "rejected"
	case ledger.IsRetryable(err):
		return "transient"
	default:
		return "error"
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
