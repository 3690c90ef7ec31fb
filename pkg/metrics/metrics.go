// Package metrics defines the Prometheus metric collectors used across
// govscout and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors. Recording helpers are safe to call
// on a nil *Metrics so metrics stay optional for callers and tests.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	SourcePagesTotal     *prometheus.CounterVec
	SourcePageLatency    prometheus.Histogram
	HarvestWindowsTotal  *prometheus.CounterVec
	HarvestRecordsTotal  *prometheus.CounterVec
	HarvestRunDuration   prometheus.Histogram
	BackfillCursor       prometheus.Gauge
	QueryLatency         *prometheus.HistogramVec
	CacheHitsTotal       prometheus.Counter
	CacheMissesTotal     prometheus.Counter
	CircuitBreakerState  *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// New creates all collectors and registers them with reg. A nil reg uses the
// process-wide default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		SourcePagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "source_pages_total",
				Help: "Upstream page requests by outcome (ok, rate_limited, transient, malformed).",
			},
			[]string{"outcome"},
		),
		SourcePageLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "source_page_latency_seconds",
				Help:    "Upstream page request latency in seconds.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
		),
		HarvestWindowsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_windows_total",
				Help: "Harvest windows attempted by phase and outcome.",
			},
			[]string{"phase", "outcome"},
		),
		HarvestRecordsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_records_total",
				Help: "Records committed by harvest phase.",
			},
			[]string{"phase"},
		),
		HarvestRunDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "harvest_run_duration_seconds",
				Help:    "Wall time of a harvest run.",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
			},
		),
		BackfillCursor: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvest_backfill_cursor_timestamp_seconds",
				Help: "Earliest date covered by backfill, as a unix timestamp.",
			},
		),
		QueryLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "query_latency_seconds",
				Help:    "Read-path latency in seconds by operation and cache status.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"operation", "cache_status"},
		),
		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_hits_total",
				Help: "Total number of query cache hits.",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_misses_total",
				Help: "Total number of query cache misses.",
			},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.SourcePagesTotal,
		m.SourcePageLatency,
		m.HarvestWindowsTotal,
		m.HarvestRecordsTotal,
		m.HarvestRunDuration,
		m.BackfillCursor,
		m.QueryLatency,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CircuitBreakerState,
	)
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	} else {
		m.gatherer = prometheus.DefaultGatherer
	}

	return m
}

// Handler returns the Prometheus scrape HTTP handler for the registry m was
// registered with.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) ObservePage(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.SourcePagesTotal.WithLabelValues(outcome).Inc()
	m.SourcePageLatency.Observe(took.Seconds())
}

func (m *Metrics) ObserveWindow(phase, outcome string, records int) {
	if m == nil {
		return
	}
	m.HarvestWindowsTotal.WithLabelValues(phase, outcome).Inc()
	if records > 0 {
		m.HarvestRecordsTotal.WithLabelValues(phase).Add(float64(records))
	}
}

func (m *Metrics) ObserveRun(took time.Duration, cursor time.Time) {
	if m == nil {
		return
	}
	m.HarvestRunDuration.Observe(took.Seconds())
	if !cursor.IsZero() {
		m.BackfillCursor.Set(float64(cursor.Unix()))
	}
}

func (m *Metrics) ObserveQuery(operation string, cached bool, took time.Duration) {
	if m == nil {
		return
	}
	status := "miss"
	if cached {
		status = "hit"
		m.CacheHitsTotal.Inc()
	} else {
		m.CacheMissesTotal.Inc()
	}
	m.QueryLatency.WithLabelValues(operation, status).Observe(took.Seconds())
}

func (m *Metrics) SetBreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}
