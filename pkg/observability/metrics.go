package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus metrics.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	RunsTotal        *prometheus.CounterVec
	RunDuration      prometheus.Histogram
	UsersTotal       *prometheus.CounterVec
	CredentialsTotal *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewMetrics registers the service metrics with reg. A nil reg uses a fresh
// registry.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests.",
			},
			[]string{"code", "method", "path"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of latencies for HTTP requests.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"code", "method", "path"},
		),
		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dirsync_runs_total",
				Help: "Synchronization runs by final status.",
			},
			[]string{"status"},
		),
		RunDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dirsync_run_duration_seconds",
				Help:    "Duration of synchronization runs.",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			},
		),
		UsersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dirsync_users_total",
				Help: "Users applied to the internal directory by outcome.",
			},
			[]string{"outcome"},
		),
		CredentialsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dirsync_credentials_total",
				Help: "Password credentials materialized by outcome.",
			},
			[]string{"outcome"},
		),
		gatherer: reg,
	}
	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RunsTotal,
		m.RunDuration,
		m.UsersTotal,
		m.CredentialsTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// RunFinished records a completed run.
func (m *Metrics) RunFinished(status string, elapsed time.Duration) {
	m.RunsTotal.WithLabelValues(status).Inc()
	m.RunDuration.Observe(elapsed.Seconds())
}

// UserApplied records one user outcome.
func (m *Metrics) UserApplied(outcome string) {
	m.UsersTotal.WithLabelValues(outcome).Inc()
}

// CredentialsMaterialized records one materialization pass.
func (m *Metrics) CredentialsMaterialized(succeeded, failed int) {
	m.CredentialsTotal.WithLabelValues("materialized").Add(float64(succeeded))
	m.CredentialsTotal.WithLabelValues("failed").Add(float64(failed))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
