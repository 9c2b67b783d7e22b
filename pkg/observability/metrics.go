// Package observability carries the metrics, tracing, and status-server
// surface shared by the long-running commands. One-shot syncs run with a
// nil *Metrics and the global (no-op) tracer; every recording helper
// tolerates that.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the sync engine and its
// triggers.
type Metrics struct {
	// Run metrics
	RunsTotal          *prometheus.CounterVec
	RunDurationSeconds *prometheus.HistogramVec
	RecordsTotal       *prometheus.CounterVec
	EntitiesDiscovered *prometheus.GaugeVec

	// Client metrics
	APIRequestsTotal    *prometheus.CounterVec
	TokenRefreshesTotal prometheus.Counter

	// Queue metrics
	QueueDepth prometheus.Gauge
}

// DefaultMetrics creates metrics on the default registerer.
func DefaultMetrics() *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer)
}

// NewMetrics creates the metric set on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rostersync_runs_total",
				Help: "Total sync runs by mode, trigger, and outcome",
			},
			[]string{"mode", "trigger", "outcome"},
		),
		RunDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rostersync_run_duration_seconds",
				Help:    "Wall-clock duration of sync runs",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"mode"},
		),
		RecordsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rostersync_records_total",
				Help: "Result records by service, status, and action tag",
			},
			[]string{"service", "status", "action_tag"},
		),
		EntitiesDiscovered: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rostersync_entities_discovered",
				Help: "Entities discovered by the last run per mode",
			},
			[]string{"mode"},
		),
		APIRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rostersync_api_requests_total",
				Help: "Outbound API requests by service, method, and outcome",
			},
			[]string{"service", "method", "outcome"},
		),
		TokenRefreshesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "rostersync_token_refreshes_total",
				Help: "Password-store bearer token refreshes",
			},
		),
		QueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "rostersync_queue_depth",
				Help: "Jobs waiting on the sync queue",
			},
		),
	}
}

// ObserveRun records one finished run.
func (m *Metrics) ObserveRun(mode, trigger, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(mode, trigger, outcome).Inc()
	m.RunDurationSeconds.WithLabelValues(mode).Observe(seconds)
}

// ObserveRecord counts one Result record.
func (m *Metrics) ObserveRecord(service, status, actionTag string) {
	if m == nil {
		return
	}
	m.RecordsTotal.WithLabelValues(service, status, actionTag).Inc()
}

// ObserveEntities records the entity count discovered by a run.
func (m *Metrics) ObserveEntities(mode string, n int) {
	if m == nil {
		return
	}
	m.EntitiesDiscovered.WithLabelValues(mode).Set(float64(n))
}

// ObserveAPIRequest counts one outbound API request.
func (m *Metrics) ObserveAPIRequest(service, method, outcome string) {
	if m == nil {
		return
	}
	m.APIRequestsTotal.WithLabelValues(service, method, outcome).Inc()
}

// ObserveTokenRefresh counts one bearer-token refresh.
func (m *Metrics) ObserveTokenRefresh() {
	if m == nil {
		return
	}
	m.TokenRefreshesTotal.Inc()
}

// SetQueueDepth publishes the current queue depth.
func (m *Metrics) SetQueueDepth(n int64) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}
