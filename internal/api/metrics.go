package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's Prometheus instruments on a private
// registry so multiple servers can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	RunsStarted   prometheus.Counter
	RunsCompleted prometheus.Counter
	RunsFailed    prometheus.Counter
	RunDuration   prometheus.Histogram
	ActiveRuns    prometheus.Gauge
	WSClients     prometheus.Gauge
}

// NewMetrics creates and registers the server instruments.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		RunsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "backtest",
			Name:      "runs_started_total",
			Help:      "Number of backtest runs started.",
		}),
		RunsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "backtest",
			Name:      "runs_completed_total",
			Help:      "Number of backtest runs completed successfully.",
		}),
		RunsFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "backtest",
			Name:      "runs_failed_total",
			Help:      "Number of backtest runs that failed.",
		}),
		RunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "backtest",
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of backtest runs.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		ActiveRuns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "backtest",
			Name:      "active_runs",
			Help:      "Number of backtest runs currently executing.",
		}),
		WSClients: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "backtest",
			Name:      "websocket_clients",
			Help:      "Number of connected WebSocket clients.",
		}),
	}
}

// Handler exposes the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
