package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for reconciliation passes. The zero
// value (or a disabled config) is a safe no-op.
type Metrics struct {
	config MetricsConfig

	// Pass metrics
	passesTotal  *prometheus.CounterVec
	passDuration *prometheus.HistogramVec

	// Node metrics
	nodesTotal   *prometheus.CounterVec
	nodeDuration *prometheus.HistogramVec

	// State store metrics
	casConflicts prometheus.Counter

	// Provider metrics
	providerErrors *prometheus.CounterVec

	// Drift metrics
	driftItems *prometheus.CounterVec

	registry *prometheus.Registry
	server   *http.Server
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		passesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "passes_total",
				Help:      "Total number of reconciliation passes",
			},
			[]string{"status"},
		),
		passDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "pass_duration_seconds",
				Help:      "Duration of reconciliation passes in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"status"},
		),
		nodesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "nodes_total",
				Help:      "Total number of node operations by action and status",
			},
			[]string{"action", "status"},
		),
		nodeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "node_duration_seconds",
				Help:      "Duration of node operations in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"action"},
		),
		casConflicts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cas_conflicts_total",
				Help:      "Total number of state store version conflicts",
			},
		),
		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_errors_total",
				Help:      "Total number of provider failures by resource kind",
			},
			[]string{"kind"},
		),
		driftItems: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "drift_items_total",
				Help:      "Total number of refresh outcomes by drift status",
			},
			[]string{"status"},
		),
	}

	registry.MustRegister(
		m.passesTotal,
		m.passDuration,
		m.nodesTotal,
		m.nodeDuration,
		m.casConflicts,
		m.providerErrors,
		m.driftItems,
	)
	return m, nil
}

// ObservePass records a completed reconciliation pass.
func (m *Metrics) ObservePass(succeeded bool, duration time.Duration) {
	if m.passesTotal == nil {
		return
	}
	status := "succeeded"
	if !succeeded {
		status = "failed"
	}
	m.passesTotal.WithLabelValues(status).Inc()
	m.passDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// ObserveNode records one node operation outcome.
func (m *Metrics) ObserveNode(action, status string, duration time.Duration) {
	if m.nodesTotal == nil {
		return
	}
	m.nodesTotal.WithLabelValues(action, status).Inc()
	m.nodeDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// IncCASConflict records a state store version conflict.
func (m *Metrics) IncCASConflict() {
	if m.casConflicts == nil {
		return
	}
	m.casConflicts.Inc()
}

// IncProviderError records a provider failure for a resource kind.
func (m *Metrics) IncProviderError(kind string) {
	if m.providerErrors == nil {
		return
	}
	m.providerErrors.WithLabelValues(kind).Inc()
}

// ObserveDriftItem records one refresh outcome.
func (m *Metrics) ObserveDriftItem(status string) {
	if m.driftItems == nil {
		return
	}
	m.driftItems.WithLabelValues(status).Inc()
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	m.server = &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()
	return nil
}

// StopMetricsServer shuts the metrics endpoint down, letting in-flight
// scrapes finish. No-op when the server was never started.
func (m *Metrics) StopMetricsServer(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
