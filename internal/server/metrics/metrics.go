// Package metrics exposes the session service's Prometheus instruments and
// the HTTP server that serves them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sessionkeeper"

// Operation outcomes.
const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeReplay   = "replay"
	OutcomeError    = "error"
)

// Metrics owns a private registry so tests and multiple servers in one
// process never collide. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	OperationsTotal     *prometheus.CounterVec
	ChainRevokedRecords prometheus.Histogram
	ChainDepthOverflow  prometheus.Counter
}

// New builds and registers all instruments plus the Go and process
// collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		OperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Session operations by outcome.",
		}, []string{"operation", "outcome"}),
		ChainRevokedRecords: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chain_revoked_records",
			Help:      "Records revoked by one replay-triggered chain sweep.",
			Buckets:   []float64{0, 1, 2, 4, 8, 16, 32, 64},
		}),
		ChainDepthOverflow: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chain_depth_overflow_total",
			Help:      "Chain walks that hit the configured depth bound.",
		}),
	}

	reg.MustRegister(
		m.OperationsTotal,
		m.ChainRevokedRecords,
		m.ChainDepthOverflow,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (m *Metrics) ObserveOperation(operation, outcome string) {
	if m == nil {
		return
	}
	m.OperationsTotal.WithLabelValues(operation, outcome).Inc()
}

func (m *Metrics) ObserveChainRevoked(n int) {
	if m == nil {
		return
	}
	m.ChainRevokedRecords.Observe(float64(n))
}

func (m *Metrics) IncChainDepthOverflow() {
	if m == nil {
		return
	}
	m.ChainDepthOverflow.Inc()
}
