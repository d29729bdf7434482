// Package metrics exports seal lifecycle counters and blob store breaker
// state in Prometheus format.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"secure.seal/internal/seal"
)

const namespace = "secure_seal"

// Metrics is a seal.Hook backed by its own registry.
type Metrics struct {
	registry    *prometheus.Registry
	events      *prometheus.CounterVec
	failures    *prometheus.CounterVec
	breaker     *prometheus.GaugeVec
	transitions *prometheus.CounterVec
}

var _ seal.Hook = (*Metrics)(nil)

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Seal lifecycle events by type and seal mode.",
		}, []string{"event", "mode"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_failures_total",
			Help:      "Rollbacks and non-critical storage failures by kind.",
		}, []string{"event", "detail"}),
		breaker: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
		}, []string{"name"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker state transitions.",
		}, []string{"name", "from", "to"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.events,
		m.failures,
		m.breaker,
		m.transitions,
	)
	return m
}

func (m *Metrics) Handle(_ context.Context, ev seal.Event) {
	mode := string(ev.Mode)
	if mode == "" {
		mode = "unknown"
	}
	m.events.WithLabelValues(string(ev.Type), mode).Inc()

	switch ev.Type {
	case seal.EventRollback, seal.EventRollbackFailed, seal.EventNonCriticalFailure:
		m.failures.WithLabelValues(string(ev.Type), ev.Detail).Inc()
	}
}

// BreakerStateChange matches resilience.Settings.OnStateChange.
func (m *Metrics) BreakerStateChange(name, from, to string) {
	m.transitions.WithLabelValues(name, from, to).Inc()
	m.breaker.WithLabelValues(name).Set(stateValue(to))
}

func stateValue(state string) float64 {
	switch state {
	case "half-open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
