// Package metrics exposes Prometheus collectors for dispatch and gate activity.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the coordinator's collectors on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	dispatches *prometheus.CounterVec
	durations  *prometheus.HistogramVec
	fallbacks  *prometheus.CounterVec
	verdicts   *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "squadline",
			Name:      "dispatch_total",
			Help:      "Backend dispatches by role, backend and status.",
		}, []string{"role", "backend", "status"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "squadline",
			Name:      "dispatch_duration_seconds",
			Help:      "Wall-clock duration of backend invocations.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"backend"}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "squadline",
			Name:      "backend_fallback_total",
			Help:      "Overrides replaced by the role default.",
		}, []string{"role"}),
		verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "squadline",
			Name:      "gate_verdicts_total",
			Help:      "Quality gate verdicts.",
		}, []string{"verdict"}),
	}
	m.Registry.MustRegister(m.dispatches, m.durations, m.fallbacks, m.verdicts)
	return m
}

func (m *Metrics) ObserveDispatch(role, backend, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(role, backend, status).Inc()
	if backend != "" {
		m.durations.WithLabelValues(backend).Observe(d.Seconds())
	}
}

func (m *Metrics) ObserveFallback(role string) {
	if m == nil {
		return
	}
	m.fallbacks.WithLabelValues(role).Inc()
}

func (m *Metrics) ObserveVerdict(verdict string) {
	if m == nil {
		return
	}
	m.verdicts.WithLabelValues(verdict).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
