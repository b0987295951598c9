// Package metrics exposes Prometheus collectors for authorization decisions.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// Metrics holds the collectors on a private registry.
type Metrics struct {
	registry             *prometheus.Registry
	decisions            *prometheus.CounterVec
	verificationDuration *prometheus.HistogramVec
	dispatches           *prometheus.CounterVec
}

// New creates and registers the collectors under namespace.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "gateway"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "authz",
				Name:      "decisions_total",
				Help:      "Total number of authorization decisions",
			},
			[]string{"class", "decision"},
		),
		verificationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "authz",
				Name:      "verification_duration_seconds",
				Help:      "Authorization check duration in seconds, including downstream verification",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"class"},
		),
		dispatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_total",
				Help:      "Total number of actions dispatched by the gateway",
			},
			[]string{"action", "outcome"},
		),
	}

	m.registry.MustRegister(
		m.decisions,
		m.verificationDuration,
		m.dispatches,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// ObserveDecision records one authorization outcome. Safe on a nil receiver.
func (m *Metrics) ObserveDecision(class string, allowed bool, duration time.Duration) {
	if m == nil {
		return
	}
	decision := DecisionDeny
	if allowed {
		decision = DecisionAllow
	}
	m.decisions.WithLabelValues(class, decision).Inc()
	m.verificationDuration.WithLabelValues(class).Observe(duration.Seconds())
}

// ObserveDispatch records one dispatched action. Safe on a nil receiver.
func (m *Metrics) ObserveDispatch(action string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.dispatches.WithLabelValues(action, outcome).Inc()
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}
