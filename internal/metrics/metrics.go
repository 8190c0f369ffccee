// Package metrics owns the Prometheus registry for the orchestrator.
// The registry is private to the app context so tests get fresh
// collectors per instance.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all orchestrator collectors
type Metrics struct {
	registry *prometheus.Registry

	RunsTotal         *prometheus.CounterVec
	ActiveRuns        prometheus.Gauge
	SlotsOccupied     prometheus.Gauge
	PhaseAttempts     *prometheus.CounterVec
	Retries           *prometheus.CounterVec
	DeadLetters       prometheus.Counter
	BreakerState      *prometheus.GaugeVec
	EngineInvocations *prometheus.CounterVec
}

// New creates a fresh registry with all collectors registered
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		RunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "runforge_runs_total",
			Help: "Workflow runs reaching a terminal status.",
		}, []string{"status"}),
		ActiveRuns: factory.NewGauge(prometheus.GaugeOpts{
			Name: "runforge_active_runs",
			Help: "Runs currently admitted and executing.",
		}),
		SlotsOccupied: factory.NewGauge(prometheus.GaugeOpts{
			Name: "runforge_slots_occupied",
			Help: "Execution slots currently held by runs.",
		}),
		PhaseAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "runforge_phase_attempts_total",
			Help: "Phase attempts by phase name and outcome.",
		}, []string{"phase", "outcome"}),
		Retries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "runforge_retries_total",
			Help: "Retry sleeps by external dependency.",
		}, []string{"dependency"}),
		DeadLetters: factory.NewCounter(prometheus.CounterOpts{
			Name: "runforge_dead_letters_total",
			Help: "Runs written to the dead-letter queue.",
		}),
		BreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "runforge_breaker_state",
			Help: "Circuit breaker state by dependency (0 closed, 1 half_open, 2 open).",
		}, []string{"dependency"}),
		EngineInvocations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "runforge_engine_invocations_total",
			Help: "Engine invocations by error kind; empty kind means success.",
		}, []string{"error_kind"}),
	}
}

// SetBreakerState records a breaker state as a numeric gauge
func (m *Metrics) SetBreakerState(dependency, state string) {
	var v float64
	switch state {
	case "half_open":
		v = 1
	case "open":
		v = 2
	}
	m.BreakerState.WithLabelValues(dependency).Set(v)
}

// Handler serves the registry over HTTP
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
