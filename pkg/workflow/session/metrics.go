package session

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/aromcp/workflow-server/pkg/workflow/engine"
)

// Metrics holds the Prometheus collectors for workflow execution.
type Metrics struct {
	starts   *prometheus.CounterVec
	finishes *prometheus.CounterVec
	steps    *prometheus.CounterVec
	retries  *prometheus.CounterVec
	failures *prometheus.CounterVec
	active   prometheus.Gauge
}

// NewMetrics builds and registers the collectors. Pass
// prometheus.DefaultRegisterer outside tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		starts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_starts_total",
			Help: "Workflow instances started, by workflow name.",
		}, []string{"workflow"}),
		finishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_finishes_total",
			Help: "Workflow instances finished, by workflow name and terminal status.",
		}, []string{"workflow", "status"}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_steps_total",
			Help: "Steps executed, by workflow name and step type.",
		}, []string{"workflow", "type"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_step_retries_total",
			Help: "Step retries consumed, by workflow name.",
		}, []string{"workflow"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_step_failures_total",
			Help: "Step failures entering the error pipeline, by workflow name and error kind.",
		}, []string{"workflow", "kind"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "workflow_active_instances",
			Help: "Currently running workflow instances.",
		}),
	}
	reg.MustRegister(m.starts, m.finishes, m.steps, m.retries, m.failures, m.active)
	return m
}

// Hooks adapts the collectors to the engine's event interface.
func (m *Metrics) Hooks() engine.Hooks {
	return engine.Hooks{
		StepExecuted: func(workflow, stepType string) {
			m.steps.WithLabelValues(workflow, stepType).Inc()
		},
		StepRetried: func(workflow string) {
			m.retries.WithLabelValues(workflow).Inc()
		},
		StepFailed: func(workflow, kind string) {
			m.failures.WithLabelValues(workflow, kind).Inc()
		},
	}
}

func (m *Metrics) workflowStarted(name string) {
	m.starts.WithLabelValues(name).Inc()
}

func (m *Metrics) workflowFinished(name, status string) {
	m.finishes.WithLabelValues(name, status).Inc()
}

func (m *Metrics) setActive(n int) {
	m.active.Set(float64(n))
}
