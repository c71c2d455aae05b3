// Package metrics defines the Prometheus metrics the single/dual-agent
// loops record for turns, model calls, tool executions, and project
// supervisor starts, generalized from
// the teacher's internal/observability.Metrics (channel/LLM/webhook
// counters) down to this engine's turn/tool/supervisor domain.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is a centralized Prometheus metrics bundle constructed once at
// process startup and handed to the agent loop, which records every metric.
type Metrics struct {
	// TurnsTotal counts completed turns by mode (build|plan) and outcome
	// (completed|error).
	TurnsTotal *prometheus.CounterVec

	// TurnDuration measures wall-clock turn latency in seconds.
	TurnDuration *prometheus.HistogramVec

	// ModelRequestsTotal counts model-client calls by role
	// (single|planner|review; dual-loop coder tasks record as single) and
	// status (success|error).
	ModelRequestsTotal *prometheus.CounterVec

	// ModelRequestDuration measures model-client call latency in seconds.
	ModelRequestDuration *prometheus.HistogramVec

	// ToolExecutionsTotal counts tool invocations by tool name and status.
	ToolExecutionsTotal *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution latency in seconds.
	ToolExecutionDuration *prometheus.HistogramVec

	// ProjectsRunning gauges projects currently in the running state.
	ProjectsRunning prometheus.Gauge

	// SupervisorStartsTotal counts supervisor start attempts by outcome
	// (started|error).
	SupervisorStartsTotal *prometheus.CounterVec

	// ErrorsTotal counts classified errors by toolerr class.
	ErrorsTotal *prometheus.CounterVec
}

// New constructs and registers every metric with the default Prometheus
// registry. Call once at startup.
func New() *Metrics {
	return &Metrics{
		TurnsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coderloop_turns_total",
				Help: "Total number of agent turns completed, by mode and outcome.",
			},
			[]string{"mode", "outcome"},
		),
		TurnDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "coderloop_turn_duration_seconds",
				Help:    "Wall-clock duration of a turn, from user message to done chunk.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"mode"},
		),
		ModelRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coderloop_model_requests_total",
				Help: "Total number of model client calls, by role and status.",
			},
			[]string{"role", "status"},
		),
		ModelRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "coderloop_model_request_duration_seconds",
				Help:    "Duration of a model client call in seconds.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"role"},
		),
		ToolExecutionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coderloop_tool_executions_total",
				Help: "Total number of tool executions, by tool name and status.",
			},
			[]string{"tool_name", "status"},
		),
		ToolExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "coderloop_tool_execution_duration_seconds",
				Help:    "Duration of a tool execution in seconds.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 90},
			},
			[]string{"tool_name"},
		),
		ProjectsRunning: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "coderloop_projects_running",
				Help: "Number of supervised projects currently in the running state.",
			},
		),
		SupervisorStartsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coderloop_supervisor_starts_total",
				Help: "Total number of project supervisor start attempts, by outcome.",
			},
			[]string{"outcome"},
		),
		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coderloop_errors_total",
				Help: "Total number of classified errors, by class.",
			},
			[]string{"class"},
		),
	}
}

// RecordTurn records one completed turn's outcome and duration.
func (m *Metrics) RecordTurn(mode, outcome string, durationSeconds float64) {
	m.TurnsTotal.WithLabelValues(mode, outcome).Inc()
	m.TurnDuration.WithLabelValues(mode).Observe(durationSeconds)
}

// RecordModelRequest records one model-client call.
func (m *Metrics) RecordModelRequest(role, status string, durationSeconds float64) {
	m.ModelRequestsTotal.WithLabelValues(role, status).Inc()
	m.ModelRequestDuration.WithLabelValues(role).Observe(durationSeconds)
}

// RecordToolExecution records one tool execution.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	m.ToolExecutionsTotal.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordSupervisorStart records one supervisor start attempt.
func (m *Metrics) RecordSupervisorStart(outcome string) {
	m.SupervisorStartsTotal.WithLabelValues(outcome).Inc()
}

// RecordError increments the classified-error counter.
func (m *Metrics) RecordError(class string) {
	m.ErrorsTotal.WithLabelValues(class).Inc()
}
