// Package metrics holds the Prometheus collectors for pipeline runs.
// Every method is safe to call on a nil *Metrics, so components can treat
// metrics as optional.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "buildforge"

// Metrics groups the collectors exported by the engine.
type Metrics struct {
	RoutingDecisions *prometheus.CounterVec
	StageDuration    *prometheus.HistogramVec
	StageRetries     *prometheus.CounterVec
	Tokens           *prometheus.CounterVec
	ToolCalls        *prometheus.CounterVec
	Runs             *prometheus.CounterVec
	CreditOperations *prometheus.CounterVec
	AsyncDropped     *prometheus.CounterVec
	GatewayRequests  *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
// A nil reg registers with prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		RoutingDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "routing_decisions_total",
				Help:      "Model routing decisions by agent and tier",
			},
			[]string{"agent", "tier"},
		),
		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Agent stage duration including retries and tool loops",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"stage", "outcome"},
		),
		StageRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_retries_total",
				Help:      "Agent node attempts that failed and were retried",
			},
			[]string{"stage"},
		),
		Tokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tokens_total",
				Help:      "Tokens consumed by agent calls",
			},
			[]string{"stage", "model", "source"},
		),
		ToolCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tool_calls_total",
				Help:      "Tool invocations by tool and status",
			},
			[]string{"tool", "status"},
		),
		Runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Pipeline runs by mode and outcome",
			},
			[]string{"mode", "outcome"},
		),
		CreditOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "credit_operations_total",
				Help:      "Credit reservations and refunds by result",
			},
			[]string{"operation", "result"},
		),
		AsyncDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "async_jobs_dropped_total",
				Help:      "Fire-and-forget jobs dropped because the queue was full",
			},
			[]string{"queue"},
		),
		GatewayRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gateway_requests_total",
				Help:      "Model gateway requests by model, mode and result",
			},
			[]string{"model", "mode", "result"},
		),
	}

	reg.MustRegister(
		m.RoutingDecisions,
		m.StageDuration,
		m.StageRetries,
		m.Tokens,
		m.ToolCalls,
		m.Runs,
		m.CreditOperations,
		m.AsyncDropped,
		m.GatewayRequests,
	)

	return m
}

// ObserveRoute counts a routing decision.
func (m *Metrics) ObserveRoute(agent, tier string) {
	if m == nil {
		return
	}
	m.RoutingDecisions.WithLabelValues(agent, tier).Inc()
}

// ObserveStage records how long a stage took and whether it succeeded.
func (m *Metrics) ObserveStage(stage, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage, outcome).Observe(d.Seconds())
}

// IncStageRetry counts a failed attempt that will be retried.
func (m *Metrics) IncStageRetry(stage string) {
	if m == nil {
		return
	}
	m.StageRetries.WithLabelValues(stage).Inc()
}

// AddTokens adds consumed tokens. source is "reported" or "estimated".
func (m *Metrics) AddTokens(stage, modelName, source string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Tokens.WithLabelValues(stage, modelName, source).Add(float64(n))
}

// IncToolCall counts a tool invocation.
func (m *Metrics) IncToolCall(tool, status string) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(tool, status).Inc()
}

// IncRun counts a run outcome (completed, failed, cancelled, rejected).
func (m *Metrics) IncRun(mode, outcome string) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(mode, outcome).Inc()
}

// IncCredit counts a credit gate operation.
func (m *Metrics) IncCredit(operation, result string) {
	if m == nil {
		return
	}
	m.CreditOperations.WithLabelValues(operation, result).Inc()
}

// IncDropped counts a dropped async job.
func (m *Metrics) IncDropped(queue string) {
	if m == nil {
		return
	}
	m.AsyncDropped.WithLabelValues(queue).Inc()
}

// IncGatewayRequest counts a gateway call.
func (m *Metrics) IncGatewayRequest(modelName, mode, result string) {
	if m == nil {
		return
	}
	m.GatewayRequests.WithLabelValues(modelName, mode, result).Inc()
}
