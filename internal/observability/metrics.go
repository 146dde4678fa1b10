package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the runtime's Prometheus collectors.
//
// Collectors are registered on the registry passed to NewMetrics rather than
// the global default, so several runtimes (and tests) can coexist in one
// process. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	// LLMRequestCounter counts LLM requests.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMRequestDuration measures LLM round-trip latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (input|output)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// LoopTurns observes how many turns each loop run used.
	// Labels: outcome (done|max_turns|error)
	LoopTurns *prometheus.HistogramVec

	// Failovers counts provider switches.
	// Labels: from, to
	Failovers *prometheus.CounterVec

	// Compactions counts compaction attempts.
	// Labels: status (compacted|skipped|error)
	Compactions *prometheus.CounterVec

	// RouterHits counts intent routing decisions.
	// Labels: level (exact|pattern|llm_fallback)
	RouterHits *prometheus.CounterVec

	// SandboxCalls counts plugin sandbox calls.
	// Labels: plugin, outcome (ok|timeout|fuel|memory|trap|failed)
	SandboxCalls *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// gets a fresh registry.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		LLMRequestCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "openintent_llm_requests_total",
			Help: "Total number of LLM requests by provider, model, and status",
		}, []string{"provider", "model", "status"}),
		LLMRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "openintent_llm_request_duration_seconds",
			Help:    "Duration of LLM API requests in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "model"}),
		LLMTokensUsed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "openintent_llm_tokens_total",
			Help: "Total number of tokens used by provider, model, and type",
		}, []string{"provider", "model", "type"}),
		ToolExecutionCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "openintent_tool_executions_total",
			Help: "Total number of tool executions by tool name and status",
		}, []string{"tool_name", "status"}),
		ToolExecutionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "openintent_tool_execution_duration_seconds",
			Help:    "Duration of tool executions in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool_name"}),
		LoopTurns: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "openintent_loop_turns",
			Help:    "Turns used per agent loop run",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 20, 30},
		}, []string{"outcome"}),
		Failovers: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "openintent_failovers_total",
			Help: "Provider failovers by source and destination provider",
		}, []string{"from", "to"}),
		Compactions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "openintent_compactions_total",
			Help: "Conversation compaction attempts by status",
		}, []string{"status"}),
		RouterHits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "openintent_router_decisions_total",
			Help: "Intent router decisions by level",
		}, []string{"level"}),
		SandboxCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "openintent_sandbox_calls_total",
			Help: "Plugin sandbox calls by plugin and outcome",
		}, []string{"plugin", "outcome"}),
	}
}

// RecordLLMRequest records one provider round trip.
func (m *Metrics) RecordLLMRequest(provider, model string, elapsed time.Duration, inputTokens, outputTokens int64, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(elapsed.Seconds())
	if inputTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
	}
}

// RecordToolExecution records one tool call.
func (m *Metrics) RecordToolExecution(tool string, elapsed time.Duration, failed bool) {
	if m == nil {
		return
	}
	status := "success"
	if failed {
		status = "error"
	}
	m.ToolExecutionCounter.WithLabelValues(tool, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(tool).Observe(elapsed.Seconds())
}

// RecordLoop records the outcome of a loop run.
func (m *Metrics) RecordLoop(outcome string, turns int) {
	if m == nil {
		return
	}
	m.LoopTurns.WithLabelValues(outcome).Observe(float64(turns))
}

// RecordFailover records a provider switch.
func (m *Metrics) RecordFailover(from, to string) {
	if m == nil {
		return
	}
	m.Failovers.WithLabelValues(from, to).Inc()
}

// RecordCompaction records a compaction attempt.
func (m *Metrics) RecordCompaction(status string) {
	if m == nil {
		return
	}
	m.Compactions.WithLabelValues(status).Inc()
}

// RecordRoute records a router decision.
func (m *Metrics) RecordRoute(level string) {
	if m == nil {
		return
	}
	m.RouterHits.WithLabelValues(level).Inc()
}

// RecordSandboxCall records a plugin sandbox call.
func (m *Metrics) RecordSandboxCall(plugin, outcome string) {
	if m == nil {
		return
	}
	m.SandboxCalls.WithLabelValues(plugin, outcome).Inc()
}
