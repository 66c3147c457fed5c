package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the service exports.
//
// The metrics track:
//   - session lifecycle transitions and in-flight runs
//   - model request latency, outcome and token usage
//   - tool execution counts and latency
//   - credential fallbacks between providers
//   - live-update fan-out
//   - HTTP API latency
//
// Usage:
//
//	metrics := observability.NewMetrics(prometheus.NewRegistry())
//	metrics.RecordSessionStatus("completed")
type Metrics struct {
	// SessionTransitions counts status changes.
	// Labels: status (queued|running|completed|error)
	SessionTransitions *prometheus.CounterVec

	// ActiveRuns is the number of sessions whose sampling loop is executing.
	ActiveRuns prometheus.Gauge

	// RunDuration measures a run from start to terminal status in seconds.
	// Labels: status
	RunDuration *prometheus.HistogramVec

	// LLMRequestDuration measures model call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts model calls.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (input|output)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error|panic)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// ProviderFallbacks counts credential fallbacks.
	// Labels: from, to
	ProviderFallbacks *prometheus.CounterVec

	// EventsPublished counts live-update events handed to the distributor.
	// Labels: type
	EventsPublished *prometheus.CounterVec

	// Subscribers is the number of attached push subscribers.
	Subscribers prometheus.Gauge

	// HTTPRequestDuration measures HTTP API latency.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers the collectors with reg. A nil reg uses
// the Prometheus default registerer. Registering twice on the same registry
// panics, so callers create Metrics once per process or per test registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		SessionTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deskpilot_session_transitions_total",
				Help: "Total number of session status transitions by target status",
			},
			[]string{"status"},
		),

		ActiveRuns: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "deskpilot_active_runs",
				Help: "Current number of running agent sessions",
			},
		),

		RunDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "deskpilot_run_duration_seconds",
				Help:    "Duration of agent session runs in seconds",
				Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"status"},
		),

		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "deskpilot_llm_request_duration_seconds",
				Help:    "Duration of model requests in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"provider", "model"},
		),

		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deskpilot_llm_requests_total",
				Help: "Total number of model requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deskpilot_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deskpilot_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "deskpilot_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 120},
			},
			[]string{"tool_name"},
		),

		ProviderFallbacks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deskpilot_provider_fallbacks_total",
				Help: "Total number of sessions switched to a fallback provider for missing credentials",
			},
			[]string{"from", "to"},
		),

		EventsPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deskpilot_events_published_total",
				Help: "Total number of live-update events published by type",
			},
			[]string{"type"},
		),

		Subscribers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "deskpilot_stream_subscribers",
				Help: "Current number of attached push subscribers",
			},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "deskpilot_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),
	}
}

// RecordSessionStatus counts a transition into status. Nil-safe like every
// recorder below so components can run without metrics.
func (m *Metrics) RecordSessionStatus(status string) {
	if m == nil {
		return
	}
	m.SessionTransitions.WithLabelValues(status).Inc()
}

// RunStarted increments the active runs gauge.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.ActiveRuns.Inc()
}

// RunEnded decrements the active runs gauge and records the run duration.
func (m *Metrics) RunEnded(status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ActiveRuns.Dec()
	m.RunDuration.WithLabelValues(status).Observe(durationSeconds)
}

// RecordLLMRequest records metrics for one model call.
//
//	start := time.Now()
//	// ... call the model ...
//	metrics.RecordLLMRequest("anthropic", "claude-sonnet-4-5-20250929", "success", time.Since(start).Seconds(), in, out)
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64, inputTokens, outputTokens int64) {
	if m == nil {
		return
	}
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if inputTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
	}
}

// RecordToolExecution records metrics for a tool execution.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordProviderFallback counts a credential fallback from one provider to another.
func (m *Metrics) RecordProviderFallback(from, to string) {
	if m == nil {
		return
	}
	m.ProviderFallbacks.WithLabelValues(from, to).Inc()
}

// RecordEventPublished counts a live-update event.
func (m *Metrics) RecordEventPublished(eventType string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(eventType).Inc()
}

// SubscriberAttached increments the subscriber gauge.
func (m *Metrics) SubscriberAttached() {
	if m == nil {
		return
	}
	m.Subscribers.Inc()
}

// SubscriberDetached decrements the subscriber gauge.
func (m *Metrics) SubscriberDetached() {
	if m == nil {
		return
	}
	m.Subscribers.Dec()
}

// RecordHTTPRequest records metrics for an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}
