// Package metrics exposes the pipeline's telemetry as Prometheus collectors.
// Recording is fire-and-forget: no caller ever blocks or fails because of the
// metrics sink.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// LLMCall is one generation-service attempt, successful or not.
type LLMCall struct {
	Model            string
	PromptTokens     int
	CompletionTokens int
	Duration         time.Duration
	Success          bool
	CostUSD          float64
}

// Sink receives pipeline telemetry.
type Sink interface {
	ObserveLLMCall(call LLMCall)
	SignalIngested(source string)
	DuplicateSkipped(source string)
	RunFinished(agent, status string, d time.Duration)
}

// Nop discards all telemetry. Used in tests.
type Nop struct{}

func (Nop) ObserveLLMCall(LLMCall)                    {}
func (Nop) SignalIngested(string)                     {}
func (Nop) DuplicateSkipped(string)                   {}
func (Nop) RunFinished(string, string, time.Duration) {}

// Prometheus is the production Sink.
type Prometheus struct {
	registry *prometheus.Registry

	llmCalls    *prometheus.CounterVec
	llmTokens   *prometheus.CounterVec
	llmLatency  *prometheus.HistogramVec
	llmCost     *prometheus.CounterVec
	ingested    *prometheus.CounterVec
	duplicates  *prometheus.CounterVec
	runs        *prometheus.CounterVec
	runDuration *prometheus.HistogramVec
}

// NewPrometheus creates a sink backed by its own registry.
func NewPrometheus() *Prometheus {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Prometheus{
		registry: reg,
		llmCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_llm_calls_total",
			Help: "Generation service attempts by model and outcome.",
		}, []string{"model", "outcome"}),
		llmTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_llm_tokens_total",
			Help: "Tokens consumed by model and direction.",
		}, []string{"model", "direction"}),
		llmLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pipeline_llm_latency_seconds",
			Help:    "Generation service call latency.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"model"}),
		llmCost: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_llm_cost_usd_total",
			Help: "Estimated generation cost in USD by model.",
		}, []string{"model"}),
		ingested: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_signals_ingested_total",
			Help: "Raw signals persisted by source.",
		}, []string{"source"}),
		duplicates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_signals_duplicate_total",
			Help: "Raw signals skipped as duplicate content by source.",
		}, []string{"source"}),
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_agent_runs_total",
			Help: "Agent runs by agent and final status.",
		}, []string{"agent", "status"}),
		runDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pipeline_agent_run_duration_seconds",
			Help:    "Agent run wall-clock duration.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"agent"}),
	}
}

// Handler serves the /metrics scrape endpoint.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *Prometheus) ObserveLLMCall(call LLMCall) {
	outcome := "success"
	if !call.Success {
		outcome = "failure"
	}
	p.llmCalls.WithLabelValues(call.Model, outcome).Inc()
	p.llmTokens.WithLabelValues(call.Model, "prompt").Add(float64(call.PromptTokens))
	p.llmTokens.WithLabelValues(call.Model, "completion").Add(float64(call.CompletionTokens))
	p.llmLatency.WithLabelValues(call.Model).Observe(call.Duration.Seconds())
	p.llmCost.WithLabelValues(call.Model).Add(call.CostUSD)
}

func (p *Prometheus) SignalIngested(source string) {
	p.ingested.WithLabelValues(source).Inc()
}

func (p *Prometheus) DuplicateSkipped(source string) {
	p.duplicates.WithLabelValues(source).Inc()
}

func (p *Prometheus) RunFinished(agent, status string, d time.Duration) {
	p.runs.WithLabelValues(agent, status).Inc()
	p.runDuration.WithLabelValues(agent).Observe(d.Seconds())
}
