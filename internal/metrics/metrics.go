// Package metrics records Prometheus metrics for graph turns, node visits,
// oracle calls, tool calls and bulk update runs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder is the metrics sink used across the service.
type Recorder interface {
	ObserveNode(node, next, outcome string, duration time.Duration)
	ObserveOracle(kind, model string, success bool, duration time.Duration)
	ObserveUsage(model string, promptTokens, completionTokens int, cost float64)
	ObserveTool(agent, tool, outcome string, duration time.Duration)
	ObservePipeline(success bool, processed, updated, missing int, duration time.Duration)
	ObserveTurn(outcome string, steps int, duration time.Duration)
}

// Nop discards everything.
type Nop struct{}

func (Nop) ObserveNode(string, string, string, time.Duration)  {}
func (Nop) ObserveOracle(string, string, bool, time.Duration)  {}
func (Nop) ObserveUsage(string, int, int, float64)             {}
func (Nop) ObserveTool(string, string, string, time.Duration)  {}
func (Nop) ObservePipeline(bool, int, int, int, time.Duration) {}
func (Nop) ObserveTurn(string, int, time.Duration)             {}

// OrNop returns r, or Nop when r is nil.
func OrNop(r Recorder) Recorder {
	if r == nil {
		return Nop{}
	}
	return r
}

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	nodeVisits       *prometheus.CounterVec
	nodeDuration     *prometheus.HistogramVec
	oracleRequests   *prometheus.CounterVec
	oracleDuration   *prometheus.HistogramVec
	oracleTokens     *prometheus.CounterVec
	oracleCost       *prometheus.CounterVec
	toolCalls        *prometheus.CounterVec
	toolDuration     *prometheus.HistogramVec
	pipelineRuns     *prometheus.CounterVec
	pipelineRecords  *prometheus.CounterVec
	pipelineDuration prometheus.Histogram
	turns            *prometheus.CounterVec
	turnSteps        prometheus.Histogram
	turnDuration     prometheus.Histogram
}

// NewPrometheusRecorder registers every metric on reg. Tests pass a fresh
// prometheus.NewRegistry(); the server passes prometheus.DefaultRegisterer.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	f := promauto.With(reg)
	return &PrometheusRecorder{
		nodeVisits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "slaq_node_visits_total",
			Help: "Node visits by node, next node and outcome",
		}, []string{"node", "next", "outcome"}),
		nodeDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "slaq_node_duration_seconds",
			Help:    "Duration of node visits in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"node"}),
		oracleRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "slaq_oracle_requests_total",
			Help: "Decision oracle requests by kind, model and status",
		}, []string{"kind", "model", "status"}),
		oracleDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "slaq_oracle_request_duration_seconds",
			Help:    "Duration of decision oracle requests in seconds",
			Buckets: []float64{.25, .5, 1, 2, 5, 10, 20, 40, 80},
		}, []string{"kind", "model"}),
		oracleTokens: f.NewCounterVec(prometheus.CounterOpts{
			Name: "slaq_oracle_tokens_total",
			Help: "Tokens used by oracle calls",
		}, []string{"model", "type"}),
		oracleCost: f.NewCounterVec(prometheus.CounterOpts{
			Name: "slaq_oracle_cost_usd_total",
			Help: "Cost in USD of oracle calls",
		}, []string{"model"}),
		toolCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "slaq_tool_calls_total",
			Help: "Tool calls by agent, tool and outcome",
		}, []string{"agent", "tool", "outcome"}),
		toolDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "slaq_tool_duration_seconds",
			Help:    "Duration of tool calls in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool"}),
		pipelineRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "slaq_update_pipeline_runs_total",
			Help: "Bulk metadata update runs by status",
		}, []string{"status"}),
		pipelineRecords: f.NewCounterVec(prometheus.CounterOpts{
			Name: "slaq_update_pipeline_records_total",
			Help: "Records seen by the bulk update pipeline",
		}, []string{"type"}),
		pipelineDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "slaq_update_pipeline_duration_seconds",
			Help:    "Duration of bulk update runs in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		turns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "slaq_turns_total",
			Help: "Conversation turns by outcome",
		}, []string{"outcome"}),
		turnSteps: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "slaq_turn_steps",
			Help:    "Node visits per turn",
			Buckets: prometheus.LinearBuckets(2, 2, 12),
		}),
		turnDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "slaq_turn_duration_seconds",
			Help:    "Wall clock duration of a turn in seconds",
			Buckets: []float64{1, 2, 5, 10, 20, 40, 80, 160, 300},
		}),
	}
}

func (p *PrometheusRecorder) ObserveNode(node, next, outcome string, duration time.Duration) {
	p.nodeVisits.WithLabelValues(node, next, outcome).Inc()
	p.nodeDuration.WithLabelValues(node).Observe(duration.Seconds())
}

func (p *PrometheusRecorder) ObserveOracle(kind, model string, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	p.oracleRequests.WithLabelValues(kind, model, status).Inc()
	p.oracleDuration.WithLabelValues(kind, model).Observe(duration.Seconds())
}

func (p *PrometheusRecorder) ObserveUsage(model string, promptTokens, completionTokens int, cost float64) {
	p.oracleTokens.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	p.oracleTokens.WithLabelValues(model, "completion").Add(float64(completionTokens))
	p.oracleCost.WithLabelValues(model).Add(cost)
}

func (p *PrometheusRecorder) ObserveTool(agent, tool, outcome string, duration time.Duration) {
	p.toolCalls.WithLabelValues(agent, tool, outcome).Inc()
	p.toolDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func (p *PrometheusRecorder) ObservePipeline(success bool, processed, updated, missing int, duration time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	p.pipelineRuns.WithLabelValues(status).Inc()
	p.pipelineRecords.WithLabelValues("processed").Add(float64(processed))
	p.pipelineRecords.WithLabelValues("updated").Add(float64(updated))
	p.pipelineRecords.WithLabelValues("missing_attribute").Add(float64(missing))
	p.pipelineDuration.Observe(duration.Seconds())
}

func (p *PrometheusRecorder) ObserveTurn(outcome string, steps int, duration time.Duration) {
	p.turns.WithLabelValues(outcome).Inc()
	p.turnSteps.Observe(float64(steps))
	p.turnDuration.Observe(duration.Seconds())
}
