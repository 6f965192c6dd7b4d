package flow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for run orchestration.
//
// Metrics exposed (all namespaced "taskflow_"):
//
//   - runs_total (counter, labels: status): terminal run outcomes.
//   - active_runs (gauge): run workers currently alive.
//   - steps_total (counter, labels: node_id, status): step outcomes.
//   - step_latency_seconds (histogram, labels: node_id): step durations.
//   - retries_total (counter, labels: node_id): scheduled step retries.
//   - reflections_total (counter, labels: failure_mode, action): reflection decisions.
//   - llm_tokens_total (counter, labels: model, kind): prompt/completion tokens.
//   - llm_cost_usd_total (counter, labels: model): spend per model.
//
// A nil *Metrics is valid and records nothing, so wiring stays optional.
type Metrics struct {
	runsTotal   *prometheus.CounterVec
	activeRuns  prometheus.Gauge
	stepsTotal  *prometheus.CounterVec
	stepLatency *prometheus.HistogramVec
	retries     *prometheus.CounterVec
	reflections *prometheus.CounterVec
	llmTokens   *prometheus.CounterVec
	llmCostUSD  *prometheus.CounterVec
}

// NewMetrics creates and registers the orchestrator metrics. Pass
// prometheus.DefaultRegisterer for the global registry.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)
	return &Metrics{
		runsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskflow",
			Name:      "runs_total",
			Help:      "Terminal run outcomes by status.",
		}, []string{"status"}),
		activeRuns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskflow",
			Name:      "active_runs",
			Help:      "Run workers currently alive.",
		}),
		stepsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskflow",
			Name:      "steps_total",
			Help:      "Step outcomes by node and status.",
		}, []string{"node_id", "status"}),
		stepLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "taskflow",
			Name:      "step_latency_seconds",
			Help:      "Step execution duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"node_id"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskflow",
			Name:      "retries_total",
			Help:      "Scheduled step retries by node.",
		}, []string{"node_id"}),
		reflections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskflow",
			Name:      "reflections_total",
			Help:      "Reflection decisions by failure mode and action.",
		}, []string{"failure_mode", "action"}),
		llmTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskflow",
			Name:      "llm_tokens_total",
			Help:      "Model tokens consumed, by model and kind (prompt/completion).",
		}, []string{"model", "kind"}),
		llmCostUSD: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskflow",
			Name:      "llm_cost_usd_total",
			Help:      "Estimated model spend in USD by model.",
		}, []string{"model"}),
	}
}

// RunStarted marks a run worker as alive.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.activeRuns.Inc()
}

// RunFinished records a terminal run outcome and releases the worker.
func (m *Metrics) RunFinished(status RunStatus) {
	if m == nil {
		return
	}
	m.activeRuns.Dec()
	m.runsTotal.WithLabelValues(string(status)).Inc()
}

// StepObserved records a step outcome and its duration.
func (m *Metrics) StepObserved(nodeID string, status StepStatus, duration time.Duration) {
	if m == nil {
		return
	}
	m.stepsTotal.WithLabelValues(nodeID, string(status)).Inc()
	m.stepLatency.WithLabelValues(nodeID).Observe(duration.Seconds())
}

// RetryScheduled records a retry for a node.
func (m *Metrics) RetryScheduled(nodeID string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(nodeID).Inc()
}

// ReflectionDecided records a reflection decision.
func (m *Metrics) ReflectionDecided(mode FailureMode, action ReflectionAction) {
	if m == nil {
		return
	}
	m.reflections.WithLabelValues(string(mode), string(action)).Inc()
}

// ModelUsage records token and dollar spend for one model call.
func (m *Metrics) ModelUsage(model string, promptTokens, completionTokens int, usd float64) {
	if m == nil {
		return
	}
	m.llmTokens.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	m.llmTokens.WithLabelValues(model, "completion").Add(float64(completionTokens))
	m.llmCostUSD.WithLabelValues(model).Add(usd)
}
