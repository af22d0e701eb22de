package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	conversationsTotal prometheus.Gauge
	storeLoadDuration  *prometheus.HistogramVec
	storeSaveDuration  *prometheus.HistogramVec

	generationTotal    *prometheus.CounterVec
	generationDuration *prometheus.HistogramVec
	generationTokens   *prometheus.CounterVec
	adaptedDropped     *prometheus.CounterVec

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec
	toolErrorsTotal       *prometheus.CounterVec
	approvalTotal         *prometheus.CounterVec

	chainOutcomeTotal  *prometheus.CounterVec
	chainIterations    prometheus.Histogram
	pendingCheckpoints prometheus.Gauge
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			conversationsTotal: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "parley_conversations",
					Help: "Current number of stored conversations.",
				},
			),
			storeLoadDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "parley_store_load_duration_seconds",
					Help:    "Conversation load duration in seconds by backend.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"backend"},
			),
			storeSaveDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "parley_store_save_duration_seconds",
					Help:    "Conversation save duration in seconds by backend.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"backend"},
			),
			generationTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "parley_generation_total",
					Help: "Total model generations by model and status.",
				},
				[]string{"model", "status"},
			),
			generationDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "parley_generation_duration_seconds",
					Help:    "Model generation duration in seconds by model.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"model"},
			),
			generationTokens: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "parley_generation_tokens_total",
					Help: "Tokens consumed by model and direction.",
				},
				[]string{"model", "direction"},
			),
			adaptedDropped: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "parley_adapter_dropped_messages_total",
					Help: "Messages dropped by context truncation by model.",
				},
				[]string{"model"},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "parley_tool_execution_total",
					Help: "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "parley_tool_execution_duration_seconds",
					Help:    "Tool execution duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			toolErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "parley_tool_errors_total",
					Help: "Total tool execution errors by tool.",
				},
				[]string{"tool"},
			),
			approvalTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "parley_tool_approval_total",
					Help: "Approval decisions by tool and outcome.",
				},
				[]string{"tool", "outcome"},
			),
			chainOutcomeTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "parley_chain_outcome_total",
					Help: "Tool chain runs by outcome (completed, truncated, loop, pending, error).",
				},
				[]string{"outcome"},
			),
			chainIterations: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "parley_chain_iterations",
					Help:    "Model rounds per tool chain run.",
					Buckets: []float64{1, 2, 3, 4, 5, 8, 13},
				},
			),
			pendingCheckpoints: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "parley_chain_pending_checkpoints",
					Help: "Suspended tool chains awaiting approval.",
				},
			),
		}

		prometheus.MustRegister(
			m.conversationsTotal,
			m.storeLoadDuration,
			m.storeSaveDuration,
			m.generationTotal,
			m.generationDuration,
			m.generationTokens,
			m.adaptedDropped,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.toolErrorsTotal,
			m.approvalTotal,
			m.chainOutcomeTotal,
			m.chainIterations,
			m.pendingCheckpoints,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func SetConversations(count int) {
	getMetrics().conversationsTotal.Set(float64(count))
}

func RecordStoreLoad(backend string, duration time.Duration) {
	getMetrics().storeLoadDuration.WithLabelValues(backend).Observe(duration.Seconds())
}

func RecordStoreSave(backend string, duration time.Duration) {
	getMetrics().storeSaveDuration.WithLabelValues(backend).Observe(duration.Seconds())
}

func RecordGeneration(model string, duration time.Duration, success bool, inputTokens, outputTokens int) {
	m := getMetrics()
	m.generationTotal.WithLabelValues(model, statusLabel(success)).Inc()
	m.generationDuration.WithLabelValues(model).Observe(duration.Seconds())
	if inputTokens > 0 {
		m.generationTokens.WithLabelValues(model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.generationTokens.WithLabelValues(model, "output").Add(float64(outputTokens))
	}
}

func RecordAdapterDropped(model string, dropped int) {
	if dropped <= 0 {
		return
	}
	getMetrics().adaptedDropped.WithLabelValues(model).Add(float64(dropped))
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	m.toolExecutionTotal.WithLabelValues(tool, statusLabel(success)).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
	if !success {
		m.toolErrorsTotal.WithLabelValues(tool).Inc()
	}
}

func RecordApproval(tool string, approved bool) {
	outcome := "denied"
	if approved {
		outcome = "approved"
	}
	getMetrics().approvalTotal.WithLabelValues(tool, outcome).Inc()
}

func RecordChainOutcome(outcome string, iterations int) {
	m := getMetrics()
	m.chainOutcomeTotal.WithLabelValues(outcome).Inc()
	if iterations > 0 {
		m.chainIterations.Observe(float64(iterations))
	}
}

func SetPendingCheckpoints(count int) {
	getMetrics().pendingCheckpoints.Set(float64(count))
}
