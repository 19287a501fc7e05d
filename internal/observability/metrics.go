package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	inferenceTotal    *prometheus.CounterVec
	inferenceDuration *prometheus.HistogramVec
	malformedTotal    prometheus.Counter
	turnTotal         *prometheus.CounterVec
	turnDuration      prometheus.Histogram

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec

	retrievalQueryTotal    *prometheus.CounterVec
	retrievalQueryDuration prometheus.Histogram
	chunksEmbeddedTotal    prometheus.Counter

	recoveryDecisionTotal *prometheus.CounterVec

	checkpointLoadDuration prometheus.Histogram
	checkpointSaveDuration prometheus.Histogram
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			inferenceTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "ally_inference_total",
					Help: "Total model inferences by provider and status.",
				},
				[]string{"provider", "status"},
			),
			inferenceDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "ally_inference_duration_seconds",
					Help:    "Model inference duration in seconds by provider.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			malformedTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "ally_malformed_toolcall_total",
					Help: "Total AI messages classified as malformed tool calls.",
				},
			),
			turnTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "ally_turn_total",
					Help: "Total conversation turns by outcome.",
				},
				[]string{"outcome"},
			),
			turnDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "ally_turn_duration_seconds",
					Help:    "Conversation turn duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "ally_tool_execution_total",
					Help: "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "ally_tool_execution_duration_seconds",
					Help:    "Tool execution duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			retrievalQueryTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "ally_retrieval_query_total",
					Help: "Total retrieval lookups by status.",
				},
				[]string{"status"},
			),
			retrievalQueryDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "ally_retrieval_query_duration_seconds",
					Help:    "Retrieval lookup duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			chunksEmbeddedTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "ally_chunks_embedded_total",
					Help: "Total document chunks embedded.",
				},
			),
			recoveryDecisionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "ally_recovery_decision_total",
					Help: "Total recovery decisions by error kind and action.",
				},
				[]string{"kind", "action"},
			),
			checkpointLoadDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "ally_checkpoint_load_duration_seconds",
					Help:    "Checkpoint load duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			checkpointSaveDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "ally_checkpoint_save_duration_seconds",
					Help:    "Checkpoint save duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
		}

		prometheus.MustRegister(
			m.inferenceTotal,
			m.inferenceDuration,
			m.malformedTotal,
			m.turnTotal,
			m.turnDuration,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.retrievalQueryTotal,
			m.retrievalQueryDuration,
			m.chunksEmbeddedTotal,
			m.recoveryDecisionTotal,
			m.checkpointLoadDuration,
			m.checkpointSaveDuration,
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

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func RecordInference(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	m.inferenceTotal.WithLabelValues(provider, status(success)).Inc()
	m.inferenceDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func RecordMalformedToolCall() {
	getMetrics().malformedTotal.Inc()
}

// RecordTurn records a finished turn; outcome is "terminal" or an error kind.
func RecordTurn(outcome string, duration time.Duration) {
	m := getMetrics()
	m.turnTotal.WithLabelValues(outcome).Inc()
	m.turnDuration.Observe(duration.Seconds())
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	m.toolExecutionTotal.WithLabelValues(tool, status(success)).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func RecordRetrievalQuery(duration time.Duration, success bool) {
	m := getMetrics()
	m.retrievalQueryTotal.WithLabelValues(status(success)).Inc()
	m.retrievalQueryDuration.Observe(duration.Seconds())
}

func AddChunksEmbedded(n int) {
	getMetrics().chunksEmbeddedTotal.Add(float64(n))
}

func RecordRecoveryDecision(kind, action string) {
	getMetrics().recoveryDecisionTotal.WithLabelValues(kind, action).Inc()
}

func RecordCheckpointLoad(duration time.Duration) {
	getMetrics().checkpointLoadDuration.Observe(duration.Seconds())
}

func RecordCheckpointSave(duration time.Duration) {
	getMetrics().checkpointSaveDuration.Observe(duration.Seconds())
}
