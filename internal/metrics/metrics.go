// Package metrics defines the platform's Prometheus metrics and the named
// scalar query source consumed by the control-plane reconciler.
//
// Metric naming follows Prometheus conventions:
//   - reguard_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TasksSubmitted counts tasks accepted by the orchestrator queue.
	TasksSubmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reguard_tasks_submitted_total",
			Help: "Total tasks accepted into the orchestrator queue.",
		},
	)

	// TasksRejected counts submissions refused due to queue overflow or shutdown.
	TasksRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reguard_tasks_rejected_total",
			Help: "Total task submissions rejected by the orchestrator.",
		},
	)

	// TasksCompleted counts finished task executions by terminal status.
	TasksCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reguard_tasks_completed_total",
			Help: "Total completed task executions by status.",
		},
		[]string{"agent_type", "status"},
	)

	// TaskDurationSeconds is a histogram of task execution duration.
	TaskDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reguard_task_duration_seconds",
			Help:    "Duration of agent task executions in seconds.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30},
		},
		[]string{"agent_type"},
	)

	// QueueDepth is the current orchestrator task queue depth.
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "reguard_queue_depth",
			Help: "Current number of tasks waiting in the orchestrator queue.",
		},
	)

	// RuleExecutions counts rule executions by kind and outcome.
	RuleExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reguard_rule_executions_total",
			Help: "Total rule executions by rule kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	// TransactionsEvaluated counts per-transaction evaluations by recommendation.
	TransactionsEvaluated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reguard_transactions_evaluated_total",
			Help: "Total transaction evaluations by recommendation.",
		},
		[]string{"recommendation"},
	)

	// MessagesTranslated counts translation attempts by protocol pair and result.
	MessagesTranslated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reguard_messages_translated_total",
			Help: "Total message translations by source, target, and result.",
		},
		[]string{"source", "target", "result"},
	)

	// FabricConnections is the current WebSocket pool size.
	FabricConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "reguard_fabric_connections",
			Help: "Current number of pooled WebSocket connections.",
		},
	)

	// FabricMessagesSent counts frames handed to connection transports.
	FabricMessagesSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reguard_fabric_messages_sent_total",
			Help: "Total WebSocket frames handed to connection transports.",
		},
	)

	// ChangesRecorded counts audit journal appends by operation and impact.
	ChangesRecorded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reguard_changes_recorded_total",
			Help: "Total journaled changes by operation and impact.",
		},
		[]string{"operation", "impact"},
	)
)

// Registry holds every reguard collector. The management server serves it at
// /metrics.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		TasksSubmitted,
		TasksRejected,
		TasksCompleted,
		TaskDurationSeconds,
		QueueDepth,
		RuleExecutions,
		TransactionsEvaluated,
		MessagesTranslated,
		FabricConnections,
		FabricMessagesSent,
		ChangesRecorded,
	)
}

// Handler returns the HTTP handler serving the reguard registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordTaskComplete records metrics for one finished task execution.
func RecordTaskComplete(agentType, status string, duration time.Duration) {
	TasksCompleted.WithLabelValues(agentType, status).Inc()
	TaskDurationSeconds.WithLabelValues(agentType).Observe(duration.Seconds())
}
