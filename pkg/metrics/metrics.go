package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Process-wide Prometheus vectors, exported alongside the bounded
// in-memory sample ring buffers kept by internal/coordination/metrics.
var (
	TasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordination_tasks_total",
			Help: "Total number of tasks by terminal status",
		},
		[]string{"status", "task_type"},
	)

	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coordination_task_duration_seconds",
			Help:    "Task execution duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"task_type"},
	)

	TasksActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "coordination_tasks_active",
			Help: "Number of tasks currently running",
		},
		[]string{"worker_id"},
	)

	WorkerUtilization = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "coordination_worker_utilization",
			Help: "Normalized worker utilization in [0,1]",
		},
		[]string{"worker_id"},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "coordination_queue_depth",
			Help: "Depth of a named internal queue (scheduler ready, executor, per-worker)",
		},
		[]string{"queue"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "coordination_circuit_breaker_state",
			Help: "Circuit breaker state: 0=closed, 1=half_open, 2=open",
		},
		[]string{"target"},
	)

	ResourceWaitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coordination_resource_wait_seconds",
			Help:    "Time spent waiting to acquire a resource",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 10, 30},
		},
		[]string{"resource"},
	)

	WorkStealingEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordination_work_stealing_total",
			Help: "Total number of tasks migrated by the work-stealing balancer",
		},
		[]string{"src", "dst"},
	)

	DeadlocksDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordination_deadlocks_total",
			Help: "Total number of deadlocks detected and broken",
		},
		[]string{},
	)

	MessagesRouted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordination_messages_routed_total",
			Help: "Total number of messages delivered by the router",
		},
		[]string{"kind"},
	)

	ErrorsByKind = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordination_errors_total",
			Help: "Total number of errors by taxonomy kind",
		},
		[]string{"kind"},
	)
)

// RecordTaskTerminal records a task reaching a terminal status.
func RecordTaskTerminal(status, taskType string) {
	TasksTotal.WithLabelValues(status, taskType).Inc()
}

// RecordTaskDuration records the wall-clock duration of a completed task.
func RecordTaskDuration(taskType string, seconds float64) {
	TaskDuration.WithLabelValues(taskType).Observe(seconds)
}

// RecordWorkerUtilization publishes a worker's latest utilization sample.
func RecordWorkerUtilization(workerID string, utilization float64) {
	WorkerUtilization.WithLabelValues(workerID).Set(utilization)
}

// RecordWorkStealing records a completed steal batch.
func RecordWorkStealing(src, dst string, count int) {
	WorkStealingEvents.WithLabelValues(src, dst).Add(float64(count))
}

// RecordError records an occurrence of a taxonomy error kind.
func RecordError(kind string) {
	ErrorsByKind.WithLabelValues(kind).Inc()
}
