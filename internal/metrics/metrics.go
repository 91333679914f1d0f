// Package metrics exposes the Prometheus surface for the pool,
// scheduler, and task packages, following the teacher repo's
// promauto-registered-at-init pattern.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Task metrics
	TasksSubmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskengine_tasks_submitted_total",
			Help: "Total number of tasks submitted to the pool or scheduler",
		},
	)

	TasksCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskengine_tasks_completed_total",
			Help: "Total number of tasks that reached a terminal state",
		},
		[]string{"status"}, // completed, failed (canceled and timed-out tasks count as failed)
	)

	TaskDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "taskengine_task_duration_seconds",
			Help:    "Task execution duration in seconds, from Running to terminal",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
		},
	)

	TaskRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskengine_task_retries_total",
			Help: "Total number of task retry re-schedules",
		},
	)

	// Pool metrics
	PoolQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskengine_pool_queue_depth",
			Help: "Current number of jobs waiting in a worker's local deque",
		},
		[]string{"worker_id"},
	)

	PoolActiveWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskengine_pool_active_workers",
			Help: "Current number of live worker goroutines",
		},
	)

	PoolStealsSucceeded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskengine_pool_steals_succeeded_total",
			Help: "Total number of jobs taken from another worker's deque",
		},
	)

	PoolStealsFailed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskengine_pool_steals_failed_total",
			Help: "Total number of steal attempts that found nothing to take",
		},
	)

	// Scheduler metrics
	SchedulerCurrentTick = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskengine_scheduler_current_tick",
			Help: "Current value of the scheduler's logical clock",
		},
	)

	SchedulerPendingCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskengine_scheduler_pending_count",
			Help: "Current number of tick tasks awaiting dispatch",
		},
	)

	SchedulerSweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "taskengine_scheduler_sweep_duration_seconds",
			Help:    "Time spent evaluating the pending list on one tick",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12), // 0.1ms to ~200ms
		},
	)

	SchedulerDispatched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskengine_scheduler_dispatched_total",
			Help: "Total number of tick tasks handed to the pool",
		},
	)
)

// RecordTaskSubmission records a task submission.
func RecordTaskSubmission() {
	TasksSubmitted.Inc()
}

// RecordTaskCompletion records a task reaching a terminal state and its
// running duration.
func RecordTaskCompletion(status string, duration float64) {
	TasksCompleted.WithLabelValues(status).Inc()
	TaskDuration.Observe(duration)
}

// RecordTaskRetry records a retry re-schedule.
func RecordTaskRetry() {
	TaskRetries.Inc()
}

// SetPoolQueueDepth updates a worker's local deque depth gauge.
func SetPoolQueueDepth(workerID string, depth float64) {
	PoolQueueDepth.WithLabelValues(workerID).Set(depth)
}

// SetPoolActiveWorkers sets the active-worker gauge.
func SetPoolActiveWorkers(count float64) {
	PoolActiveWorkers.Set(count)
}

// RecordStealSucceeded records a successful steal.
func RecordStealSucceeded() {
	PoolStealsSucceeded.Inc()
}

// RecordStealFailed records a steal attempt that found nothing.
func RecordStealFailed() {
	PoolStealsFailed.Inc()
}

// SetSchedulerTick sets the current-tick gauge.
func SetSchedulerTick(tick float64) {
	SchedulerCurrentTick.Set(tick)
}

// SetSchedulerPending sets the pending-count gauge.
func SetSchedulerPending(count float64) {
	SchedulerPendingCount.Set(count)
}

// RecordSweepDuration records one sweep's evaluation time.
func RecordSweepDuration(seconds float64) {
	SchedulerSweepDuration.Observe(seconds)
}

// RecordDispatch records a tick task handed to the pool.
func RecordDispatch() {
	SchedulerDispatched.Inc()
}
