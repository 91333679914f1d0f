package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMetricsRegistration(t *testing.T) {
	// promauto registers on init; just verify the vars exist.
	assert.NotNil(t, TasksSubmitted)
	assert.NotNil(t, TasksCompleted)
	assert.NotNil(t, TaskDuration)
	assert.NotNil(t, TaskRetries)

	assert.NotNil(t, PoolQueueDepth)
	assert.NotNil(t, PoolActiveWorkers)
	assert.NotNil(t, PoolStealsSucceeded)
	assert.NotNil(t, PoolStealsFailed)

	assert.NotNil(t, SchedulerCurrentTick)
	assert.NotNil(t, SchedulerPendingCount)
	assert.NotNil(t, SchedulerSweepDuration)
	assert.NotNil(t, SchedulerDispatched)
}

func TestRecordTaskSubmission(t *testing.T) {
	RecordTaskSubmission()
	RecordTaskSubmission()
}

func TestRecordTaskCompletion(t *testing.T) {
	RecordTaskCompletion("completed", 1.5)
	RecordTaskCompletion("failed", 0.5)
}

func TestRecordTaskRetry(t *testing.T) {
	RecordTaskRetry()
	RecordTaskRetry()
}

func TestSetPoolQueueDepth(t *testing.T) {
	PoolQueueDepth.Reset()

	SetPoolQueueDepth("worker-0", 4)
	SetPoolQueueDepth("worker-1", 0)
}

func TestSetPoolActiveWorkers(t *testing.T) {
	SetPoolActiveWorkers(5)
	SetPoolActiveWorkers(0)
}

func TestRecordSteals(t *testing.T) {
	RecordStealSucceeded()
	RecordStealFailed()
}

func TestSchedulerGauges(t *testing.T) {
	SetSchedulerTick(42)
	SetSchedulerPending(3)
	RecordSweepDuration(0.002)
	RecordDispatch()
}
