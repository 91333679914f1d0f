package scheduler

import (
	"sync/atomic"
	"time"

	"github.com/kestrel-systems/taskengine/pkg/task"
)

// CompletionCallback fires once a tick task has finished for good,
// regardless of outcome, after its last attempt's task has reached a
// terminal status. Attempts that are retried do not fire it.
type CompletionCallback func(t *task.Task, err error)

// tickTask binds a task.Task to its scheduling metadata: when it becomes
// eligible, what it waits on, and how it retries. A retry reuses the same
// tickTask rather than allocating a new one: its id, and therefore every
// dependent's pointer to it, stays valid for the task's entire retry
// sequence. task is swapped to a freshly cloned task.Task on each retry, so
// it is stored behind an atomic.Pointer rather than read and written under
// pendingMu like the rest of tickTask's scheduling fields.
type tickTask struct {
	id         uint64
	targetTick uint64
	priority   int

	task         atomic.Pointer[task.Task]
	dependencies []*tickTask
	onComplete   CompletionCallback

	retriesLeft   int
	retryInterval uint64
	timeout       time.Duration

	running   atomic.Bool
	completed atomic.Bool
}

func newTickTask(id uint64, t *task.Task, targetTick uint64, priority int, retryCount int, retryInterval uint64, timeout time.Duration) *tickTask {
	tt := &tickTask{
		id:            id,
		targetTick:    targetTick,
		priority:      priority,
		retriesLeft:   retryCount,
		retryInterval: retryInterval,
		timeout:       timeout,
	}
	tt.task.Store(t)
	return tt
}

// ready reports whether tt may be dispatched at the given tick, and
// whether that dispatch should be a dependency-failure abort rather than
// a normal run. A pending (not yet completed, not failed) dependency
// defers dispatch; a Failed dependency makes the task immediately
// abort-ready regardless of sibling dependencies still pending. A
// dependency that failed but still has retry budget left never reaches
// this check in the Failed state for long: handleFailure clones a fresh
// task into the same tickTask before the next sweep can observe it.
func (tt *tickTask) ready(currentTick uint64) (isReady bool, depFailed bool) {
	if tt.targetTick > currentTick {
		return false, false
	}
	for _, dep := range tt.dependencies {
		if dep.task.Load().Status() == task.StatusFailed {
			return true, true
		}
	}
	for _, dep := range tt.dependencies {
		if !dep.completed.Load() {
			return false, false
		}
	}
	return true, false
}

// TickTaskHandle is the stable reference returned by Schedule. It carries
// only the assigned id plus enough context to resolve the live task.Task,
// so callers can hold it across retries without caring which attempt is
// currently in flight.
type TickTaskHandle struct {
	id uint64
	s  *TickScheduler
}

// ID returns the tick task's scheduler-assigned identifier.
func (h *TickTaskHandle) ID() uint64 { return h.id }

// Task resolves the handle to the underlying task.Task, or nil if the id
// is no longer known to the scheduler. Across a retry this returns
// whichever attempt's task.Task is currently live.
func (h *TickTaskHandle) Task() *task.Task {
	t, err := h.s.GetByID(h.id)
	if err != nil {
		return nil
	}
	return t
}

// IsRunning reports whether this tick task's current attempt is dispatched
// to the pool (including the window between submission and the closure
// actually starting). False between retries, while it sits in the pending
// list waiting for its next target tick.
func (h *TickTaskHandle) IsRunning() bool {
	tt, ok := h.s.lookupLocked(h.id)
	if !ok {
		return false
	}
	return tt.running.Load()
}

// IsCompleted reports whether this tick task has finished for good: its
// underlying task reached Completed, reached Failed with no retry budget
// left, or it was aborted by a failed dependency. False while a retry is
// still pending.
func (h *TickTaskHandle) IsCompleted() bool {
	tt, ok := h.s.lookupLocked(h.id)
	if !ok {
		return false
	}
	return tt.completed.Load()
}
