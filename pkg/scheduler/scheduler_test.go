package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-systems/taskengine/pkg/pool"
	"github.com/kestrel-systems/taskengine/pkg/task"
)

func newTestScheduler(t *testing.T, mode Mode) (*TickScheduler, *pool.Pool) {
	t.Helper()
	p, err := pool.NewPool(4)
	require.NoError(t, err)
	t.Cleanup(p.Shutdown)

	s, err := NewScheduler(p, 10*time.Millisecond, 0, mode)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s, p
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %s", timeout)
}

func TestNewScheduler_InvalidConfiguration(t *testing.T) {
	p, err := pool.NewPool(1)
	require.NoError(t, err)
	defer p.Shutdown()

	_, err = NewScheduler(p, 0, 0, ModeAuto)
	assert.ErrorIs(t, err, ErrInvalidConfiguration)

	_, err = NewScheduler(p, time.Millisecond, -1, ModeAuto)
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}

// Scenario 2 (spec.md §8): a dependency chain A -> B -> C, where B
// depends on A and C depends on B. Each closure appends its name to a
// shared log under a mutex. The dependency edges force A before B before
// C regardless of scheduling order.
func TestScheduler_DependencyChainEnforcesOrder(t *testing.T) {
	s, _ := newTestScheduler(t, ModeManual)

	var mu sync.Mutex
	var order []string
	record := func(name string) task.Func {
		return func(params task.Record) (task.Record, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil, nil
		}
	}

	hA, err := s.Schedule(ScheduleOptions{Name: "A"}, record("A"), nil)
	require.NoError(t, err)
	hB, err := s.Schedule(ScheduleOptions{Name: "B"}, record("B"), nil)
	require.NoError(t, err)
	hC, err := s.Schedule(ScheduleOptions{Name: "C"}, record("C"), nil)
	require.NoError(t, err)

	require.NoError(t, s.AddDependency(hB.ID(), hA.ID()))
	require.NoError(t, s.AddDependency(hC.ID(), hB.ID()))

	triggerUntil := func(cond func() bool) {
		for i := 0; i < 50 && !cond(); i++ {
			require.NoError(t, s.Trigger())
			time.Sleep(5 * time.Millisecond)
		}
		require.True(t, cond())
	}

	// Each sweep can only dispatch whichever link has become ready, so
	// trigger repeatedly until each stage of the chain has terminated
	// before checking the next.
	triggerUntil(func() bool { return hA.Task().Status().IsTerminal() })
	triggerUntil(func() bool { return hB.Task().Status().IsTerminal() })
	triggerUntil(func() bool { return hC.Task().Status().IsTerminal() })

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"A", "B", "C"}, order)
}

// Scenario 3 (spec.md §8): retry_count=2, retry_interval=3. The closure
// fails on its first two attempts and succeeds with result 42 on the
// third, which must run at least 2*3=6 ticks after registration.
func TestScheduler_RetryExhaustsThenSucceeds(t *testing.T) {
	s, _ := newTestScheduler(t, ModeManual)

	var attempts int
	var mu sync.Mutex
	fn := func(params task.Record) (task.Record, error) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 3 {
			return nil, assert.AnError
		}
		return task.Record{"value": 42}, nil
	}

	h, err := s.Schedule(ScheduleOptions{
		Name:          "retryable",
		RetryCount:    2,
		RetryInterval: 3,
	}, fn, nil)
	require.NoError(t, err)

	var finalResult task.Record
	var finalErr error
	done := make(chan struct{})
	require.NoError(t, s.SetCompletion(h.ID(), func(tk *task.Task, err error) {
		mu.Lock()
		n := attempts
		mu.Unlock()
		if n >= 3 {
			finalResult = tk.Result()
			finalErr = err
			close(done)
		}
	}))

	for i := 0; i < 20; i++ {
		select {
		case <-done:
		default:
			require.NoError(t, s.Trigger())
			time.Sleep(10 * time.Millisecond)
		}
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("retry sequence did not complete in time")
	}

	assert.NoError(t, finalErr)
	assert.Equal(t, 42, finalResult["value"])

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, attempts)
}

// Scenario 4 (spec.md §8): a 50ms timeout against a closure sleeping
// 500ms. The task must reach Failed with ErrTimedOut well before the
// closure itself would have returned.
func TestScheduler_TimeoutForceFailsRunningTask(t *testing.T) {
	s, _ := newTestScheduler(t, ModeAuto)

	blocked := make(chan struct{})
	fn := func(params task.Record) (task.Record, error) {
		close(blocked)
		time.Sleep(500 * time.Millisecond)
		return nil, nil
	}

	h, err := s.Schedule(ScheduleOptions{
		Name:    "slow",
		Timeout: 50 * time.Millisecond,
	}, fn, nil)
	require.NoError(t, err)

	<-blocked

	start := time.Now()
	waitUntil(t, 200*time.Millisecond, func() bool {
		return h.Task().Status() == task.StatusFailed
	})
	assert.Less(t, time.Since(start), 200*time.Millisecond)
	assert.ErrorIs(t, h.Task().Err(), ErrTimedOut)
}

// Scenario 5 (spec.md §8): tasks registered at ticks {0, 0, 1, 2} in
// manual mode. Three Trigger calls advance the clock from 0 to 3, and
// Trigger is rejected outright in automatic mode.
func TestScheduler_ManualModeAdvancesOnlyOnTrigger(t *testing.T) {
	s, _ := newTestScheduler(t, ModeManual)

	var mu sync.Mutex
	var order []int
	record := func(tick int) task.Func {
		return func(params task.Record) (task.Record, error) {
			mu.Lock()
			order = append(order, tick)
			mu.Unlock()
			return nil, nil
		}
	}

	for _, target := range []uint64{0, 0, 1, 2} {
		_, err := s.Schedule(ScheduleOptions{TargetTick: target}, record(int(target)), nil)
		require.NoError(t, err)
	}

	assert.Equal(t, uint64(0), s.CurrentTick())
	require.NoError(t, s.Trigger())
	require.NoError(t, s.Trigger())
	require.NoError(t, s.Trigger())
	assert.Equal(t, uint64(3), s.CurrentTick())

	waitUntil(t, time.Second, func() bool { return s.PendingCount() == 0 })
}

func TestScheduler_TriggerRejectedInAutomaticMode(t *testing.T) {
	s, _ := newTestScheduler(t, ModeAuto)
	err := s.Trigger()
	assert.ErrorIs(t, err, ErrNotManualMode)
}

// Scenario 6 (spec.md §8): canceling before dispatch returns true and the
// closure never runs; canceling after dispatch has started returns false
// and the task runs to completion unaffected.
func TestScheduler_CancelBeforeDispatch(t *testing.T) {
	s, _ := newTestScheduler(t, ModeManual)

	var ran bool
	h, err := s.Schedule(ScheduleOptions{TargetTick: 5}, func(params task.Record) (task.Record, error) {
		ran = true
		return nil, nil
	}, nil)
	require.NoError(t, err)

	assert.True(t, s.Cancel(h.ID()))
	for i := 0; i < 10; i++ {
		require.NoError(t, s.Trigger())
	}
	assert.False(t, ran)
}

func TestScheduler_CancelAfterDispatchIsNoOp(t *testing.T) {
	s, _ := newTestScheduler(t, ModeManual)

	started := make(chan struct{})
	release := make(chan struct{})
	h, err := s.Schedule(ScheduleOptions{}, func(params task.Record) (task.Record, error) {
		close(started)
		<-release
		return task.Record{"ok": true}, nil
	}, nil)
	require.NoError(t, err)

	require.NoError(t, s.Trigger())
	<-started

	assert.False(t, s.Cancel(h.ID()))
	close(release)

	waitUntil(t, time.Second, func() bool { return h.Task().Status() == task.StatusCompleted })
}

func TestScheduler_DependencyFailureAbortsDependentWithoutRunningClosure(t *testing.T) {
	s, _ := newTestScheduler(t, ModeManual)

	var depRan bool
	hDep, err := s.Schedule(ScheduleOptions{}, func(params task.Record) (task.Record, error) {
		depRan = true
		return nil, assert.AnError
	}, nil)
	require.NoError(t, err)

	var invoked bool
	hDependent, err := s.Schedule(ScheduleOptions{}, func(params task.Record) (task.Record, error) {
		invoked = true
		return nil, nil
	}, nil)
	require.NoError(t, err)
	require.NoError(t, s.AddDependency(hDependent.ID(), hDep.ID()))

	require.NoError(t, s.Trigger())
	waitUntil(t, time.Second, func() bool { return hDep.Task().Status() == task.StatusFailed })
	require.NoError(t, s.Trigger())
	waitUntil(t, time.Second, func() bool { return hDependent.Task().Status() == task.StatusFailed })

	assert.True(t, depRan)
	assert.False(t, invoked)
	assert.ErrorIs(t, hDependent.Task().Err(), ErrDependencyFailed)
}

// A dependency that fails once but still has retry budget left must not
// permanently abort its dependent: the dependent should stay pending
// through the retry and run once the dependency's retried attempt
// succeeds.
func TestScheduler_DependentWaitsOutDependencyRetryInsteadOfAborting(t *testing.T) {
	s, _ := newTestScheduler(t, ModeManual)

	var attempts int
	var mu sync.Mutex
	depFn := func(params task.Record) (task.Record, error) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 2 {
			return nil, assert.AnError
		}
		return nil, nil
	}

	hDep, err := s.Schedule(ScheduleOptions{
		Name:          "dep",
		RetryCount:    1,
		RetryInterval: 1,
	}, depFn, nil)
	require.NoError(t, err)

	var dependentRan bool
	hDependent, err := s.Schedule(ScheduleOptions{Name: "dependent"}, func(params task.Record) (task.Record, error) {
		dependentRan = true
		return nil, nil
	}, nil)
	require.NoError(t, err)
	require.NoError(t, s.AddDependency(hDependent.ID(), hDep.ID()))

	for i := 0; i < 30 && hDependent.Task().Status() != task.StatusCompleted; i++ {
		require.NoError(t, s.Trigger())
		time.Sleep(5 * time.Millisecond)
	}

	assert.Equal(t, task.StatusCompleted, hDep.Task().Status())
	require.Equal(t, task.StatusCompleted, hDependent.Task().Status())
	assert.True(t, dependentRan)
	assert.NoError(t, hDependent.Task().Err())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, attempts)
}

func TestScheduler_MaxConcurrentDefersExcessToNextSweep(t *testing.T) {
	s, _ := newTestScheduler(t, ModeManual)
	require.NoError(t, s.SetMaxConcurrent(1))

	release := make(chan struct{})
	var mu sync.Mutex
	var completedOrder []string

	record := func(name string, blocks bool) task.Func {
		return func(params task.Record) (task.Record, error) {
			if blocks {
				<-release
			}
			mu.Lock()
			completedOrder = append(completedOrder, name)
			mu.Unlock()
			return nil, nil
		}
	}

	_, err := s.Schedule(ScheduleOptions{Name: "first"}, record("first", true), nil)
	require.NoError(t, err)
	_, err = s.Schedule(ScheduleOptions{Name: "second"}, record("second", false), nil)
	require.NoError(t, err)

	require.NoError(t, s.Trigger())
	waitUntil(t, time.Second, func() bool { return s.PendingCount() == 1 })

	close(release)
	for i := 0; i < 50 && s.PendingCount() > 0; i++ {
		require.NoError(t, s.Trigger())
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, 0, s.PendingCount())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "second"}, completedOrder)
}

func TestSortTickTasks_StableByTickThenPriorityThenID(t *testing.T) {
	tts := []*tickTask{
		{id: 3, targetTick: 0, priority: 1},
		{id: 1, targetTick: 0, priority: 0},
		{id: 2, targetTick: 0, priority: 0},
		{id: 4, targetTick: 1, priority: 0},
	}
	sortTickTasks(tts)

	var ids []uint64
	for _, tt := range tts {
		ids = append(ids, tt.id)
	}
	assert.Equal(t, []uint64{1, 2, 3, 4}, ids)
}
