// Package task implements the Task state machine: a unit of work wrapping
// a user closure, its input record, an optional result, and the formal
// {Pending, Running, Completed, Failed} lifecycle described in the core
// specification.
package task

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kestrel-systems/taskengine/internal/logger"
	"github.com/kestrel-systems/taskengine/internal/metrics"
)

// Record is an opaque structured bag of input or result data. Its schema
// is owned by whoever constructs the Task, not by this package.
type Record map[string]interface{}

// Func is the user closure a Task wraps. It is invoked synchronously with
// the task's input record and returns either a result record or an error.
type Func func(params Record) (Record, error)

// Hook is a per-status callback fired from within a state's entry
// procedure. It must not re-enter the Task from another goroutine; the
// Task is assumed touched by exactly one goroutine at a time except for
// the documented timeout/completion race guarded internally.
type Hook func(t *Task)

// TerminationHook receives the error that drove a Task to Failed.
type TerminationHook func(t *Task, err error)

// Task wraps a user closure in the state machine described by the core
// specification. Once Completed or Failed it is terminal: no further
// event changes its status.
type Task struct {
	id   string
	name string
	fn   Func

	params Record
	result Record
	err    error

	sm       *StateMachine
	progress float64

	timeout    time.Duration
	createdAt  time.Time
	runStarted time.Time

	hooks           map[Status][]Hook
	terminationHook TerminationHook

	// abortErr, when set, short-circuits run(): the Running state's entry
	// fails the task with abortErr instead of invoking fn. This is how a
	// scheduler fails a task whose dependency already failed without ever
	// handing it to a pool.
	abortErr error

	// terminal guards the single documented benign race: a timeout
	// watchdog racing the task's own closure to call fail/complete.
	// Only the first caller performs the transition.
	terminal atomic.Bool

	mu sync.Mutex
}

// New constructs a Pending task. timeout of zero disables the timeout
// check.
func New(name string, fn Func, params Record, timeout time.Duration) (*Task, error) {
	if timeout < 0 {
		return nil, ErrInvalidConfiguration
	}
	return &Task{
		id:        uuid.New().String(),
		name:      name,
		fn:        fn,
		params:    params,
		sm:        newStateMachine(),
		timeout:   timeout,
		createdAt: time.Now(),
		hooks:     make(map[Status][]Hook),
	}, nil
}

// ID returns the task's stable, process-unique identifier.
func (t *Task) ID() string { return t.id }

// Name returns the task's human-readable name.
func (t *Task) Name() string { return t.name }

// Params returns the task's input record.
func (t *Task) Params() Record { return t.params }

// Result returns the task's result record. Only meaningful once Completed.
func (t *Task) Result() Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

// Err returns the error that drove the task to Failed, if any.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Status returns the task's current state.
func (t *Task) Status() Status {
	return t.sm.Current()
}

// Progress returns the task's last reported progress, in [0.0, 1.0].
func (t *Task) Progress() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progress
}

// CreatedAt returns the time the task was constructed.
func (t *Task) CreatedAt() time.Time { return t.createdAt }

// RunStartedAt returns the time the task entered Running, or the zero
// time if it has not started.
func (t *Task) RunStartedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runStarted
}

// SetTimeout updates the task's absolute timeout.
func (t *Task) SetTimeout(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timeout = d
}

// IsTimedOut reports whether a Running task has exceeded its timeout.
// It does not itself fail the task; an external watchdog does that via
// ForceFail. The scheduler's watchdog is driven by its own timer and does
// not call this method.
func (t *Task) IsTimedOut() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timeout <= 0 || t.sm.Current() != StatusRunning || t.runStarted.IsZero() {
		return false
	}
	return time.Since(t.runStarted) >= t.timeout
}

// RegisterHook registers fn to run whenever the task enters status.
func (t *Task) RegisterHook(status Status, fn Hook) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hooks[status] = append(t.hooks[status], fn)
}

// RegisterTerminationHook registers the single hook invoked when the task
// fails, with the error that caused it.
func (t *Task) RegisterTerminationHook(fn TerminationHook) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.terminationHook = fn
}

// SetProgress updates progress, clamped to [0.0, 1.0], and re-fires the
// Running hooks so progress observers see the update.
func (t *Task) SetProgress(p float64) {
	if p < 0 {
		p = 0
	} else if p > 1 {
		p = 1
	}
	t.mu.Lock()
	t.progress = p
	t.mu.Unlock()
	t.fireHooks(StatusRunning)
}

// Start raises Event.Start. Valid only in Pending; otherwise a no-op.
func (t *Task) Start() {
	t.mu.Lock()
	if t.sm.Current() != StatusPending {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	log := logger.WithTask(t.id)
	log.Info().Str("task", t.name).Msg("task starting")

	t.mu.Lock()
	t.runStarted = time.Now()
	t.mu.Unlock()

	t.sm.Fire(t, EventStart)
}

// run synchronously invokes the user closure and routes the outcome
// through complete/fail. It is called as the Running state's entry side
// effect, never directly by callers.
func (t *Task) run() {
	if t.abortErr != nil {
		t.fail(t.abortErr)
		return
	}

	result, err := t.safeInvoke()
	if err != nil {
		t.fail(err)
		return
	}
	t.complete(result)
}

// safeInvoke recovers a panicking closure into an error, matching the
// pool's own panic containment for consistency when a task is run
// outside a pool worker (e.g. directly via Start in a test).
func (t *Task) safeInvoke() (result Record, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Str("task_id", t.id).Interface("panic", r).Msg("task closure panicked")
			err = fmt.Errorf("task closure panicked: %v", r)
		}
	}()
	return t.fn(t.params)
}

// complete sets the result, marks the task Completed, and fires
// Event.Complete. A no-op if the task has already reached a terminal
// state (the timeout/completion race).
func (t *Task) complete(result Record) {
	if !t.terminal.CompareAndSwap(false, true) {
		return
	}
	t.mu.Lock()
	t.result = result
	duration := time.Since(t.runStarted)
	t.mu.Unlock()

	logger.WithTask(t.id).Info().Str("task", t.name).Msg("task completed")
	metrics.RecordTaskCompletion(StatusCompleted.String(), duration.Seconds())
	t.sm.Fire(t, EventComplete)
}

// fail sets the error, invokes the termination hook, marks the task
// Failed, and fires Event.Fail. A no-op if the task has already reached
// a terminal state.
func (t *Task) fail(err error) {
	if !t.terminal.CompareAndSwap(false, true) {
		return
	}
	t.mu.Lock()
	t.err = err
	hook := t.terminationHook
	duration := time.Since(t.runStarted)
	t.mu.Unlock()

	logger.WithTask(t.id).Error().Str("task", t.name).Err(err).Msg("task failed")
	metrics.RecordTaskCompletion(StatusFailed.String(), duration.Seconds())

	if hook != nil {
		t.invokeTerminationHook(hook, err)
	}
	t.sm.Fire(t, EventFail)
}

func (t *Task) invokeTerminationHook(hook TerminationHook, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("task termination hook panicked")
		}
	}()
	hook(t, err)
}

// ForceFail is for an external watchdog (a scheduler's timeout monitor)
// to fail a Running task without preempting its closure. Valid only in
// Running; a no-op otherwise. Races benignly against the closure's own
// normal completion: the terminal guard ensures exactly one of the two
// outcomes wins.
func (t *Task) ForceFail(err error) {
	if t.Status() != StatusRunning {
		return
	}
	t.fail(err)
}

// Cancel is valid only while Running: it clears the result and fails the
// task with ErrTaskCanceled. A no-op in any other status.
func (t *Task) Cancel() {
	t.mu.Lock()
	if t.sm.Current() != StatusRunning {
		t.mu.Unlock()
		return
	}
	t.result = nil
	t.mu.Unlock()

	t.fail(ErrTaskCanceled)
}

// Abort marks the task to fail with err the moment it starts, without
// ever invoking its closure. Used by a scheduler to short-circuit a task
// whose dependency already failed.
func (t *Task) Abort(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.abortErr = err
}

// Clone produces a fresh Pending task sharing this task's name, closure,
// params, timeout, and hooks, but a new identifier. Used by a scheduler's
// retry path so a retried attempt runs its own state machine rather than
// re-entering a terminal one.
func (t *Task) Clone() *Task {
	t.mu.Lock()
	defer t.mu.Unlock()

	hooksCopy := make(map[Status][]Hook, len(t.hooks))
	for status, fns := range t.hooks {
		hooksCopy[status] = append([]Hook(nil), fns...)
	}

	return &Task{
		id:              uuid.New().String(),
		name:            t.name,
		fn:              t.fn,
		params:          t.params,
		sm:              newStateMachine(),
		timeout:         t.timeout,
		createdAt:       time.Now(),
		hooks:           hooksCopy,
		terminationHook: t.terminationHook,
	}
}

func (t *Task) fireHooks(status Status) {
	t.mu.Lock()
	fns := append([]Hook(nil), t.hooks[status]...)
	t.mu.Unlock()

	for _, fn := range fns {
		t.invokeHook(fn)
	}
}

func (t *Task) invokeHook(fn Hook) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("task status hook panicked")
		}
	}()
	fn(t)
}
