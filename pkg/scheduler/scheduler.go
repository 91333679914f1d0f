// Package scheduler implements the tick-driven dispatcher: a monotonic
// logical clock that walks a pending list of scheduled tasks, resolves
// their dependencies and retry budgets, and hands ready work to a pool.
package scheduler

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kestrel-systems/taskengine/internal/logger"
	"github.com/kestrel-systems/taskengine/internal/metrics"
	"github.com/kestrel-systems/taskengine/pkg/pool"
	"github.com/kestrel-systems/taskengine/pkg/task"
)

// Mode selects how the scheduler's logical clock advances.
type Mode string

const (
	// ModeAuto advances the clock on a wall-clock interval (TickLength).
	ModeAuto Mode = "auto"
	// ModeManual advances the clock only in response to Trigger.
	ModeManual Mode = "manual"
)

// ScheduleOptions carries the parameters of one Schedule call. TargetTick
// is absolute unless Relative is set, in which case it is added to the
// scheduler's current tick at registration time. AfterTask, if set, both
// seeds TargetTick from the reference's own target tick and, if that
// reference is still pending, places the new entry immediately behind it
// in registration order. Delay shifts the computed target tick forward by
// that many additional ticks.
type ScheduleOptions struct {
	Name          string
	TargetTick    uint64
	Relative      bool
	RetryCount    int
	RetryInterval uint64
	AfterTask     *TickTaskHandle
	Delay         uint64
	Timeout       time.Duration
	Priority      int
}

// TickScheduler is the tick-driven dispatcher described by the core
// specification. It owns no workers itself; it hands ready tick tasks to
// a pool.Pool and tracks their dependency and retry state until each
// attempt reaches a terminal status.
type TickScheduler struct {
	p *pool.Pool

	currentTick atomic.Uint64
	idCounter   atomic.Uint64

	manualMode atomic.Bool
	paused     atomic.Bool
	tickNanos  atomic.Int64

	// pendingMu guards the pending slice: read for introspection, write
	// for insert, remove, and dispatch (removal from the list).
	pendingMu sync.RWMutex
	pending   []*tickTask

	// registryMu guards all, which holds every tick task ever registered
	// regardless of dispatch status, so a completed dependency's flag
	// stays reachable after it leaves the pending list.
	registryMu sync.RWMutex
	all        map[uint64]*tickTask

	semMu         sync.RWMutex
	sem           *semaphore.Weighted
	maxConcurrent int

	wakeCh chan struct{}
	stopCh chan struct{}
}

// NewScheduler constructs a scheduler bound to pool p. tickLength is the
// wall-clock duration of one tick in automatic mode; maxConcurrent is the
// cap on dispatched-but-not-yet-terminal tick tasks, 0 meaning unlimited.
// The scheduler's clock goroutine starts immediately in the given mode.
func NewScheduler(p *pool.Pool, tickLength time.Duration, maxConcurrent int, mode Mode) (*TickScheduler, error) {
	if tickLength <= 0 {
		return nil, ErrInvalidConfiguration
	}
	if maxConcurrent < 0 {
		return nil, ErrInvalidConfiguration
	}

	s := &TickScheduler{
		p:             p,
		all:           make(map[uint64]*tickTask),
		maxConcurrent: maxConcurrent,
		wakeCh:        make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
	}
	s.tickNanos.Store(int64(tickLength))
	s.manualMode.Store(mode == ModeManual)
	if maxConcurrent > 0 {
		s.sem = semaphore.NewWeighted(int64(maxConcurrent))
	}

	go s.runLoop()

	logger.WithScheduler().Info().
		Dur("tick_length", tickLength).
		Int("max_concurrent", maxConcurrent).
		Str("mode", string(mode)).
		Msg("scheduler started")
	return s, nil
}

// Close stops the scheduler's clock goroutine. It does not touch the
// pool or any in-flight dispatched work.
func (s *TickScheduler) Close() {
	close(s.stopCh)
}

// Schedule registers a new tick task wrapping a fresh task.Task built
// from fn and params, returning a handle stable across retries.
func (s *TickScheduler) Schedule(opts ScheduleOptions, fn task.Func, params task.Record) (*TickTaskHandle, error) {
	if opts.RetryCount < 0 {
		return nil, ErrInvalidConfiguration
	}

	t, err := task.New(opts.Name, fn, params, opts.Timeout)
	if err != nil {
		return nil, err
	}

	id := s.idCounter.Add(1)
	target := s.resolveTargetTick(opts)
	tt := newTickTask(id, t, target, opts.Priority, opts.RetryCount, opts.RetryInterval, opts.Timeout)

	s.registryMu.Lock()
	s.all[id] = tt
	s.registryMu.Unlock()

	s.pendingMu.Lock()
	s.insertPendingLocked(tt, opts.AfterTask)
	metrics.SetSchedulerPending(float64(len(s.pending)))
	s.pendingMu.Unlock()

	logger.WithTickTask(id).Info().
		Str("task_id", t.ID()).
		Uint64("target_tick", target).
		Msg("tick task scheduled")

	return &TickTaskHandle{id: id, s: s}, nil
}

func (s *TickScheduler) resolveTargetTick(opts ScheduleOptions) uint64 {
	current := s.currentTick.Load()
	target := opts.TargetTick
	if opts.Relative {
		target = current + opts.TargetTick
	}
	if opts.AfterTask != nil {
		if ref, ok := s.lookupLocked(opts.AfterTask.id); ok {
			target = ref.targetTick
		}
	}
	return target + opts.Delay
}

func (s *TickScheduler) lookupLocked(id uint64) (*tickTask, bool) {
	s.registryMu.RLock()
	defer s.registryMu.RUnlock()
	tt, ok := s.all[id]
	return tt, ok
}

// insertPendingLocked must be called with pendingMu held. If afterTask
// names a tick task still in the pending list, tt is inserted immediately
// behind it; otherwise tt is appended.
func (s *TickScheduler) insertPendingLocked(tt *tickTask, afterTask *TickTaskHandle) {
	if afterTask != nil {
		for i, p := range s.pending {
			if p.id == afterTask.id {
				s.pending = append(s.pending[:i+1], append([]*tickTask{tt}, s.pending[i+1:]...)...)
				return
			}
		}
	}
	s.pending = append(s.pending, tt)
}

// AddDependency records that the tick task named by taskID must not
// dispatch until the one named by dependencyID has completed (or aborts
// immediately if the dependency fails). Both must still be known to the
// scheduler; it is the caller's responsibility to add dependencies before
// the dependent task becomes ready.
func (s *TickScheduler) AddDependency(taskID, dependencyID uint64) error {
	t, ok := s.lookupLocked(taskID)
	if !ok {
		return ErrUnknownTask
	}
	dep, ok := s.lookupLocked(dependencyID)
	if !ok {
		return ErrUnknownTask
	}

	s.pendingMu.Lock()
	t.dependencies = append(t.dependencies, dep)
	s.pendingMu.Unlock()
	return nil
}

// SetCompletion registers the callback fired once the named tick task has
// finished for good, after the final status transition itself has
// happened: an attempt completed, an attempt failed with no retry budget
// left, or the task was aborted by a failed dependency. An attempt that
// fails and is retried does not fire it.
func (s *TickScheduler) SetCompletion(taskID uint64, cb CompletionCallback) error {
	t, ok := s.lookupLocked(taskID)
	if !ok {
		return ErrUnknownTask
	}
	s.pendingMu.Lock()
	t.onComplete = cb
	s.pendingMu.Unlock()
	return nil
}

// Cancel removes a tick task from the pending list before it dispatches,
// returning true if it was found and removed. It has no effect, and
// returns false, once the task has already been dispatched.
func (s *TickScheduler) Cancel(id uint64) bool {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	for i, tt := range s.pending {
		if tt.id == id {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			logger.WithTickTask(id).Info().Msg("tick task canceled")
			return true
		}
	}
	return false
}

// Delay shifts a pending tick task's target tick forward by ticks. If id
// is nil, every pending task is shifted, preserving their pairwise tick
// order.
func (s *TickScheduler) Delay(id *uint64, ticks uint64) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	if id == nil {
		for _, tt := range s.pending {
			tt.targetTick += ticks
		}
		return
	}
	for _, tt := range s.pending {
		if tt.id == *id {
			tt.targetTick += ticks
			return
		}
	}
}

// Pause stops automatic-mode tick advancement without discarding pending
// work. It has no effect on Trigger in manual mode.
func (s *TickScheduler) Pause() {
	s.paused.Store(true)
	logger.WithScheduler().Info().Msg("scheduler paused")
}

// Resume restarts automatic-mode tick advancement.
func (s *TickScheduler) Resume() {
	s.paused.Store(false)
	s.wake()
	logger.WithScheduler().Info().Msg("scheduler resumed")
}

// IsPaused reports whether automatic-mode advancement is currently
// stopped.
func (s *TickScheduler) IsPaused() bool {
	return s.paused.Load()
}

// SetMaxConcurrent replaces the concurrency cap. 0 means unlimited.
// Permits already held against the previous cap are tracked against the
// semaphore instance that issued them and are unaffected by this call.
func (s *TickScheduler) SetMaxConcurrent(n int) error {
	if n < 0 {
		return ErrInvalidConfiguration
	}
	s.semMu.Lock()
	defer s.semMu.Unlock()
	s.maxConcurrent = n
	if n == 0 {
		s.sem = nil
		return nil
	}
	s.sem = semaphore.NewWeighted(int64(n))
	return nil
}

// SetTickLength updates the wall-clock duration of one tick in automatic
// mode. Takes effect starting with the clock goroutine's next sleep.
func (s *TickScheduler) SetTickLength(d time.Duration) error {
	if d <= 0 {
		return ErrInvalidConfiguration
	}
	s.tickNanos.Store(int64(d))
	return nil
}

func (s *TickScheduler) tickLength() time.Duration {
	return time.Duration(s.tickNanos.Load())
}

// SwitchManual stops automatic clock advancement; the clock now advances
// only via Trigger.
func (s *TickScheduler) SwitchManual() {
	s.manualMode.Store(true)
	logger.WithScheduler().Info().Msg("scheduler switched to manual mode")
}

// SwitchAuto resumes wall-clock-driven advancement.
func (s *TickScheduler) SwitchAuto() {
	s.manualMode.Store(false)
	s.wake()
	logger.WithScheduler().Info().Msg("scheduler switched to automatic mode")
}

// Trigger performs one sweep and advances the clock by one tick. Valid
// only in manual mode; rejected (logged, no state change) in automatic
// mode.
func (s *TickScheduler) Trigger() error {
	if !s.manualMode.Load() {
		logger.WithScheduler().Error().Msg("trigger called outside manual mode")
		return ErrNotManualMode
	}
	s.sweep()
	s.currentTick.Add(1)
	metrics.SetSchedulerTick(float64(s.currentTick.Load()))
	return nil
}

// CurrentTick returns the scheduler's logical clock value.
func (s *TickScheduler) CurrentTick() uint64 {
	return s.currentTick.Load()
}

// PendingCount returns the number of tick tasks awaiting dispatch.
func (s *TickScheduler) PendingCount() int {
	s.pendingMu.RLock()
	defer s.pendingMu.RUnlock()
	return len(s.pending)
}

// PendingIDs returns the ids of all tick tasks awaiting dispatch, in
// registration order.
func (s *TickScheduler) PendingIDs() []uint64 {
	s.pendingMu.RLock()
	defer s.pendingMu.RUnlock()
	ids := make([]uint64, len(s.pending))
	for i, tt := range s.pending {
		ids[i] = tt.id
	}
	return ids
}

// GetByID resolves a tick task id to its underlying task.Task. Across a
// retry this returns whichever attempt is currently live.
func (s *TickScheduler) GetByID(id uint64) (*task.Task, error) {
	tt, ok := s.lookupLocked(id)
	if !ok {
		return nil, ErrUnknownTask
	}
	return tt.task.Load(), nil
}

func (s *TickScheduler) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *TickScheduler) idle() bool {
	return s.manualMode.Load() || s.paused.Load()
}

// runLoop is the scheduler's sole clock goroutine. In manual mode or
// while paused it blocks on wakeCh rather than spinning; SwitchAuto and
// Resume signal it to re-check.
func (s *TickScheduler) runLoop() {
	for {
		if s.idle() {
			select {
			case <-s.wakeCh:
				continue
			case <-s.stopCh:
				return
			}
		}

		select {
		case <-time.After(s.tickLength()):
		case <-s.stopCh:
			return
		}

		if s.idle() {
			continue
		}

		s.sweep()
		s.currentTick.Add(1)
		metrics.SetSchedulerTick(float64(s.currentTick.Load()))
	}
}

// sweep evaluates the pending list once: dependency-failed tasks are
// marked for an abort, ready tasks are sorted by (target tick, priority,
// id) and handed to the pool up to the concurrency cap, and anything left
// over stays pending in its original relative order for the next sweep.
// Ready tasks are submitted to the pool while pendingMu is held, but their
// closures, hooks, and completion callbacks run on pool workers, which
// simply wait for pendingMu like any other caller. Aborts run on the
// sweeping goroutine itself, so they run only after pendingMu is
// released: a hook, termination hook, or completion callback that calls
// back into the scheduler (Schedule, Cancel, AddDependency) would
// otherwise deadlock on pendingMu.
func (s *TickScheduler) sweep() {
	start := time.Now()

	s.pendingMu.Lock()

	current := s.currentTick.Load()

	var aborts, ready []*tickTask
	for _, tt := range s.pending {
		isReady, depFailed := tt.ready(current)
		if !isReady {
			continue
		}
		if depFailed {
			aborts = append(aborts, tt)
		} else {
			ready = append(ready, tt)
		}
	}
	sortTickTasks(aborts)
	sortTickTasks(ready)

	dispatched := make(map[uint64]bool, len(aborts)+len(ready))
	for _, tt := range aborts {
		dispatched[tt.id] = true
	}

	for _, tt := range ready {
		sem, ok := s.tryAcquireSlot()
		if !ok {
			continue
		}
		if s.submitDispatch(tt, sem) {
			dispatched[tt.id] = true
		} else {
			s.releaseSlot(sem)
		}
	}

	kept := s.pending[:0]
	for _, tt := range s.pending {
		if !dispatched[tt.id] {
			kept = append(kept, tt)
		}
	}
	s.pending = kept

	metrics.SetSchedulerPending(float64(len(s.pending)))
	metrics.RecordSweepDuration(time.Since(start).Seconds())

	s.pendingMu.Unlock()

	for _, tt := range aborts {
		s.runAbort(tt)
	}
}

func sortTickTasks(tts []*tickTask) {
	sort.SliceStable(tts, func(i, j int) bool {
		if tts[i].targetTick != tts[j].targetTick {
			return tts[i].targetTick < tts[j].targetTick
		}
		if tts[i].priority != tts[j].priority {
			return tts[i].priority < tts[j].priority
		}
		return tts[i].id < tts[j].id
	})
}

func (s *TickScheduler) tryAcquireSlot() (*semaphore.Weighted, bool) {
	s.semMu.RLock()
	sem := s.sem
	s.semMu.RUnlock()
	if sem == nil {
		return nil, true
	}
	return sem, sem.TryAcquire(1)
}

// releaseSlot returns a permit to the semaphore instance that issued it.
func (s *TickScheduler) releaseSlot(sem *semaphore.Weighted) {
	if sem != nil {
		sem.Release(1)
	}
}

// runAbort fails tt with ErrDependencyFailed without ever handing it to
// the pool: no closure runs, so no worker slot is spent. It runs outside
// pendingMu (the caller, sweep, only invokes it after releasing the lock),
// because Start driving the task to Failed fires any hooks and the
// termination hook registered directly on the task.Task, and those, like
// the tick-task-level completion callback, may call back into the
// scheduler.
func (s *TickScheduler) runAbort(tt *tickTask) {
	logger.WithTickTask(tt.id).Warn().Msg("dependency failed, aborting tick task")

	t := tt.task.Load()
	tt.running.Store(true)
	t.Abort(ErrDependencyFailed)
	t.Start()
	tt.running.Store(false)
	tt.completed.Store(true)

	metrics.RecordDispatch()
	s.fireCompletion(tt, t)
}

// submitDispatch hands tt's closure to the pool. It returns false, with
// tt left untouched, if the pool rejects the submission (e.g. mid-resize)
// so the caller can leave tt in the pending list for the next sweep.
func (s *TickScheduler) submitDispatch(tt *tickTask, sem *semaphore.Weighted) bool {
	tt.running.Store(true)
	metrics.RecordDispatch()

	// done is local to this attempt, not a tt field: a retry reuses tt but
	// must not hand this attempt's watchdog a channel that a later attempt
	// might still be holding open or have already replaced.
	done := make(chan struct{})
	if tt.timeout > 0 {
		go s.watchTimeout(tt, done)
	}

	_, err := pool.Submit(s.p, func() (struct{}, error) {
		t := tt.task.Load()
		var retried bool
		defer func() {
			tt.running.Store(false)
			close(done)
			s.releaseSlot(sem)
			if !retried {
				tt.completed.Store(true)
				s.fireCompletion(tt, t)
			}
		}()

		t.Start()
		if t.Status() == task.StatusFailed {
			retried = s.handleFailure(tt)
		}
		return struct{}{}, nil
	})

	if err != nil {
		tt.running.Store(false)
		logger.WithTickTask(tt.id).Error().Err(err).Msg("dispatch rejected by pool, remains pending")
		return false
	}
	return true
}

// handleFailure runs on the pool worker once a dispatched tick task's
// closure has failed. If retries remain it clones the failed task, swaps
// the clone into tt in place, and re-inserts tt into the pending list
// retryInterval ticks in the future, returning true: tt keeps its id, so
// every dependent still pointing at it sees the retry rather than a
// permanently Failed dependency. It returns false once the retry budget
// is exhausted, leaving the failure terminal; completed is set by the
// caller only in that case, matching the invariant that it is set exactly
// once, after the closure returns or the retry budget runs out.
func (s *TickScheduler) handleFailure(tt *tickTask) bool {
	if tt.retriesLeft <= 0 {
		return false
	}

	metrics.RecordTaskRetry()

	clone := tt.task.Load().Clone()
	tt.retriesLeft--
	tt.targetTick = s.currentTick.Load() + tt.retryInterval
	tt.task.Store(clone)

	s.pendingMu.Lock()
	s.pending = append(s.pending, tt)
	s.pendingMu.Unlock()

	logger.WithTickTask(tt.id).Info().
		Int("retries_left", tt.retriesLeft).
		Uint64("target_tick", tt.targetTick).
		Msg("task failed, retry scheduled")
	return true
}

func (s *TickScheduler) watchTimeout(tt *tickTask, done <-chan struct{}) {
	timer := time.NewTimer(tt.timeout)
	defer timer.Stop()
	select {
	case <-timer.C:
		tt.task.Load().ForceFail(ErrTimedOut)
	case <-done:
	}
}

func (s *TickScheduler) fireCompletion(tt *tickTask, t *task.Task) {
	cb := tt.onComplete
	if cb == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.WithTickTask(tt.id).Error().Interface("panic", r).Msg("completion callback panicked")
		}
	}()
	cb(t, t.Err())
}
