package scheduler

import "errors"

var (
	// ErrUnknownTask is returned when an operation names a tick task id
	// that is not currently registered with the scheduler.
	ErrUnknownTask = errors.New("scheduler: unknown tick task")

	// ErrDependencyFailed is the error a task is aborted with when the
	// scheduler finds one of its dependencies already Failed at dispatch
	// time. Sibling dependencies still pending merely delay dispatch; this
	// is raised only once a failed dependency is observed.
	ErrDependencyFailed = errors.New("scheduler: dependency failed")

	// ErrTimedOut is the error a Running task is force-failed with when
	// its timeout watchdog fires before the closure returns.
	ErrTimedOut = errors.New("scheduler: task timed out")

	// ErrNotManualMode is returned by Trigger when the scheduler is in
	// automatic mode.
	ErrNotManualMode = errors.New("scheduler: trigger requires manual mode")

	// ErrInvalidConfiguration is returned by constructors and setters
	// given an out-of-range value.
	ErrInvalidConfiguration = errors.New("scheduler: invalid configuration")
)
