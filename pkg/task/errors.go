package task

import "errors"

// Sentinel errors for the task package's abstract error kinds.
var (
	// ErrTaskCanceled is the discriminant error fail() carries when a
	// Running task is stopped via Cancel rather than failing on its own.
	ErrTaskCanceled = errors.New("task: canceled")

	// ErrInvalidConfiguration is raised at construction time for a
	// negative timeout.
	ErrInvalidConfiguration = errors.New("task: invalid configuration")
)
