package pool

import "errors"

var (
	// ErrPoolShuttingDown is returned by Submit once StopAccepting (or a
	// Resize/Shutdown in progress) has closed the pool to new work.
	ErrPoolShuttingDown = errors.New("pool: shutting down")

	// ErrInvalidConfiguration is raised at construction, or by Resize, for
	// a non-positive worker count.
	ErrInvalidConfiguration = errors.New("pool: invalid configuration")
)
