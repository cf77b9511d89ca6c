package worker

import "errors"

// Pool errors. Registry lookups use errors.ErrUnknownPool and
// errors.ErrPoolExists from the agent errors package.
var (
	ErrPoolNotStarted     = errors.New("pool not started")
	ErrPoolStopped        = errors.New("pool stopped")
	ErrPoolAlreadyStarted = errors.New("pool already started")
	// ErrQueueFull is returned by Submit when the queue is at capacity; the
	// task is not run
	ErrQueueFull   = errors.New("pool queue full")
	ErrNilTask     = errors.New("nil task")
	ErrStopTimeout = errors.New("workers did not stop in time")
)
