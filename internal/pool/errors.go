package pool

import "errors"

var (
	ErrStopped     = errors.New("execution pool stopped")
	ErrQueueFull   = errors.New("execution pool queue full")
	ErrNotFinished = errors.New("execution not finished")
)
