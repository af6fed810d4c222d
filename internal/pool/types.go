// Package pool runs submitted work with bounded concurrency.
//
// Admission is priority-ordered and can be deferred on other executions:
// a submission naming execution-dependencies waits, off the concurrency
// budget, until every named execution has finished. Failure counts as
// completion so dependents are never stranded.
package pool

import (
	"context"
	"sync"
	"time"
)

// Config controls the execution pool.
type Config struct {
	// Workers is the number of worker goroutines actually running work.
	Workers int

	// MaxConcurrentTasks caps simultaneously admitted tasks. Admitted
	// means handed past the priority queue; a task blocked on execution
	// dependencies is not admitted and does not count here.
	MaxConcurrentTasks int

	// MaxPerOwner caps admitted tasks per owner id. 0 disables the cap.
	MaxPerOwner int

	// QueueSize bounds submissions waiting for admission, including
	// dependency-blocked ones. Execute fails fast when it is full.
	QueueSize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxConcurrentTasks <= 0 {
		c.MaxConcurrentTasks = c.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.MaxPerOwner < 0 {
		c.MaxPerOwner = 0
	}
	return c
}

// Priority orders admission. The zero value is out of range on purpose:
// Execute treats it as PriorityMedium.
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityMedium
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// WorkFunc is a unit of work. The pool imposes no timeout; cancellation,
// if wanted, lives inside the function via its own signal.
type WorkFunc func(ctx context.Context) (any, error)

// Submission describes work handed to Execute.
//
// ID is optional: when empty the pool assigns one. Callers that must
// persist the execution handle before any work runs (the poll loop does)
// supply their own id and record it ahead of submission.
type Submission struct {
	ID           string
	OwnerID      string
	Priority     Priority
	Dependencies []string // execution ids that must finish first
	Fn           WorkFunc
}

// Execution is the future for one submission. Its id exists from the
// moment Execute returns, before the work function has started.
type Execution struct {
	id      string
	ownerID string

	done chan struct{}
	once sync.Once

	mu    sync.Mutex
	value any
	err   error
}

func newExecution(id, ownerID string) *Execution {
	return &Execution{id: id, ownerID: ownerID, done: make(chan struct{})}
}

func (e *Execution) ID() string      { return e.id }
func (e *Execution) OwnerID() string { return e.ownerID }

// Done is closed when the execution has finished, successfully or not.
func (e *Execution) Done() <-chan struct{} { return e.done }

// Result returns the outcome. Valid only after Done is closed; before
// that it reports not-finished.
func (e *Execution) Result() (any, error) {
	select {
	case <-e.done:
	default:
		return nil, ErrNotFinished
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.value, e.err
}

// Wait blocks until the execution finishes or ctx is canceled.
func (e *Execution) Wait(ctx context.Context) (any, error) {
	select {
	case <-e.done:
		return e.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// resolve is idempotent: the first outcome wins.
func (e *Execution) resolve(value any, err error) {
	e.once.Do(func() {
		e.mu.Lock()
		e.value = value
		e.err = err
		e.mu.Unlock()
		close(e.done)
	})
}

// Snapshot is a lightweight diagnostics view.
type Snapshot struct {
	Workers            int
	MaxConcurrentTasks int
	MaxPerOwner        int
	QueueCap           int

	Pending  int // submitted, not yet admitted (queued + blocked)
	Blocked  int // waiting on execution dependencies
	Admitted int // past the queue, counted against MaxConcurrentTasks
	InFlight int // currently inside a work function

	Completed uint64
	Failed    uint64
}

type submission struct {
	exec *Execution
	fn   WorkFunc
	prio Priority
	deps []string
	seq  uint64

	enqueuedAt time.Time

	// waiting holds the dependency ids still outstanding. Owned by the
	// dispatcher goroutine; never touched elsewhere.
	waiting map[string]struct{}
}
