package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"cronwell/pkg/logx"
)

type Service struct {
	cfg Config
	log logx.Logger

	mu      sync.Mutex
	started bool
	stopped bool

	submitCh chan *submission
	admitCh  chan *submission
	doneCh   chan *submission
	stopCh   chan struct{}
	wg       sync.WaitGroup

	seq uint64

	// Gauges and counters for Snapshot. Dispatcher and workers update
	// them at state transitions.
	pending       int32
	blocked       int32
	admittedGauge int32
	inFlight      int32
	completed     uint64
	failed        uint64
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg.withDefaults(), log: log}
}

// Start launches the dispatcher and worker goroutines. Idempotent.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	s.submitCh = make(chan *submission, s.cfg.QueueSize)
	s.admitCh = make(chan *submission, s.cfg.MaxConcurrentTasks)
	s.doneCh = make(chan *submission, s.cfg.Workers+s.cfg.MaxConcurrentTasks)
	s.stopCh = make(chan struct{})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		newDispatchState(s).run()
	}()

	for i := 0; i < s.cfg.Workers; i++ {
		idx := i
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.worker(idx)
		}()
	}

	s.log.Info("execution pool started",
		logx.Int("workers", s.cfg.Workers),
		logx.Int("max_concurrent", s.cfg.MaxConcurrentTasks),
		logx.Int("queue", s.cfg.QueueSize))
}

// Stop shuts the pool down. Work already inside a work function finishes;
// everything still waiting for admission resolves with ErrStopped. Waits
// up to ctx for the goroutines to drain.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.stopCh)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		// All workers exited: anything left in the admit channel never
		// ran and never will.
		for {
			select {
			case sub := <-s.admitCh:
				sub.exec.resolve(nil, ErrStopped)
			default:
				close(done)
				return
			}
		}
	}()

	select {
	case <-done:
		s.log.Info("execution pool stopped")
	case <-ctx.Done():
		s.log.Warn("execution pool stop timed out", logx.Err(ctx.Err()))
	}
}

// Execute submits work and returns its future. The execution id is final
// before this returns, so callers can persist it as the schedule handle
// ahead of any work running. Admission is withheld until every named
// dependency execution has finished.
func (s *Service) Execute(sub Submission) (*Execution, error) {
	if sub.Fn == nil {
		return nil, errors.New("work function is nil")
	}
	if sub.Priority < PriorityLow || sub.Priority > PriorityHigh {
		sub.Priority = PriorityMedium
	}
	id := sub.ID
	if id == "" {
		id = uuid.NewString()
	}

	s.mu.Lock()
	started := s.started && !s.stopped
	submitCh := s.submitCh
	stopCh := s.stopCh
	s.mu.Unlock()
	if !started {
		return nil, ErrStopped
	}

	// Queue depth counts blocked submissions too, so the cap is enforced
	// here rather than by channel capacity alone.
	if int(atomic.LoadInt32(&s.pending)) >= s.cfg.QueueSize {
		return nil, ErrQueueFull
	}

	exec := newExecution(id, sub.OwnerID)
	qs := &submission{
		exec:       exec,
		fn:         sub.Fn,
		prio:       sub.Priority,
		deps:       append([]string(nil), sub.Dependencies...),
		seq:        atomic.AddUint64(&s.seq, 1),
		enqueuedAt: time.Now(),
	}

	atomic.AddInt32(&s.pending, 1)
	select {
	case submitCh <- qs:
	case <-stopCh:
		atomic.AddInt32(&s.pending, -1)
		return nil, ErrStopped
	default:
		atomic.AddInt32(&s.pending, -1)
		return nil, ErrQueueFull
	}

	s.log.Debug("execution submitted",
		logx.String("execution_id", id),
		logx.String("owner", sub.OwnerID),
		logx.String("priority", sub.Priority.String()),
		logx.Int("deps", len(sub.Dependencies)))
	return exec, nil
}

func (s *Service) Snapshot() Snapshot {
	return Snapshot{
		Workers:            s.cfg.Workers,
		MaxConcurrentTasks: s.cfg.MaxConcurrentTasks,
		MaxPerOwner:        s.cfg.MaxPerOwner,
		QueueCap:           s.cfg.QueueSize,
		Pending:            int(atomic.LoadInt32(&s.pending)),
		Blocked:            int(atomic.LoadInt32(&s.blocked)),
		Admitted:           int(atomic.LoadInt32(&s.admittedGauge)),
		InFlight:           int(atomic.LoadInt32(&s.inFlight)),
		Completed:          atomic.LoadUint64(&s.completed),
		Failed:             atomic.LoadUint64(&s.failed),
	}
}
