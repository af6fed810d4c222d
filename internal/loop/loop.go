// Package loop drives the poll cycle: fetch the time-ready set, filter
// it by dependencies, claim each schedule's execution handle, and hand
// the work to the execution pool.
//
// Ticks are independent. A slow execution from an earlier tick only
// keeps its own schedule out of the ready set (the handle is still
// attached); it never delays the next fetch.
package loop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"cronwell/internal/pool"
	"cronwell/internal/schedule"
	"cronwell/internal/store"
	"cronwell/pkg/logx"
)

// Executor is the work-submission primitive. The pool implements it; a
// nil Executor is tolerated and makes the loop run work inline, so the
// schedule manager functions standalone.
type Executor interface {
	Execute(sub pool.Submission) (*pool.Execution, error)
}

// Runner performs one schedule's work. The schedule snapshot carries the
// caller-facing gates (MinIntervalSeconds, OnlyWhenPending) for the
// runner to honor; the loop itself never evaluates them.
type Runner interface {
	Run(ctx context.Context, sc *store.Schedule) error
}

type RunnerFunc func(ctx context.Context, sc *store.Schedule) error

func (f RunnerFunc) Run(ctx context.Context, sc *store.Schedule) error { return f(ctx, sc) }

type Config struct {
	PollInterval time.Duration // default 30s
	Priority     pool.Priority // default medium
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	return c
}

type Loop struct {
	mgr  *schedule.Manager
	exec Executor
	log  logx.Logger
	now  func() time.Time

	mu      sync.Mutex
	cfg     Config
	started bool
	stopCh  chan struct{}
	done    chan struct{}

	runnersMu     sync.RWMutex
	runners       map[string]Runner
	defaultRunner Runner

	// Throttles repeated submit-failure warnings; a full pool would
	// otherwise warn once per ready schedule per tick.
	warn *rate.Limiter

	completions sync.WaitGroup
}

type Option func(*Loop)

// WithClock overrides the time source. Tests use this for determinism.
func WithClock(now func() time.Time) Option {
	return func(l *Loop) { l.now = now }
}

func New(cfg Config, mgr *schedule.Manager, exec Executor, log logx.Logger, opts ...Option) *Loop {
	if log.IsZero() {
		log = logx.Nop()
	}
	l := &Loop{
		mgr:     mgr,
		exec:    exec,
		log:     log,
		now:     time.Now,
		cfg:     cfg.withDefaults(),
		runners: make(map[string]Runner),
		warn:    rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Register binds a runner to a schedule description. Schedules without a
// registered runner fall back to the default runner, or to a no-op.
func (l *Loop) Register(description string, r Runner) {
	l.runnersMu.Lock()
	l.runners[description] = r
	l.runnersMu.Unlock()
}

func (l *Loop) SetDefaultRunner(r Runner) {
	l.runnersMu.Lock()
	l.defaultRunner = r
	l.runnersMu.Unlock()
}

// Apply updates the poll interval. Takes effect on the next tick.
func (l *Loop) Apply(cfg Config) {
	l.mu.Lock()
	l.cfg = cfg.withDefaults()
	l.mu.Unlock()
}

// Start launches the poll goroutine. Idempotent.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return
	}
	l.started = true
	l.stopCh = make(chan struct{})
	l.done = make(chan struct{})
	go l.run(ctx, l.stopCh, l.done)
	l.log.Info("scheduler loop started", logx.Duration("poll_interval", l.cfg.PollInterval))
}

// Stop halts polling and waits (bounded by ctx) for completion handlers
// of already-submitted work to finish their bookkeeping.
func (l *Loop) Stop(ctx context.Context) {
	l.mu.Lock()
	if !l.started {
		l.mu.Unlock()
		return
	}
	l.started = false
	close(l.stopCh)
	done := l.done
	l.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
	}

	finished := make(chan struct{})
	go func() {
		l.completions.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		l.log.Info("scheduler loop stopped")
	case <-ctx.Done():
		l.log.Warn("scheduler loop stop timed out", logx.Err(ctx.Err()))
	}
}

func (l *Loop) run(ctx context.Context, stopCh chan struct{}, done chan struct{}) {
	defer close(done)

	interval := l.pollInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			l.tick(ctx)
			if next := l.pollInterval(); next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

func (l *Loop) pollInterval() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg.PollInterval
}

// Snapshot is a lightweight diagnostics view.
type Snapshot struct {
	Running      bool
	PollInterval time.Duration
	Runners      int
}

func (l *Loop) Snapshot() Snapshot {
	l.mu.Lock()
	running := l.started
	interval := l.cfg.PollInterval
	l.mu.Unlock()

	l.runnersMu.RLock()
	runners := len(l.runners)
	l.runnersMu.RUnlock()

	return Snapshot{Running: running, PollInterval: interval, Runners: runners}
}

// tick is one pass of the Idle → Fetching → Resolving → Submitting cycle.
func (l *Loop) tick(ctx context.Context) {
	ready, err := l.mgr.Ready(ctx)
	if err != nil {
		if l.warn.Allow() {
			l.log.Warn("ready-set fetch failed", logx.Err(err))
		}
		return
	}
	if len(ready) == 0 {
		return
	}
	l.log.Debug("tick", logx.Int("ready", len(ready)))

	for _, sc := range ready {
		l.submitOne(ctx, sc)
	}
}

func (l *Loop) submitOne(ctx context.Context, sc *store.Schedule) {
	// The handle is claimed before submission: the store row is the only
	// lock, and losing the claim (another poller, a deletion) just means
	// skipping this schedule this tick.
	execID := uuid.NewString()
	ok, err := l.mgr.ClaimExecution(ctx, sc.ID, execID)
	if err != nil {
		if !errors.Is(err, schedule.ErrScheduleNotFound) && l.warn.Allow() {
			l.log.Warn("claim failed", logx.String("schedule", sc.ID), logx.Err(err))
		}
		return
	}
	if !ok {
		l.log.Debug("claim lost", logx.String("schedule", sc.ID))
		return
	}

	runner := l.runnerFor(sc)
	snapshot := sc.Clone()

	if l.exec == nil {
		// No pool configured: caller-driven execution, inline.
		err := l.runInline(ctx, runner, snapshot)
		l.finish(sc.ID, execID, err)
		return
	}

	l.mu.Lock()
	prio := l.cfg.Priority
	l.mu.Unlock()

	exec, err := l.exec.Execute(pool.Submission{
		ID:       execID,
		OwnerID:  sc.OwnerID,
		Priority: prio,
		Fn: func(c context.Context) (any, error) {
			return nil, runner.Run(c, snapshot)
		},
	})
	if err != nil {
		// The pool refused (full or stopped): undo the claim so the
		// schedule is eligible again next tick.
		l.finishClaimOnly(sc.ID, execID)
		if l.warn.Allow() {
			l.log.Warn("submit failed", logx.String("schedule", sc.ID), logx.Err(err))
		}
		return
	}

	l.completions.Add(1)
	go func() {
		defer l.completions.Done()
		<-exec.Done()
		_, runErr := exec.Result()
		l.finish(sc.ID, execID, runErr)
	}()
}

func (l *Loop) runInline(ctx context.Context, runner Runner, sc *store.Schedule) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return runner.Run(ctx, sc)
}

// finish records the completion and then releases the handle, in that
// order: with the handle still attached the schedule cannot re-enter the
// ready set while its next fire time is being advanced.
func (l *Loop) finish(scheduleID, execID string, runErr error) {
	ctx := context.Background()

	if err := l.mgr.RecordCompletion(ctx, scheduleID); err != nil {
		// Deleted or no longer cron-triggered mid-run; nothing to advance.
		l.log.Debug("completion not recorded", logx.String("schedule", scheduleID), logx.Err(err))
	}
	if err := l.mgr.ReleaseExecution(ctx, scheduleID, execID); err != nil {
		l.log.Warn("handle release failed", logx.String("schedule", scheduleID), logx.Err(err))
	}

	if runErr != nil {
		l.log.Warn("schedule run failed",
			logx.String("schedule", scheduleID),
			logx.String("execution_id", execID),
			logx.Err(runErr))
		return
	}
	l.log.Debug("schedule run completed",
		logx.String("schedule", scheduleID),
		logx.String("execution_id", execID))
}

func (l *Loop) finishClaimOnly(scheduleID, execID string) {
	if err := l.mgr.ReleaseExecution(context.Background(), scheduleID, execID); err != nil {
		l.log.Warn("handle release failed", logx.String("schedule", scheduleID), logx.Err(err))
	}
}

func (l *Loop) runnerFor(sc *store.Schedule) Runner {
	l.runnersMu.RLock()
	defer l.runnersMu.RUnlock()
	if r, ok := l.runners[sc.Description]; ok {
		return r
	}
	if l.defaultRunner != nil {
		return l.defaultRunner
	}
	return noopRunner{log: l.log}
}

type noopRunner struct {
	log logx.Logger
}

func (n noopRunner) Run(_ context.Context, sc *store.Schedule) error {
	n.log.Warn("no runner registered",
		logx.String("schedule", sc.ID),
		logx.String("description", sc.Description))
	return nil
}
