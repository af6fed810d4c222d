package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cronwell/pkg/logx"
)

func newTestPool(t *testing.T, cfg Config) *Service {
	t.Helper()
	s := New(cfg, logx.Nop())
	s.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitDone(t *testing.T, e *Execution) (any, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, err := e.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("execution %s did not finish", e.ID())
	}
	return v, err
}

func TestExecuteReturnsResult(t *testing.T) {
	t.Parallel()
	s := newTestPool(t, Config{Workers: 2})

	exec, err := s.Execute(Submission{
		OwnerID: "owner-1",
		Fn: func(ctx context.Context) (any, error) {
			return 42, nil
		},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if exec.ID() == "" {
		t.Fatal("execution id empty at submit time")
	}

	v, err := waitDone(t, exec)
	if err != nil {
		t.Fatalf("result err: %v", err)
	}
	if v != 42 {
		t.Fatalf("result = %v, want 42", v)
	}
}

func TestCallerSuppliedID(t *testing.T) {
	t.Parallel()
	s := newTestPool(t, Config{Workers: 1})

	exec, err := s.Execute(Submission{
		ID:      "handle-abc",
		OwnerID: "owner-1",
		Fn:      func(ctx context.Context) (any, error) { return nil, nil },
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if exec.ID() != "handle-abc" {
		t.Fatalf("id = %q, want handle-abc", exec.ID())
	}
	waitDone(t, exec)
}

func TestResultBeforeDone(t *testing.T) {
	t.Parallel()
	s := newTestPool(t, Config{Workers: 1})

	gate := make(chan struct{})
	exec, err := s.Execute(Submission{
		OwnerID: "o",
		Fn: func(ctx context.Context) (any, error) {
			<-gate
			return "ok", nil
		},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if _, err := exec.Result(); !errors.Is(err, ErrNotFinished) {
		t.Fatalf("early result err = %v, want ErrNotFinished", err)
	}
	close(gate)
	waitDone(t, exec)
}

func TestFailureResolvesAndUnblocksDependents(t *testing.T) {
	t.Parallel()
	s := newTestPool(t, Config{Workers: 2})

	boom := errors.New("boom")
	failing, err := s.Execute(Submission{
		OwnerID: "o",
		Fn:      func(ctx context.Context) (any, error) { return nil, boom },
	})
	if err != nil {
		t.Fatalf("execute failing: %v", err)
	}
	if _, err := waitDone(t, failing); !errors.Is(err, boom) {
		t.Fatalf("failing result err = %v, want boom", err)
	}

	// A dependent of the failed execution still runs: failure counts as
	// completion for unblocking, by design.
	dependent, err := s.Execute(Submission{
		OwnerID:      "o",
		Dependencies: []string{failing.ID()},
		Fn:           func(ctx context.Context) (any, error) { return "ran", nil },
	})
	if err != nil {
		t.Fatalf("execute dependent: %v", err)
	}
	v, err := waitDone(t, dependent)
	if err != nil {
		t.Fatalf("dependent err: %v", err)
	}
	if v != "ran" {
		t.Fatalf("dependent result = %v", v)
	}
}

func TestPanicBecomesError(t *testing.T) {
	t.Parallel()
	s := newTestPool(t, Config{Workers: 1})

	exec, err := s.Execute(Submission{
		OwnerID: "o",
		Fn:      func(ctx context.Context) (any, error) { panic("kaboom") },
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	_, err = waitDone(t, exec)
	if err == nil || err.Error() != "panic: kaboom" {
		t.Fatalf("err = %v, want panic error", err)
	}

	// The worker survived the panic.
	again, err := s.Execute(Submission{
		OwnerID: "o",
		Fn:      func(ctx context.Context) (any, error) { return "alive", nil },
	})
	if err != nil {
		t.Fatalf("execute after panic: %v", err)
	}
	if v, err := waitDone(t, again); err != nil || v != "alive" {
		t.Fatalf("post-panic run = %v, %v", v, err)
	}
}

func TestDependencyDefersStart(t *testing.T) {
	t.Parallel()
	s := newTestPool(t, Config{Workers: 4})

	gate := make(chan struct{})
	upstream, err := s.Execute(Submission{
		OwnerID: "o",
		Fn: func(ctx context.Context) (any, error) {
			<-gate
			return nil, nil
		},
	})
	if err != nil {
		t.Fatalf("execute upstream: %v", err)
	}

	started := make(chan struct{})
	downstream, err := s.Execute(Submission{
		OwnerID:      "o",
		Dependencies: []string{upstream.ID()},
		Fn: func(ctx context.Context) (any, error) {
			close(started)
			return nil, nil
		},
	})
	if err != nil {
		t.Fatalf("execute downstream: %v", err)
	}

	// Plenty of idle workers, but the dependency gate must hold.
	select {
	case <-started:
		t.Fatal("dependent started before its dependency completed")
	case <-time.After(100 * time.Millisecond):
	}

	close(gate)
	waitDone(t, downstream)
	select {
	case <-started:
	default:
		t.Fatal("dependent finished without starting?")
	}
}

func TestPriorityOrderWithFIFOTieBreak(t *testing.T) {
	t.Parallel()
	// One worker, one admission slot: queued order is fully observable.
	s := newTestPool(t, Config{Workers: 1, MaxConcurrentTasks: 1, QueueSize: 16})

	gate := make(chan struct{})
	running := make(chan struct{})
	blocker, err := s.Execute(Submission{
		OwnerID: "o",
		Fn: func(ctx context.Context) (any, error) {
			close(running)
			<-gate
			return nil, nil
		},
	})
	if err != nil {
		t.Fatalf("execute blocker: %v", err)
	}
	<-running

	var mu sync.Mutex
	var order []string
	record := func(name string) WorkFunc {
		return func(ctx context.Context) (any, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil, nil
		}
	}

	var execs []*Execution
	for _, sub := range []Submission{
		{OwnerID: "o", Priority: PriorityLow, Fn: record("low-1")},
		{OwnerID: "o", Priority: PriorityMedium, Fn: record("med-1")},
		{OwnerID: "o", Priority: PriorityHigh, Fn: record("high-1")},
		{OwnerID: "o", Priority: PriorityHigh, Fn: record("high-2")},
		{OwnerID: "o", Priority: PriorityMedium, Fn: record("med-2")},
	} {
		e, err := s.Execute(sub)
		if err != nil {
			t.Fatalf("execute %v: %v", sub.Priority, err)
		}
		execs = append(execs, e)
	}

	close(gate)
	waitDone(t, blocker)
	for _, e := range execs {
		waitDone(t, e)
	}

	want := []string{"high-1", "high-2", "med-1", "med-2", "low-1"}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestMaxConcurrentTasksBound(t *testing.T) {
	t.Parallel()
	s := newTestPool(t, Config{Workers: 4, MaxConcurrentTasks: 2, QueueSize: 16})

	var started int32
	gate := make(chan struct{})
	firstTwo := make(chan struct{}, 4)

	var execs []*Execution
	for i := 0; i < 4; i++ {
		e, err := s.Execute(Submission{
			OwnerID: "o",
			Fn: func(ctx context.Context) (any, error) {
				atomic.AddInt32(&started, 1)
				firstTwo <- struct{}{}
				<-gate
				return nil, nil
			},
		})
		if err != nil {
			t.Fatalf("execute: %v", err)
		}
		execs = append(execs, e)
	}

	<-firstTwo
	<-firstTwo
	// Workers are free, admission budget is not: nothing else starts.
	time.Sleep(100 * time.Millisecond)
	if n := atomic.LoadInt32(&started); n != 2 {
		t.Fatalf("started = %d, want 2 while budget is exhausted", n)
	}

	close(gate)
	for _, e := range execs {
		waitDone(t, e)
	}
	if n := atomic.LoadInt32(&started); n != 4 {
		t.Fatalf("started = %d after release, want 4", n)
	}
}

func TestPerOwnerCap(t *testing.T) {
	t.Parallel()
	s := newTestPool(t, Config{Workers: 4, MaxConcurrentTasks: 4, MaxPerOwner: 1, QueueSize: 16})

	var aliceRunning int32
	gate := make(chan struct{})
	startedCh := make(chan struct{}, 4)

	run := func(ctx context.Context) (any, error) {
		n := atomic.AddInt32(&aliceRunning, 1)
		defer atomic.AddInt32(&aliceRunning, -1)
		if n > 1 {
			t.Error("two alice executions admitted concurrently")
		}
		startedCh <- struct{}{}
		<-gate
		return nil, nil
	}

	e1, err := s.Execute(Submission{OwnerID: "alice", Fn: run})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	e2, err := s.Execute(Submission{OwnerID: "alice", Fn: run})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	// A different owner is not affected by alice's cap.
	bobStarted := make(chan struct{})
	e3, err := s.Execute(Submission{OwnerID: "bob", Fn: func(ctx context.Context) (any, error) {
		close(bobStarted)
		<-gate
		return nil, nil
	}})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	<-startedCh
	<-bobStarted
	time.Sleep(100 * time.Millisecond)
	if n := atomic.LoadInt32(&aliceRunning); n != 1 {
		t.Fatalf("alice running = %d, want 1", n)
	}

	close(gate)
	for _, e := range []*Execution{e1, e2, e3} {
		waitDone(t, e)
	}
}

func TestQueueFull(t *testing.T) {
	t.Parallel()
	s := newTestPool(t, Config{Workers: 1, MaxConcurrentTasks: 1, QueueSize: 1})

	gate := make(chan struct{})
	running := make(chan struct{})
	blocker, err := s.Execute(Submission{
		OwnerID: "o",
		Fn: func(ctx context.Context) (any, error) {
			close(running)
			<-gate
			return nil, nil
		},
	})
	if err != nil {
		t.Fatalf("execute blocker: %v", err)
	}
	<-running

	queued, err := s.Execute(Submission{
		OwnerID: "o",
		Fn:      func(ctx context.Context) (any, error) { return nil, nil },
	})
	if err != nil {
		t.Fatalf("execute queued: %v", err)
	}

	if _, err := s.Execute(Submission{
		OwnerID: "o",
		Fn:      func(ctx context.Context) (any, error) { return nil, nil },
	}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}

	close(gate)
	waitDone(t, blocker)
	waitDone(t, queued)
}

func TestStopResolvesPendingWithErrStopped(t *testing.T) {
	t.Parallel()
	s := New(Config{Workers: 1, MaxConcurrentTasks: 1, QueueSize: 16}, logx.Nop())
	s.Start()

	gate := make(chan struct{})
	running := make(chan struct{})
	blocker, err := s.Execute(Submission{
		OwnerID: "o",
		Fn: func(ctx context.Context) (any, error) {
			close(running)
			<-gate
			return "finished", nil
		},
	})
	if err != nil {
		t.Fatalf("execute blocker: %v", err)
	}
	<-running

	queued, err := s.Execute(Submission{
		OwnerID: "o",
		Fn:      func(ctx context.Context) (any, error) { return nil, nil },
	})
	if err != nil {
		t.Fatalf("execute queued: %v", err)
	}
	blocked, err := s.Execute(Submission{
		OwnerID:      "o",
		Dependencies: []string{"never-completes"},
		Fn:           func(ctx context.Context) (any, error) { return nil, nil },
	})
	if err != nil {
		t.Fatalf("execute blocked: %v", err)
	}

	// Stop while the blocker still occupies the only admission slot:
	// the other two can never have been admitted.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stopDone := make(chan struct{})
	go func() {
		s.Stop(ctx)
		close(stopDone)
	}()

	for _, e := range []*Execution{queued, blocked} {
		if _, err := e.Wait(ctx); !errors.Is(err, ErrStopped) {
			t.Fatalf("pending execution err = %v, want ErrStopped", err)
		}
	}

	// In-flight work finishes on its own terms.
	close(gate)
	if v, err := waitDone(t, blocker); err != nil || v != "finished" {
		t.Fatalf("in-flight result = %v, %v", v, err)
	}
	<-stopDone

	if _, err := s.Execute(Submission{
		OwnerID: "o",
		Fn:      func(ctx context.Context) (any, error) { return nil, nil },
	}); !errors.Is(err, ErrStopped) {
		t.Fatalf("execute after stop err = %v, want ErrStopped", err)
	}
}
