package pool

import (
	"container/heap"
	"sync/atomic"
)

// admitQueue orders submissions by priority, then submission order within
// a tier (FIFO tie-break via the monotonic seq).
type admitQueue []*submission

func (q admitQueue) Len() int { return len(q) }
func (q admitQueue) Less(i, j int) bool {
	if q[i].prio != q[j].prio {
		return q[i].prio > q[j].prio
	}
	return q[i].seq < q[j].seq
}
func (q admitQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *admitQueue) Push(x any) { *q = append(*q, x.(*submission)) }
func (q *admitQueue) Pop() any {
	old := *q
	n := len(old)
	sub := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return sub
}

// dispatchState is owned exclusively by the dispatcher goroutine. All
// admission decisions flow through it; nothing else may touch these maps.
type dispatchState struct {
	s *Service

	queue admitQueue

	// waiters maps an execution id to the submissions blocked on it.
	waiters map[string][]*submission

	// completed remembers finished execution ids so late submissions that
	// depend on them pass immediately. Bounded in practice by process
	// lifetime and the expected tens-to-hundreds of schedules.
	completed map[string]struct{}

	// ownerParked holds submissions popped while their owner was at its
	// per-owner cap; a completion for that owner re-queues them.
	ownerParked map[string][]*submission

	admitted int
	perOwner map[string]int
}

func newDispatchState(s *Service) *dispatchState {
	return &dispatchState{
		s:           s,
		waiters:     make(map[string][]*submission),
		completed:   make(map[string]struct{}),
		ownerParked: make(map[string][]*submission),
		perOwner:    make(map[string]int),
	}
}

// run is the single dispatcher loop. It promotes Blocked submissions to
// Queued when their dependencies resolve and admits Queued work up to the
// concurrency ceiling.
func (d *dispatchState) run() {
	s := d.s
	for {
		d.admitAll()
		select {
		case sub := <-s.submitCh:
			d.accept(sub)
		case sub := <-s.doneCh:
			d.complete(sub)
		case <-s.stopCh:
			d.shutdown()
			return
		}
	}
}

func (d *dispatchState) accept(sub *submission) {
	remaining := make(map[string]struct{})
	for _, dep := range sub.deps {
		if _, done := d.completed[dep]; !done {
			remaining[dep] = struct{}{}
		}
	}
	if len(remaining) == 0 {
		heap.Push(&d.queue, sub)
		return
	}
	sub.waiting = remaining
	for dep := range remaining {
		d.waiters[dep] = append(d.waiters[dep], sub)
	}
	atomic.AddInt32(&d.s.blocked, 1)
}

func (d *dispatchState) complete(sub *submission) {
	owner := sub.exec.ownerID
	d.admitted--
	if d.perOwner[owner] > 0 {
		d.perOwner[owner]--
		if d.perOwner[owner] == 0 {
			delete(d.perOwner, owner)
		}
	}
	atomic.AddInt32(&d.s.admittedGauge, -1)
	d.completed[sub.exec.id] = struct{}{}

	// Re-queue work parked on this owner's cap.
	if parked := d.ownerParked[owner]; len(parked) > 0 {
		delete(d.ownerParked, owner)
		for _, p := range parked {
			heap.Push(&d.queue, p)
		}
	}

	// Promote dependents. Failure unblocks identically to success: the
	// dependent observes the outcome via the Execution, never by being
	// withheld forever.
	for _, w := range d.waiters[sub.exec.id] {
		delete(w.waiting, sub.exec.id)
		if len(w.waiting) == 0 {
			atomic.AddInt32(&d.s.blocked, -1)
			heap.Push(&d.queue, w)
		}
	}
	delete(d.waiters, sub.exec.id)
}

// admitAll moves queued submissions into the worker channel while the
// admitted budget allows. The channel's capacity equals the budget, so
// the send can never block.
func (d *dispatchState) admitAll() {
	s := d.s
	for d.admitted < s.cfg.MaxConcurrentTasks {
		sub := d.popAdmissible()
		if sub == nil {
			return
		}
		d.admitted++
		d.perOwner[sub.exec.ownerID]++
		atomic.AddInt32(&s.pending, -1)
		atomic.AddInt32(&s.admittedGauge, 1)
		s.admitCh <- sub
	}
}

func (d *dispatchState) popAdmissible() *submission {
	for d.queue.Len() > 0 {
		sub := heap.Pop(&d.queue).(*submission)
		owner := sub.exec.ownerID
		if d.s.cfg.MaxPerOwner > 0 && d.perOwner[owner] >= d.s.cfg.MaxPerOwner {
			d.ownerParked[owner] = append(d.ownerParked[owner], sub)
			continue
		}
		return sub
	}
	return nil
}

// shutdown resolves everything still waiting for admission. In-flight
// work keeps running; workers resolve those executions themselves.
func (d *dispatchState) shutdown() {
	// Submissions that never made it out of the submit channel.
	for {
		select {
		case sub := <-d.s.submitCh:
			sub.exec.resolve(nil, ErrStopped)
			continue
		default:
		}
		break
	}
	for d.queue.Len() > 0 {
		sub := heap.Pop(&d.queue).(*submission)
		sub.exec.resolve(nil, ErrStopped)
	}
	seen := make(map[*submission]struct{})
	for _, subs := range d.waiters {
		for _, sub := range subs {
			seen[sub] = struct{}{}
		}
	}
	for sub := range seen {
		sub.exec.resolve(nil, ErrStopped)
	}
	for _, parked := range d.ownerParked {
		for _, sub := range parked {
			sub.exec.resolve(nil, ErrStopped)
		}
	}
}
