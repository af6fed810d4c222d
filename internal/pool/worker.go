package pool

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"cronwell/pkg/logx"
)

func (s *Service) worker(idx int) {
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-s.stopCh:
			return
		default:
		}

		select {
		case <-s.stopCh:
			return
		case sub := <-s.admitCh:
			atomic.AddInt32(&s.inFlight, 1)
			s.runOne(sub, idx)
			atomic.AddInt32(&s.inFlight, -1)

			select {
			case s.doneCh <- sub:
			case <-s.stopCh:
				return
			}
		}
	}
}

func (s *Service) runOne(sub *submission, idx int) {
	start := time.Now()
	queueDelay := time.Duration(0)
	if !sub.enqueuedAt.IsZero() {
		queueDelay = start.Sub(sub.enqueuedAt)
		if queueDelay < 0 {
			queueDelay = 0
		}
	}

	s.log.Debug("execution started",
		logx.String("execution_id", sub.exec.id),
		logx.String("owner", sub.exec.ownerID),
		logx.Int("worker", idx),
		logx.Duration("queue_delay", queueDelay))

	var (
		value any
		err   error
	)
	// Guard against panics: one bad work function must not kill a worker
	// or strand dependents waiting on this execution id.
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				s.log.Error("execution panicked",
					logx.String("execution_id", sub.exec.id),
					logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())))
			}
		}()
		value, err = sub.fn(context.Background())
	}()

	sub.exec.resolve(value, err)

	dur := time.Since(start)
	atomic.AddUint64(&s.completed, 1)
	if err != nil {
		atomic.AddUint64(&s.failed, 1)
		s.log.Warn("execution failed",
			logx.String("execution_id", sub.exec.id),
			logx.String("owner", sub.exec.ownerID),
			logx.Err(err),
			logx.Duration("dur", dur))
		return
	}
	s.log.Debug("execution completed",
		logx.String("execution_id", sub.exec.id),
		logx.String("owner", sub.exec.ownerID),
		logx.Duration("queue_delay", queueDelay),
		logx.Duration("dur", dur))
}
