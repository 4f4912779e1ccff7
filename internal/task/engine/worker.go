package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	logx "stockwatch/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, wake <-chan struct{}) {
	for {
		// A closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		qt, ok := s.next()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-wake:
			}
			continue
		}
		s.execOne(ctx, qt)
		s.releaseGroup(qt.task.Group)
	}
}

func (s *Service) execOne(ctx context.Context, qt queuedTask) {
	start := time.Now()
	queueDelay := start.Sub(qt.enqueuedAt)
	if qt.enqueuedAt.IsZero() || queueDelay < 0 {
		queueDelay = 0
	}

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	if cfg.MaxQueueDelay > 0 && queueDelay > cfg.MaxQueueDelay {
		if s.shouldWarn(start) {
			s.log.Warn("task dropped: stale", logx.String("task", qt.task.Name), logx.Duration("queue_delay", queueDelay))
		}
		s.finish(qt.task, start, queueDelay, 0, ErrStale)
		return
	}
	// Conditions may have changed while the task sat in the queue.
	if qt.task.Admit != nil {
		if err := qt.task.Admit(); err != nil {
			s.finish(qt.task, start, queueDelay, 0, skipError{err})
			return
		}
	}

	s.log.Debug("task.started", logx.String("task", qt.task.Name), logx.Duration("queue_delay", queueDelay))
	s.publish("task.started", TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Key: qt.task.Key, Started: start, QueueDelay: queueDelay})

	n := s.inFlight.Add(1)
	for {
		m := s.maxInFlight.Load()
		if n <= m || s.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}

	runCtx := ctx
	cancel := func() {}
	if qt.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, qt.timeout)
	}
	var err error
	// A panicking task becomes a failed task; the worker keeps going.
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				s.log.Error("task.panic", logx.String("task", qt.task.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		err = qt.task.Run(runCtx)
	}()
	cancel()
	s.inFlight.Add(-1)

	dur := time.Since(start)
	if err != nil {
		if s.shouldWarn(time.Now()) {
			s.log.Warn("task.failed", logx.String("task", qt.task.Name), logx.Err(err), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
		} else {
			s.log.Debug("task.failed", logx.String("task", qt.task.Name), logx.Err(err))
		}
	} else if dur >= 750*time.Millisecond {
		s.log.Info("task.completed", logx.String("task", qt.task.Name), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
	} else {
		s.log.Debug("task.completed", logx.String("task", qt.task.Name), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
	}
	s.finish(qt.task, start, queueDelay, dur, err)
}
