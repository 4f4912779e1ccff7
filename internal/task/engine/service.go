package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"stockwatch/internal/eventbus"
	rtsup "stockwatch/internal/runtime/supervisor"
	logx "stockwatch/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// Service is a FIFO work queue with delayed admission.
//
// Submit accepts a task, optionally parks it on a timer for Task.Delay, then
// appends it to the queue. Config.Workers goroutines drain the queue, so at
// most Workers tasks run at once regardless of queue depth. The queue itself
// is unbounded; admitted tasks wait until a worker is free.
type Service struct {
	mu       sync.Mutex
	cfg      Config
	log      logx.Logger
	bus      eventbus.Bus
	started  bool
	queue    []queuedTask
	wake     chan struct{}
	groups   groupLimits
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	pendMu  sync.Mutex
	pending map[uint64]*pendingTask
	pendSeq uint64

	gate keyGate

	inFlight    atomic.Int32
	maxInFlight atomic.Int32

	hmu     sync.Mutex
	history []HistoryItem

	idSeq     atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	skipped   atomic.Uint64
	cancelled atomic.Uint64
	dropped   atomic.Uint64

	lastDropWarnAt    atomic.Int64
	lastBacklogWarnAt atomic.Int64
}

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
	timeout    time.Duration
}

// skipError marks a task refused by its Admit hook.
type skipError struct{ err error }

func (e skipError) Error() string { return e.err.Error() }
func (e skipError) Unwrap() error { return e.err }

type pendingTask struct {
	task  Task
	timer *time.Timer
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	return &Service{
		cfg:     cfg.withDefaults(),
		log:     log.With(logx.String("comp", "checkqueue")),
		bus:     bus,
		pending: map[uint64]*pendingTask{},
	}
}

func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && s.stopDone == nil
}

// Apply swaps tunables. A change in Workers restarts the workers; tasks
// still queued at that point finish with ErrStopped. QueueSize and
// GroupLimit apply to the next dequeue.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.started && s.stopDone == nil
	wake := s.wake
	s.mu.Unlock()

	if running && prev.Workers != cfg.Workers {
		s.log.Info("check queue resizing", logx.Int("workers", cfg.Workers))
		s.Stop(ctx)
		s.Start(ctx)
		return
	}
	// A raised group limit may unblock queued tasks.
	signal(wake)
}

// Start is idempotent. If a Stop is in progress it waits for it first.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if done := s.stopDone; done != nil {
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.started {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	s.started = true
	s.wake = make(chan struct{}, cfg.Workers)
	s.stopCh = make(chan struct{})
	stopCh, wake := s.stopCh, s.wake
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	sup := s.sup
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		idx := i
		sup.GoRestart(fmt.Sprintf("check.worker.%d", idx), func(c context.Context) error {
			s.worker(c, stopCh, wake)
			select {
			case <-stopCh:
				return nil
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("check queue started", logx.Int("workers", cfg.Workers), logx.Int("group_limit", cfg.GroupLimit))
}

// Stop cancels pending tasks, lets running tasks finish and fails whatever
// is still queued with ErrStopped.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	if done := s.stopDone; done != nil {
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	s.mu.Unlock()

	s.CancelPending()

	go func() {
		_ = sup.Wait(context.Background())
		sup.Cancel()
		s.mu.Lock()
		leftover := s.queue
		s.queue = nil
		s.started = false
		s.wake = nil
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
		for _, qt := range leftover {
			s.finish(qt.task, time.Now(), 0, 0, ErrStopped)
		}
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("check queue stopped")
	case <-ctx.Done():
		s.log.Warn("check queue stop timed out", logx.Err(ctx.Err()))
	}
}

// Submit accepts t. It returns an error only when the task was not accepted
// (stopped, invalid, or its key is already in flight); in that case Done is
// not called.
func (s *Service) Submit(t Task) error {
	if t.Run == nil {
		return errors.New("task Run is nil")
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return errors.New("task Name is required")
	}
	t.Group = strings.TrimSpace(t.Group)
	now := time.Now()
	if t.ID == "" {
		t.ID = fmt.Sprintf("chk-%x-%x", now.UnixNano(), s.idSeq.Add(1))
	}
	if !s.Running() {
		return ErrStopped
	}
	if !s.gate.tryAcquire(t.Key) {
		s.skipped.Add(1)
		s.publish("task.skipped", TaskEvent{ID: t.ID, Name: t.Name, Key: t.Key, Started: now, Error: "overlap_skip"})
		s.log.Debug("task skipped: key in flight", logx.String("task", t.Name), logx.String("key", t.Key))
		return ErrOverlapSkip
	}

	if t.Delay <= 0 {
		s.admit(t)
		return nil
	}

	s.pendMu.Lock()
	s.pendSeq++
	id := s.pendSeq
	pt := &pendingTask{task: t}
	s.pending[id] = pt
	pt.timer = time.AfterFunc(t.Delay, func() { s.firePending(id) })
	s.pendMu.Unlock()
	return nil
}

func (s *Service) firePending(id uint64) {
	s.pendMu.Lock()
	pt, ok := s.pending[id]
	delete(s.pending, id)
	s.pendMu.Unlock()
	if !ok {
		return
	}
	s.admit(pt.task)
}

// admit appends a task to the queue, or finishes it if it cannot run.
func (s *Service) admit(t Task) {
	now := time.Now()
	if t.Admit != nil {
		if err := t.Admit(); err != nil {
			s.finish(t, now, 0, 0, skipError{err})
			return
		}
	}

	s.mu.Lock()
	if !s.started || s.stopDone != nil {
		s.mu.Unlock()
		s.finish(t, now, 0, 0, ErrStopped)
		return
	}
	cfg := s.cfg
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}
	s.queue = append(s.queue, queuedTask{task: t, enqueuedAt: now, timeout: timeout})
	depth, wake := len(s.queue), s.wake
	s.mu.Unlock()
	signal(wake)

	if depth > cfg.QueueSize && throttle(&s.lastBacklogWarnAt, now) {
		s.log.Warn("check queue backlog above threshold", logx.Int("queued", depth), logx.Int("threshold", cfg.QueueSize), logx.Int("workers", cfg.Workers))
	}
}

// next pops the oldest queued task whose group has a free slot. Tasks of a
// saturated group stay in place, so order within a group is kept.
func (s *Service) next() (queuedTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	limit := s.cfg.GroupLimit
	for i, qt := range s.queue {
		if !s.groups.tryAcquire(qt.task.Group, limit) {
			continue
		}
		s.queue = append(s.queue[:i], s.queue[i+1:]...)
		if len(s.queue) > 0 {
			// Let another idle worker look at the rest.
			signal(s.wake)
		}
		return qt, true
	}
	return queuedTask{}, false
}

func (s *Service) releaseGroup(group string) {
	s.mu.Lock()
	s.groups.release(group)
	wake := s.wake
	s.mu.Unlock()
	signal(wake)
}

// CancelPending cancels every task still waiting out its delay and returns
// how many were cancelled.
func (s *Service) CancelPending() int {
	s.pendMu.Lock()
	list := make([]*pendingTask, 0, len(s.pending))
	for id, pt := range s.pending {
		list = append(list, pt)
		delete(s.pending, id)
	}
	s.pendMu.Unlock()

	now := time.Now()
	for _, pt := range list {
		pt.timer.Stop()
		s.finish(pt.task, now, 0, 0, ErrCancelled)
	}
	return len(list)
}

// CancelQueued removes tasks that are queued but not yet picked up.
func (s *Service) CancelQueued() int {
	s.mu.Lock()
	leftover := s.queue
	s.queue = nil
	s.mu.Unlock()
	now := time.Now()
	for _, qt := range leftover {
		s.finish(qt.task, now, now.Sub(qt.enqueuedAt), 0, ErrCancelled)
	}
	return len(leftover)
}

// CancelKey cancels the pending or queued task holding key. A task already
// running is left alone.
func (s *Service) CancelKey(key string) int {
	if key == "" {
		return 0
	}
	var hit []pendingTask
	s.pendMu.Lock()
	for id, pt := range s.pending {
		if pt.task.Key == key {
			pt.timer.Stop()
			hit = append(hit, *pt)
			delete(s.pending, id)
		}
	}
	s.pendMu.Unlock()

	var queued []queuedTask
	s.mu.Lock()
	kept := s.queue[:0]
	for _, qt := range s.queue {
		if qt.task.Key == key {
			queued = append(queued, qt)
			continue
		}
		kept = append(kept, qt)
	}
	s.queue = kept
	s.mu.Unlock()

	now := time.Now()
	for _, pt := range hit {
		s.finish(pt.task, now, 0, 0, ErrCancelled)
	}
	for _, qt := range queued {
		s.finish(qt.task, now, now.Sub(qt.enqueuedAt), 0, ErrCancelled)
	}
	return len(hit) + len(queued)
}

// CancelAll is CancelPending followed by CancelQueued. Running tasks are left alone.
func (s *Service) CancelAll() int {
	return s.CancelPending() + s.CancelQueued()
}

// finish records the outcome of an accepted task and calls its Done hook.
func (s *Service) finish(t Task, started time.Time, queueDelay, dur time.Duration, err error) {
	s.gate.release(t.Key)

	var skip skipError
	skipped := errors.As(err, &skip)
	if skipped {
		err = skip.err
	}

	ev := TaskEvent{ID: t.ID, Name: t.Name, Key: t.Key, Started: started, QueueDelay: queueDelay, Duration: dur}
	item := HistoryItem{ID: t.ID, Name: t.Name, Key: t.Key, Started: started, QueueDelay: queueDelay, Duration: dur}
	if err != nil {
		ev.Error = err.Error()
		item.Error = err.Error()
	}

	switch {
	case err == nil:
		s.completed.Add(1)
		s.publish("task.finished", ev)
	case skipped:
		s.skipped.Add(1)
		s.publish("task.skipped", ev)
	case errors.Is(err, ErrCancelled) || errors.Is(err, ErrStopped):
		s.cancelled.Add(1)
		s.publish("task.cancelled", ev)
	case errors.Is(err, ErrStale):
		s.dropped.Add(1)
		s.publish("task.dropped", ev)
	default:
		s.failed.Add(1)
		s.publish("task.failed", ev)
	}

	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = append([]HistoryItem(nil), s.history[len(s.history)-size:]...)
	}
	s.hmu.Unlock()

	if t.Done != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("task done hook panicked", logx.String("task", t.Name), logx.Any("panic", r))
				}
			}()
			t.Done(err)
		}()
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	running := s.started && s.stopDone == nil
	queued := len(s.queue)
	s.mu.Unlock()

	s.pendMu.Lock()
	pending := len(s.pending)
	s.pendMu.Unlock()

	s.hmu.Lock()
	h := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()

	snap := Snapshot{
		Running:     running,
		Workers:     cfg.Workers,
		GroupLimit:  cfg.GroupLimit,
		QueueLen:    queued,
		QueueWarnAt: cfg.QueueSize,
		Pending:     pending,
		InFlight:    int(s.inFlight.Load()),
		MaxInFlight: int(s.maxInFlight.Load()),
		ActiveKeys:  s.gate.len(),
		Completed:   s.completed.Load(),
		Failed:      s.failed.Load(),
		Skipped:     s.skipped.Load(),
		Cancelled:   s.cancelled.Load(),
		Dropped:     s.dropped.Load(),
		History:     h,
	}
	return snap
}

func (s *Service) publish(typ string, ev TaskEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}

func (s *Service) shouldWarn(now time.Time) bool {
	return throttle(&s.lastDropWarnAt, now)
}

func throttle(last *atomic.Int64, now time.Time) bool {
	prev := last.Load()
	n := now.UnixNano()
	if prev != 0 && n-prev < int64(warnThrottleEvery) {
		return false
	}
	return last.CompareAndSwap(prev, n)
}

func signal(wake chan struct{}) {
	if wake == nil {
		return
	}
	select {
	case wake <- struct{}{}:
	default:
	}
}
