package engine

import (
	"context"
	"sync"
	"time"
)

// Config controls the check queue.
//
// Workers is a hard ceiling on concurrently running tasks. Tasks beyond it
// wait in FIFO order.
type Config struct {
	Workers int
	// QueueSize is the backlog depth above which a warning is logged. The
	// queue never drops admitted tasks.
	QueueSize int
	// GroupLimit caps running tasks that share a Task.Group. 0 disables it.
	GroupLimit int

	// DefaultTimeout is used when Task.Timeout is 0. 0 disables it.
	DefaultTimeout time.Duration

	// MaxQueueDelay drops tasks that waited in the queue longer than this.
	// The stagger delay before admission does not count. 0 disables it.
	MaxQueueDelay time.Duration

	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 3
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.GroupLimit < 0 {
		c.GroupLimit = 0
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// Task is one unit of work, typically a stock check for one product.
type Task struct {
	ID   string
	Name string
	// Key gates overlap: while a task with the same Key is pending, queued or
	// running, another one is skipped. Empty disables the gate.
	Key string
	// Group shares Config.GroupLimit slots with other tasks of the same
	// group, such as checks against one host.
	Group string

	// Delay postpones admission to the queue. The task holds no worker slot
	// while it waits.
	Delay   time.Duration
	Timeout time.Duration

	// Admit runs when the delay elapses and again right before Run. A non-nil
	// error skips the task.
	Admit func() error
	Run   func(ctx context.Context) error
	// Done is called exactly once for every accepted task, with the run error
	// or the reason it never ran.
	Done func(err error)
}

// keyGate tracks which keys are in the pipeline.
type keyGate struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func (g *keyGate) tryAcquire(key string) bool {
	if key == "" {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.keys == nil {
		g.keys = map[string]struct{}{}
	}
	if _, busy := g.keys[key]; busy {
		return false
	}
	g.keys[key] = struct{}{}
	return true
}

func (g *keyGate) release(key string) {
	if key == "" {
		return
	}
	g.mu.Lock()
	delete(g.keys, key)
	g.mu.Unlock()
}

func (g *keyGate) len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.keys)
}

type HistoryItem struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Key        string        `json:"key,omitempty"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// TaskEvent is published on the event bus for task lifecycle events.
type TaskEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Key        string        `json:"key,omitempty"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// Snapshot is a point-in-time view for diagnostics.
type Snapshot struct {
	Running     bool          `json:"running"`
	Workers     int           `json:"workers"`
	GroupLimit  int           `json:"group_limit,omitempty"`
	QueueLen    int           `json:"queue_len"`
	QueueWarnAt int           `json:"queue_warn_at"`
	Pending     int           `json:"pending"`
	InFlight    int           `json:"in_flight"`
	MaxInFlight int           `json:"max_in_flight"`
	ActiveKeys  int           `json:"active_keys"`
	Completed   uint64        `json:"completed"`
	Failed      uint64        `json:"failed"`
	Skipped     uint64        `json:"skipped"`
	Cancelled   uint64        `json:"cancelled"`
	Dropped     uint64        `json:"dropped"`
	History     []HistoryItem `json:"history,omitempty"`
}
