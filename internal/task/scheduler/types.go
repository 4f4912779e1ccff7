package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	logx "stockwatch/pkg/logx"
)

// Config controls the trigger service.
type Config struct {
	Timezone string // IANA TZ, e.g. "Europe/Berlin". Used for cron specs.
}

// Job is what a schedule runs. The context is cancelled on Stop and carries
// the per-schedule timeout when one is set.
type Job func(ctx context.Context) error

type scheduleDef struct {
	name    string
	spec    string        // cron spec, or a description for custom schedules
	sched   cron.Schedule // custom schedule; nil means parse spec
	timeout time.Duration
	job     Job
	entryID cron.EntryID
}

// Service owns a robfig cron instance and a set of named schedules.
//
// Schedules are upserted by name and survive Stop/Start. Overlapping runs of
// the same schedule are skipped, not queued.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	loc    *time.Location
	parser cron.Parser
	c      *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	defs   []scheduleDef

	// Job error throttling: key is schedule name.
	errMu       sync.Mutex
	lastErrWarn map[string]time.Time
}

type ScheduleInfo struct {
	Name    string        `json:"name"`
	Spec    string        `json:"spec"`
	Timeout time.Duration `json:"timeout,omitempty"`
	Next    time.Time     `json:"next,omitempty"`
	Prev    time.Time     `json:"prev,omitempty"`
}

type Snapshot struct {
	Running   bool           `json:"running"`
	Timezone  string         `json:"timezone"`
	Schedules []ScheduleInfo `json:"schedules"`
}
