package monitor

import (
	"math/rand/v2"
	"time"

	"stockwatch/internal/checkout"
	"stockwatch/internal/eventbus"
	"stockwatch/internal/governor"
	"stockwatch/internal/product"
	"stockwatch/internal/ratelimit"
	"stockwatch/internal/session"
	"stockwatch/internal/settings"
	"stockwatch/internal/site"
	"stockwatch/internal/stockstate"
	"stockwatch/internal/task/engine"
	"stockwatch/internal/task/scheduler"
	logx "stockwatch/pkg/logx"
)

// Config tunes the polling cycle.
type Config struct {
	DefaultInterval time.Duration
	MinInterval     time.Duration
	// Jitter is the maximum extra delay added to each interval, as a
	// fraction of it.
	Jitter          float64
	MinCycleSpacing time.Duration

	// More than SelectionThreshold products triggers random subset
	// selection of ceil(n*SelectionFraction).
	SelectionThreshold int
	SelectionFraction  float64
	SkipProbability    float64

	StaggerMin time.Duration
	StaggerMax time.Duration

	CheckTimeout     time.Duration
	WatchdogInterval time.Duration
	DailyReset       string

	// Seed fixes the random source when Deps.Rand is nil. Zero seeds from
	// the clock.
	Seed int64
}

func (c Config) withDefaults() Config {
	if c.DefaultInterval <= 0 {
		c.DefaultInterval = 60 * time.Second
	}
	if c.MinInterval <= 0 {
		c.MinInterval = 30 * time.Second
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
	if c.SelectionThreshold <= 0 {
		c.SelectionThreshold = 3
	}
	if c.SelectionFraction <= 0 || c.SelectionFraction > 1 {
		c.SelectionFraction = 0.7
	}
	if c.SkipProbability < 0 || c.SkipProbability >= 1 {
		c.SkipProbability = 0.1
	}
	if c.StaggerMax < c.StaggerMin {
		c.StaggerMax = c.StaggerMin
	}
	if c.CheckTimeout <= 0 {
		c.CheckTimeout = 45 * time.Second
	}
	if c.WatchdogInterval <= 0 {
		c.WatchdogInterval = 60 * time.Second
	}
	if c.DailyReset == "" {
		c.DailyReset = "@daily"
	}
	return c
}

// Deps are the collaborators the monitor drives. All are required except
// Watchdog, Bus, Clock and Rand.
type Deps struct {
	Settings  *settings.Settings
	States    *stockstate.Store
	Registry  *site.Registry
	Pool      *session.Pool
	Limiter   *ratelimit.Limiter
	Queue     *engine.Service
	Scheduler *scheduler.Service
	Governor  *governor.Governor
	Purchases *governor.Purchases
	Checkout  *checkout.Orchestrator
	Watchdog  *governor.Watchdog
	Bus       eventbus.Bus
	Log       logx.Logger
	Clock     func() time.Time
	Rand      *rand.Rand
}

// Result is the common response shape of control operations.
type Result struct {
	Success bool            `json:"success"`
	Reason  governor.Reason `json:"reason,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// ProductsResult carries the product list and the stock record of every
// product checked so far. Product mutations return it too.
type ProductsResult struct {
	Result
	Products    []product.Product   `json:"products"`
	StockStatus []stockstate.Record `json:"stockStatus"`
}

// StatusResult is the monitoring flag plus full diagnostics.
type StatusResult struct {
	Result
	IsMonitoring bool        `json:"isMonitoring"`
	Diagnostics  Diagnostics `json:"diagnostics"`
}

// CheckResult reports a forced cycle. Cycle is nil when it was rejected.
type CheckResult struct {
	Result
	Cycle       *CycleReport        `json:"cycle,omitempty"`
	StockStatus []stockstate.Record `json:"stockStatus,omitempty"`
}

// PurchaseResult is the persisted purchase count and limit after the call.
type PurchaseResult struct {
	Result
	Count int `json:"count"`
	Limit int `json:"limit"`
}

// CartResult wraps the checkout outcome of a manual add-to-cart.
// LimitReached is set when the purchase limit refused it.
type CartResult struct {
	Result
	LimitReached bool             `json:"limitReached,omitempty"`
	Checkout     *checkout.Result `json:"checkout,omitempty"`
}

// CycleReport summarizes one scheduling attempt that passed admission.
type CycleReport struct {
	ID         uint64        `json:"id"`
	Trigger    string        `json:"trigger"`
	StartedAt  time.Time     `json:"startedAt"`
	FinishedAt time.Time     `json:"finishedAt,omitempty"`
	Took       time.Duration `json:"took"`
	Products   int           `json:"products"`
	Selected   int           `json:"selected"`
	Checked    int           `json:"checked"`
	InStock    int           `json:"inStock"`
	Failed     int           `json:"failed"`
	Skipped    int           `json:"skipped"`
}

// SessionStats mirrors the session pool counters.
type SessionStats struct {
	Open      int    `json:"open"`
	Created   uint64 `json:"created"`
	Reclaimed uint64 `json:"reclaimed"`
}

// AutoCheckout is the outcome of the latest automatic checkout attempt,
// including ones refused before they reached the site.
type AutoCheckout struct {
	ProductID string          `json:"productId"`
	Success   bool            `json:"success"`
	Reason    governor.Reason `json:"reason,omitempty"`
	At        time.Time       `json:"at"`
}

// Diagnostics is a point-in-time view of the monitor and everything it
// drives. Zero times mean "never".
type Diagnostics struct {
	Enabled       bool                       `json:"enabled"`
	Interval      time.Duration              `json:"interval"`
	Products      int                        `json:"products"`
	Cycles        uint64                     `json:"cycles"`
	LastCycleAt   time.Time                  `json:"lastCycleAt,omitempty"`
	NextTriggerAt time.Time                  `json:"nextTriggerAt,omitempty"`
	LastCycle     *CycleReport               `json:"lastCycle,omitempty"`
	LastRejection governor.Reason            `json:"lastRejection,omitempty"`
	LastAuto      *AutoCheckout              `json:"lastAutoCheckout,omitempty"`
	Governor      governor.Snapshot          `json:"governor"`
	Sessions      SessionStats               `json:"sessions"`
	Queue         engine.Snapshot            `json:"queue"`
	Limiter       ratelimit.Snapshot         `json:"limiter"`
	Checkout      checkout.Status            `json:"checkout"`
	Scheduler     scheduler.Snapshot         `json:"scheduler"`
	Watchdog      *governor.WatchdogSnapshot `json:"watchdog,omitempty"`
}

func fail(err error) Result {
	return Result{Success: false, Reason: governor.ReasonOf(err), Error: err.Error()}
}

func succeeded() Result { return Result{Success: true} }
