// Package governor holds the global safety state of the monitor: the
// consecutive-failure breaker, the per-period session ceiling and the
// purchase limit.
package governor

import (
	"sync"
	"time"

	logx "stockwatch/pkg/logx"
)

type Config struct {
	BreakerThreshold     int
	BreakerCooldown      time.Duration
	MaxSessionsPerPeriod int
	// Location decides where the calendar day boundary falls.
	Location *time.Location
}

func (c Config) withDefaults() Config {
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 3
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 4 * time.Hour
	}
	if c.MaxSessionsPerPeriod <= 0 {
		c.MaxSessionsPerPeriod = 200
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	return c
}

type Governor struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	now func() time.Time

	failures  int
	openUntil time.Time
	trips     uint64

	sessions    int
	period      string
	ceilingHits uint64

	onTrip    func(until time.Time)
	onCeiling func()
}

type Option func(*Governor)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Governor) {
		if now != nil {
			g.now = now
		}
	}
}

// OnTrip is called, in its own goroutine, each time the breaker opens.
func OnTrip(fn func(until time.Time)) Option {
	return func(g *Governor) { g.onTrip = fn }
}

// OnCeiling is called synchronously when a session is refused because the
// period ceiling was reached. It must not call back into the Governor.
func OnCeiling(fn func()) Option {
	return func(g *Governor) { g.onCeiling = fn }
}

func New(cfg Config, log logx.Logger, opts ...Option) *Governor {
	g := &Governor{
		cfg: cfg.withDefaults(),
		log: log.With(logx.String("comp", "governor")),
		now: time.Now,
	}
	for _, o := range opts {
		o(g)
	}
	g.period = g.dayKey(g.now())
	return g
}

// Apply swaps tunables. Counters are kept.
func (g *Governor) Apply(cfg Config) {
	g.mu.Lock()
	g.cfg = cfg.withDefaults()
	g.mu.Unlock()
}

// AdmitSession counts one session creation against the period ceiling.
// It is the session pool's admission hook.
func (g *Governor) AdmitSession() error {
	g.mu.Lock()
	g.rollLocked(g.now())
	if g.sessions >= g.cfg.MaxSessionsPerPeriod {
		g.ceilingHits++
		cb := g.onCeiling
		limit := g.cfg.MaxSessionsPerPeriod
		g.mu.Unlock()
		g.log.Error("session ceiling reached; refusing new sessions", logx.Int("max", limit))
		if cb != nil {
			cb()
		}
		return ErrResourceCeiling
	}
	g.sessions++
	g.mu.Unlock()
	return nil
}

// ResetCounters clears the failure and session counters. Called when
// monitoring is started or stopped. An open breaker stays open.
func (g *Governor) ResetCounters() {
	g.mu.Lock()
	if g.openUntil.IsZero() {
		g.failures = 0
	}
	g.sessions = 0
	g.mu.Unlock()
}

// RollDay resets counters when now falls on a different calendar day than
// the last reset. It reports whether a reset happened.
func (g *Governor) RollDay(now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rollLocked(now)
}

// DailyReset resets counters unconditionally and starts a new period. An
// open breaker keeps its cooldown.
func (g *Governor) DailyReset(now time.Time) {
	g.mu.Lock()
	g.period = g.dayKey(now)
	g.resetPeriodLocked(now)
	g.mu.Unlock()
	g.log.Info("daily counters reset")
}

func (g *Governor) rollLocked(now time.Time) bool {
	key := g.dayKey(now)
	if key == g.period {
		return false
	}
	g.period = key
	g.resetPeriodLocked(now)
	g.log.Info("new period; counters reset", logx.String("period", key))
	return true
}

func (g *Governor) resetPeriodLocked(now time.Time) {
	g.sessions = 0
	g.closeIfCooledLocked(now)
	if g.openUntil.IsZero() {
		g.failures = 0
	}
}

func (g *Governor) dayKey(t time.Time) string {
	return t.In(g.cfg.Location).Format(time.DateOnly)
}

// Snapshot is the governor's diagnostics view.
type Snapshot struct {
	Breaker         BreakerState `json:"breaker"`
	SessionsCreated int          `json:"sessions_created"`
	SessionCeiling  int          `json:"session_ceiling"`
	CeilingHits     uint64       `json:"ceiling_hits"`
	Period          string       `json:"period"`
}

func (g *Governor) Snapshot() Snapshot {
	now := g.now()
	b := g.Breaker(now)
	g.mu.Lock()
	defer g.mu.Unlock()
	return Snapshot{
		Breaker:         b,
		SessionsCreated: g.sessions,
		SessionCeiling:  g.cfg.MaxSessionsPerPeriod,
		CeilingHits:     g.ceilingHits,
		Period:          g.period,
	}
}
