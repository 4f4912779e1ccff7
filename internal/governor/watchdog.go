package governor

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"stockwatch/internal/session"
	logx "stockwatch/pkg/logx"
)

// Reclaimer is the part of the session pool the watchdog needs.
type Reclaimer interface {
	Reclaim(keep func(purpose string) bool) int
	OpenCount() int
}

// Watchdog is the independent periodic safety tick. It reclaims sessions
// left open while monitoring is off, rolls the daily counters and pings the
// systemd watchdog.
type Watchdog struct {
	gov     *Governor
	pool    Reclaimer
	enabled func() bool
	busy    func() bool
	ping    func() error
	log     logx.Logger

	ticks     atomic.Uint64
	reclaimed atomic.Uint64
	lastTick  atomic.Int64
}

type WatchdogOption func(*Watchdog)

// WithCheckoutGuard keeps checkout sessions open while busy reports true.
// A manual checkout may run with monitoring off.
func WithCheckoutGuard(busy func() bool) WatchdogOption {
	return func(w *Watchdog) { w.busy = busy }
}

// WithPing sets the liveness ping sent on every tick.
func WithPing(fn func() error) WatchdogOption {
	return func(w *Watchdog) { w.ping = fn }
}

func NewWatchdog(gov *Governor, pool Reclaimer, monitoringEnabled func() bool, log logx.Logger, opts ...WatchdogOption) *Watchdog {
	w := &Watchdog{
		gov:     gov,
		pool:    pool,
		enabled: monitoringEnabled,
		log:     log.With(logx.String("comp", "watchdog")),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Tick runs one watchdog pass. It has the scheduler job signature.
func (w *Watchdog) Tick(ctx context.Context) error {
	now := w.gov.now()
	w.ticks.Add(1)
	w.lastTick.Store(now.UnixNano())

	if w.enabled != nil && !w.enabled() && w.pool != nil && w.pool.OpenCount() > 0 {
		var keep func(string) bool
		if w.busy != nil && w.busy() {
			keep = func(purpose string) bool { return purpose == session.PurposeCheckout }
		}
		if n := w.pool.Reclaim(keep); n > 0 {
			w.reclaimed.Add(uint64(n))
			w.log.Warn("reclaimed sessions left open while monitoring is off", logx.Int("sessions", n))
		}
	}
	w.gov.RollDay(now)

	if w.ping != nil {
		if err := w.ping(); err != nil {
			return err
		}
	}
	return ctx.Err()
}

type WatchdogSnapshot struct {
	Ticks     uint64    `json:"ticks"`
	Reclaimed uint64    `json:"reclaimed"`
	LastTick  time.Time `json:"last_tick,omitempty"`
}

func (w *Watchdog) Snapshot() WatchdogSnapshot {
	s := WatchdogSnapshot{Ticks: w.ticks.Load(), Reclaimed: w.reclaimed.Load()}
	if n := w.lastTick.Load(); n != 0 {
		s.LastTick = time.Unix(0, n)
	}
	return s
}

// SystemdPing returns a ping func for WithPing when the process runs under a
// systemd unit with WatchdogSec set, and nil otherwise.
func SystemdPing(log logx.Logger) func() error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		log.Warn("systemd watchdog env invalid", logx.Err(err))
		return nil
	}
	if interval <= 0 {
		return nil
	}
	log.Info("systemd watchdog enabled", logx.Duration("interval", interval))
	return func() error {
		_, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		return err
	}
}
