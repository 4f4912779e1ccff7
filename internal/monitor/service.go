// Package monitor is the stock check scheduler and the control surface
// over it.
//
// One Service is constructed per process. It owns the monitoring flag and
// the working copy of the product list, arms the jittered trigger on the
// scheduler and fans each admitted cycle out into the check queue.
package monitor

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"stockwatch/internal/eventbus"
	"stockwatch/internal/governor"
	"stockwatch/internal/product"
	"stockwatch/internal/task/scheduler"
	logx "stockwatch/pkg/logx"
)

const (
	scheduleCycle      = "monitor.cycle"
	scheduleWatchdog   = "monitor.watchdog"
	scheduleDailyReset = "monitor.daily-reset"
)

type Service struct {
	d   Deps
	log logx.Logger
	now func() time.Time

	mu            sync.Mutex
	cfg           Config
	rng           *rand.Rand
	enabled       bool
	gen           uint64
	products      []product.Product
	interval      time.Duration
	lastCycleAt   time.Time
	lastCycle     *CycleReport
	cycles        uint64
	lastRejection governor.Reason
	lastAuto      *AutoCheckout
	trigger       *scheduler.JitteredSchedule

	// pmu serializes product list mutations across the persist step.
	pmu   sync.Mutex
	force singleflight.Group
}

func New(cfg Config, d Deps) *Service {
	cfg = cfg.withDefaults()
	now := d.Clock
	if now == nil {
		now = time.Now
	}
	rng := d.Rand
	if rng == nil {
		seed := uint64(cfg.Seed)
		if seed == 0 {
			seed = uint64(time.Now().UnixNano())
		}
		rng = rand.New(rand.NewPCG(seed, seed^0x5bd1e995))
	}
	return &Service{
		d:        d,
		log:      d.Log.With(logx.String("comp", "monitor")),
		now:      now,
		cfg:      cfg,
		rng:      rng,
		interval: cfg.DefaultInterval,
	}
}

// Start loads persisted state and registers the watchdog and daily reset.
// When monitoring was enabled before the restart, the trigger is armed
// again.
func (s *Service) Start(ctx context.Context) error {
	list, err := s.d.Settings.Products(ctx)
	if err != nil {
		return fmt.Errorf("load products: %w", err)
	}
	interval, err := s.d.Settings.CheckInterval(ctx, s.cfg.DefaultInterval)
	if err != nil {
		return fmt.Errorf("load interval: %w", err)
	}
	enabled, err := s.d.Settings.MonitoringEnabled(ctx)
	if err != nil {
		return fmt.Errorf("load monitoring flag: %w", err)
	}

	s.mu.Lock()
	s.products = list
	s.interval = max(interval, s.cfg.MinInterval)
	cfg := s.cfg
	s.mu.Unlock()

	if s.d.Watchdog != nil {
		if err := s.d.Scheduler.AddInterval(scheduleWatchdog, cfg.WatchdogInterval, 0, s.d.Watchdog.Tick); err != nil {
			return fmt.Errorf("register watchdog: %w", err)
		}
	}
	if err := s.d.Scheduler.AddSchedule(scheduleDailyReset, cfg.DailyReset, 0, s.dailyReset); err != nil {
		return fmt.Errorf("register daily reset: %w", err)
	}

	if enabled {
		s.mu.Lock()
		s.enabled = true
		s.armLocked()
		s.mu.Unlock()
	}
	s.log.Info("monitor started", logx.Int("products", len(list)), logx.Duration("interval", s.Interval()), logx.Bool("enabled", enabled))
	return nil
}

// Stop disarms the trigger and cancels pending checks without touching the
// persisted monitoring flag. Used on process shutdown.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	s.gen++
	s.disarmLocked()
	s.mu.Unlock()
	n := s.d.Queue.CancelAll()
	s.log.Info("monitor stopped", logx.Int("cancelled_checks", n))
}

// Apply swaps tunables. The trigger is re-armed so a new jitter takes
// effect on the next cycle.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	if s.interval < cfg.MinInterval {
		s.interval = cfg.MinInterval
	}
	if s.enabled {
		s.armLocked()
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

func (s *Service) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// Call with s.mu held.
func (s *Service) armLocked() {
	s.trigger = scheduler.JitteredEvery(s.interval, s.cfg.Jitter, rand.New(rand.NewPCG(s.rng.Uint64(), s.rng.Uint64())))
	if err := s.d.Scheduler.AddJittered(scheduleCycle, s.trigger, 0, s.scheduledCycle); err != nil {
		s.log.Error("arm trigger failed", logx.Err(err))
	}
}

// Call with s.mu held.
func (s *Service) disarmLocked() {
	s.d.Scheduler.Remove(scheduleCycle)
	s.trigger = nil
}

func (s *Service) scheduledCycle(ctx context.Context) error {
	_, err := s.startCycle(cycleOpts{trigger: "timer"})
	return err
}

// ResourceExhausted force-disables monitoring after the session ceiling was
// hit. Re-enabling takes an explicit StartMonitoring.
func (s *Service) ResourceExhausted() {
	s.mu.Lock()
	was := s.enabled
	s.enabled = false
	s.gen++
	s.disarmLocked()
	s.mu.Unlock()
	if !was {
		return
	}
	// Called from inside a check; persisting and cancelling must not wait on it.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.d.Settings.SetMonitoringEnabled(ctx, false); err != nil {
			s.log.Error("persist monitoring flag failed", logx.Err(err))
		}
		s.d.Queue.CancelAll()
		s.publish(eventbus.MonitoringChanged, map[string]any{"enabled": false, "reason": governor.ReasonResourceCeiling})
	}()
	s.log.Error("monitoring disabled: session ceiling reached")
}

func (s *Service) dailyReset(ctx context.Context) error {
	s.d.Governor.DailyReset(s.now())
	return nil
}

func (s *Service) publish(typ string, data any) {
	if s.d.Bus == nil {
		return
	}
	s.d.Bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: data})
}

func (s *Service) broadcastStock() {
	s.publish(eventbus.StockStatusUpdate, s.d.States.List())
}
