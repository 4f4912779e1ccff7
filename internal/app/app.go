// Package app constructs every stockwatch service once and owns the
// process lifecycle: start order, config hot reload and bounded shutdown.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"stockwatch/internal/checkout"
	"stockwatch/internal/config"
	"stockwatch/internal/eventbus"
	"stockwatch/internal/governor"
	"stockwatch/internal/httpapi"
	"stockwatch/internal/metrics"
	"stockwatch/internal/monitor"
	"stockwatch/internal/notifier"
	"stockwatch/internal/ratelimit"
	"stockwatch/internal/runtime/supervisor"
	"stockwatch/internal/session"
	"stockwatch/internal/settings"
	"stockwatch/internal/site"
	"stockwatch/internal/stockstate"
	"stockwatch/internal/storage"
	"stockwatch/internal/task/engine"
	"stockwatch/internal/task/scheduler"
	logx "stockwatch/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   *eventbus.MemBus
	store storage.Store

	registry  *site.Registry
	gov       *governor.Governor
	pool      *session.Pool
	limiter   *ratelimit.Limiter
	engine    *engine.Service
	sched     *scheduler.Service
	purchases *governor.Purchases
	checkout  *checkout.Orchestrator
	watchdog  *governor.Watchdog
	mon       *monitor.Service
	notif     *notifier.Service
	relay     *notifier.Relay
	http      *httpapi.Server

	// sdWatchdog is WatchdogSec from the systemd unit, 0 outside systemd.
	sdWatchdog time.Duration
	tgToken    string
}

type Option func(*options)

type options struct {
	fallback site.Adapter
}

// WithSiteAdapter replaces the generic HTTP adapter used for hosts without
// a sites entry.
func WithSiteAdapter(a site.Adapter) Option {
	return func(o *options) { o.fallback = a }
}

func NewApp(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	if sc.Driver != "" {
		log.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     eventbus.New(),
		store:   store,
	}
	if err := a.build(cfg, o); err != nil {
		_ = store.Close()
		return nil, err
	}
	return a, nil
}

// build wires the services. The monitor is created last, so the governor
// reaches it through a closure.
func (a *App) build(cfg *config.Config, o options) error {
	ms := cfg.Monitor.Settings()
	sets := settings.New(a.store)

	if sd, err := daemon.SdWatchdogEnabled(false); err == nil {
		a.sdWatchdog = sd
	}

	fallback := o.fallback
	if fallback == nil {
		fallback = site.NewHTTPAdapter(site.HTTPConfig{})
	}
	a.registry = site.NewRegistry(fallback)
	registerSites(a.registry, cfg)

	a.gov = governor.New(mapGovernorConfig(ms), a.log,
		governor.OnCeiling(func() {
			if a.mon != nil {
				a.mon.ResourceExhausted()
			}
		}),
		governor.OnTrip(func(until time.Time) {
			a.log.Warn("breaker open; checks paused", logx.Time("until", until))
		}),
	)
	a.pool = session.NewPool(session.Config{Admit: a.gov.AdmitSession}, a.log)
	a.limiter = ratelimit.New(mapRateLimitConfig(cfg))
	a.engine = engine.New(mapEngineConfig(ms), a.log, a.bus)
	a.sched = scheduler.New(scheduler.Config{Timezone: cfg.Monitor.Timezone}, a.log)
	a.purchases = governor.NewPurchases(sets, ms.DefaultPurchaseLimit)
	a.checkout = checkout.New(mapCheckoutConfig(ms), a.registry, a.pool, a.purchases, a.store, a.bus, a.log)
	a.watchdog = governor.NewWatchdog(a.gov, a.pool, func() bool { return a.mon != nil && a.mon.Enabled() }, a.log,
		governor.WithPing(governor.SystemdPing(a.log)),
		governor.WithCheckoutGuard(a.checkout.InProgress))

	a.mon = monitor.New(mapMonitorConfig(ms, watchdogInterval(ms.WatchdogInterval, a.sdWatchdog)), monitor.Deps{
		Settings:  sets,
		States:    stockstate.New(),
		Registry:  a.registry,
		Pool:      a.pool,
		Limiter:   a.limiter,
		Queue:     a.engine,
		Scheduler: a.sched,
		Governor:  a.gov,
		Purchases: a.purchases,
		Checkout:  a.checkout,
		Watchdog:  a.watchdog,
		Bus:       a.bus,
		Log:       a.log,
	})

	a.notif = notifier.New(mapNotifierConfig(cfg), a.log, a.bus, notifier.NewLogSender(a.log))
	a.applyTelegram(cfg)
	a.relay = notifier.NewRelay(a.notif, a.bus, func() []notifier.Route { return notifyRoutes(a.cfgm.Get()) }, a.log)

	var metricsHandler http.Handler
	if cfg.HTTP.Metrics {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		if err := metrics.Register(reg); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		metricsHandler = metrics.HandlerFor(reg)
	}
	a.http = httpapi.New(httpapi.Config{
		Addr:     cfg.HTTP.ResolvedAddr(),
		BasePath: cfg.HTTP.ResolvedBasePath(),
		Token:    cfg.HTTP.Token,
		Metrics:  metricsHandler,
		Pprof:    cfg.HTTP.Pprof,
	}, a.mon, a.bus, a.log)
	return nil
}

// Monitor exposes the control surface for in-process callers.
func (a *App) Monitor() *monitor.Service { return a.mon }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := config.Validate(cfg); err != nil {
			return err
		}
		_, err := mapStorageConfig(cfg)
		return err
	})

	a.engine.Start(runCtx)
	a.sched.Start(runCtx)
	if err := a.mon.Start(runCtx); err != nil {
		a.sup.Cancel()
		return err
	}
	if a.notif.Enabled() {
		a.notif.Start(runCtx)
	}

	a.sup.GoRestart("notify.relay", a.relay.Run, supervisor.WithPublishFirstError(true))
	a.sup.Go("http", a.http.Run)

	// Debug-level event trace; checks publish often.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) { a.reloadLoop(c, sub) })
	a.sup.Go("config.watch", a.cfgm.Watch)

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("systemd ready notify failed", logx.Err(err))
	} else if sent {
		a.log.Debug("systemd notified ready")
	}
	a.log.Info("app started", logx.String("config", a.cfgPath))
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	a.step(ctx, "monitor", 2*time.Second, func(c context.Context) error { a.mon.Stop(c); return nil })
	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "checks", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.step(ctx, "sessions", time.Second, func(context.Context) error {
		if n := a.pool.ReclaimAll(); n > 0 {
			a.log.Info("sessions reclaimed on stop", logx.Int("sessions", n))
		}
		return nil
	})
	a.step(ctx, "notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })

	// Finally, wait for supervised goroutines (config watch/reload, HTTP, relay).
	a.step(ctx, "supervisor", 6*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

	// respect the caller's deadline; never extend it
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < limit {
			limit = max(rem, 0)
		}
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Err(stepCtx.Err()), logx.Duration("elapsed", time.Since(start)))
		go func() {
			err := <-done
			if err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			}
		}()
	}
}
