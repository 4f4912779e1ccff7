package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"stockwatch/internal/checkout"
	"stockwatch/internal/eventbus"
	"stockwatch/internal/governor"
	"stockwatch/internal/metrics"
	"stockwatch/internal/product"
	"stockwatch/internal/session"
	"stockwatch/internal/site"
	"stockwatch/internal/stockstate"
	"stockwatch/internal/task/engine"
	logx "stockwatch/pkg/logx"
)

type cycleOpts struct {
	trigger       string
	all           bool // every product, no subset or skip
	noStagger     bool
	bypassSpacing bool
}

// cycle tracks the checks of one admitted scheduling attempt. The stock
// snapshot is broadcast once, when the last of them is done.
type cycle struct {
	s    *Service
	done chan struct{}

	mu        sync.Mutex
	report    CycleReport
	remaining int
	counted   map[string]bool
}

func (s *Service) startCycle(o cycleOpts) (*cycle, error) {
	now := s.now()

	s.mu.Lock()
	if err := s.admitLocked(now, o); err != nil {
		s.lastRejection = governor.ReasonOf(err)
		s.mu.Unlock()
		metrics.IncCycle(string(governor.ReasonOf(err)))
		s.log.Debug("cycle rejected", logx.String("trigger", o.trigger), logx.Err(err))
		return nil, err
	}
	s.lastRejection = ""
	cfg := s.cfg
	var selected []product.Product
	if o.all {
		selected = append(selected, s.products...)
	} else {
		selected = selectProducts(s.products, cfg.SelectionThreshold, cfg.SelectionFraction, cfg.SkipProbability, s.rng)
	}
	delays := make([]time.Duration, len(selected))
	if !o.noStagger {
		for i := range delays {
			delays[i] = stagger(s.rng, cfg.StaggerMin, cfg.StaggerMax)
		}
	}
	s.cycles++
	s.lastCycleAt = now
	gen := s.gen
	c := &cycle{
		s:         s,
		done:      make(chan struct{}),
		remaining: len(selected),
		counted:   map[string]bool{},
		report: CycleReport{
			ID:        s.cycles,
			Trigger:   o.trigger,
			StartedAt: now,
			Products:  len(s.products),
			Selected:  len(selected),
		},
	}
	s.mu.Unlock()

	metrics.IncCycle("run")
	s.log.Debug("cycle admitted", logx.Uint64("cycle", c.report.ID), logx.String("trigger", o.trigger), logx.Int("selected", len(selected)), logx.Int("products", c.report.Products))

	if len(selected) == 0 {
		c.finish()
		return c, nil
	}
	for i, p := range selected {
		p := p
		err := s.d.Queue.Submit(engine.Task{
			Name:    "check " + p.ID,
			Key:     p.ID,
			Group:   p.Host(),
			Delay:   delays[i],
			Timeout: cfg.CheckTimeout,
			Admit:   func() error { return s.admitCheck(gen, p.ID) },
			Run:     func(ctx context.Context) error { return s.check(ctx, c, p, gen) },
			Done:    func(err error) { c.jobDone(p.ID, err) },
		})
		if err != nil {
			// Not accepted, so Done will not run.
			c.jobDone(p.ID, err)
		}
	}
	return c, nil
}

// Call with s.mu held.
func (s *Service) admitLocked(now time.Time, o cycleOpts) error {
	switch {
	case !s.enabled:
		return ErrMonitoringDisabled
	case s.d.Checkout.InProgress():
		return checkout.ErrInProgress
	case !o.bypassSpacing && !s.lastCycleAt.IsZero() && now.Sub(s.lastCycleAt) < s.cfg.MinCycleSpacing:
		return ErrTooSoon
	case s.d.Governor.IsBreakerOpen(now):
		return governor.ErrBreakerOpen
	}
	return nil
}

// admitCheck gates a single check. Jobs from a cycle that was cancelled
// (stop, emergency stop, ceiling) carry a stale generation; jobs for a
// product removed since selection are dropped too.
func (s *Service) admitCheck(gen uint64, id string) error {
	s.mu.Lock()
	live := s.enabled && s.gen == gen
	_, monitored := s.findLocked(id)
	s.mu.Unlock()
	if !live {
		return ErrMonitoringDisabled
	}
	if !monitored {
		return fmt.Errorf("%w: %s", ErrProductNotFound, id)
	}
	if s.d.Governor.IsBreakerOpen(s.now()) {
		return governor.ErrBreakerOpen
	}
	return nil
}

func (s *Service) check(ctx context.Context, c *cycle, p product.Product, gen uint64) error {
	if err := s.d.Limiter.Wait(ctx); err != nil {
		return err
	}
	// The breaker may have opened, or the product gone, while this job
	// waited for a token.
	if err := s.admitCheck(gen, p.ID); err != nil {
		return err
	}
	sess, err := s.d.Pool.Open(ctx, p.Host(), session.PurposeCheck)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	defer func() {
		s.d.Pool.Release(sess)
		metrics.SetSessionsOpen(s.d.Pool.OpenCount())
	}()
	metrics.SetSessionsOpen(s.d.Pool.OpenCount())
	metrics.AddInFlight(1)
	defer metrics.AddInFlight(-1)

	start := time.Now()
	inStock, err := s.d.Registry.For(p).CheckStock(ctx, sess, p)
	took := time.Since(start).Seconds()
	if err != nil {
		if d, ok := site.RetryAfterOf(err); ok {
			s.d.Limiter.Penalize(d)
		}
		c.record(p.ID, false, true)
		metrics.ObserveCheck("error", took)
		if s.d.Governor.RecordFailure(s.now()) {
			metrics.IncBreakerTrip()
			s.publish(eventbus.BreakerTripped, s.d.Governor.Breaker(s.now()))
		}
		return fmt.Errorf("check %s: %w", p.ID, err)
	}
	s.d.Governor.RecordSuccess()
	c.record(p.ID, inStock, false)
	if inStock {
		metrics.ObserveCheck("in_stock", took)
	} else {
		metrics.ObserveCheck("out_of_stock", took)
	}

	prev, cur, ok := s.d.States.Observe(p.ID, inStock, p)
	if !ok {
		s.log.Debug("result dropped: product removed", logx.String("product", p.ID))
		return nil
	}
	if stockstate.TransitionedToInStock(prev, cur) {
		s.onInStock(ctx, p, cur)
	}
	return nil
}

// onInStock notifies and, for auto-checkout products while monitoring is
// on, runs the serialized checkout.
func (s *Service) onInStock(ctx context.Context, p product.Product, rec stockstate.Record) {
	s.log.Info("product in stock", logx.String("product", p.ID), logx.String("name", p.Name))
	s.publish(eventbus.StockAvailable, rec)

	if !p.AutoCheckout || !s.Enabled() {
		return
	}
	if _, ok := s.lookup(p.ID); !ok {
		return
	}
	s.mu.Lock()
	timeout := s.cfg.CheckTimeout
	s.mu.Unlock()
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	res, err := s.d.Checkout.Attempt(cctx, p, p.AddToCartURL, checkout.TriggerAuto)
	if res.AttemptID != "" {
		metrics.IncCheckout(string(checkout.TriggerAuto), res.Success)
	}
	s.mu.Lock()
	s.lastAuto = &AutoCheckout{ProductID: p.ID, Success: err == nil, Reason: governor.ReasonOf(err), At: s.now()}
	s.mu.Unlock()
	if err != nil {
		s.log.Warn("auto checkout not completed", logx.String("product", p.ID), logx.String("reason", string(governor.ReasonOf(err))), logx.Err(err))
	}
}

func (c *cycle) record(id string, inStock, failed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counted[id] = true
	if failed {
		c.report.Failed++
		return
	}
	c.report.Checked++
	if inStock {
		c.report.InStock++
	}
}

func (c *cycle) jobDone(id string, err error) {
	c.mu.Lock()
	if err != nil && !c.counted[id] {
		c.report.Skipped++
	}
	c.remaining--
	last := c.remaining == 0
	c.mu.Unlock()
	if last {
		c.finish()
	}
}

func (c *cycle) finish() {
	s := c.s
	c.mu.Lock()
	c.report.FinishedAt = s.now()
	c.report.Took = c.report.FinishedAt.Sub(c.report.StartedAt)
	rep := c.report
	c.mu.Unlock()

	s.mu.Lock()
	s.lastCycle = &rep
	s.mu.Unlock()

	metrics.ObserveCycle(rep.Took.Seconds())
	s.log.Debug("cycle finished", logx.Uint64("cycle", rep.ID), logx.Int("checked", rep.Checked), logx.Int("in_stock", rep.InStock), logx.Int("failed", rep.Failed), logx.Int("skipped", rep.Skipped), logx.Duration("took", rep.Took))
	s.broadcastStock()
	close(c.done)
}

func (c *cycle) snapshot() CycleReport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.report
}
