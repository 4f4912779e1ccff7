package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"stockwatch/internal/checkout"
	"stockwatch/internal/eventbus"
	"stockwatch/internal/metrics"
	"stockwatch/internal/product"
	"stockwatch/internal/session"
	logx "stockwatch/pkg/logx"
)

func (s *Service) GetProducts(ctx context.Context) ProductsResult {
	s.mu.Lock()
	list := append([]product.Product{}, s.products...)
	s.mu.Unlock()
	return ProductsResult{Result: succeeded(), Products: list, StockStatus: s.d.States.List()}
}

func (s *Service) GetMonitoringStatus(ctx context.Context) StatusResult {
	d := s.Diagnostics()
	return StatusResult{Result: succeeded(), IsMonitoring: d.Enabled, Diagnostics: d}
}

// StartMonitoring persists the flag, resets the session and failure
// counters, arms the trigger and runs a first cycle right away.
func (s *Service) StartMonitoring(ctx context.Context) Result {
	if err := s.d.Settings.SetMonitoringEnabled(ctx, true); err != nil {
		return fail(fmt.Errorf("persist monitoring flag: %w", err))
	}
	s.mu.Lock()
	was := s.enabled
	if !was {
		s.enabled = true
		s.gen++
		s.d.Governor.ResetCounters()
		s.armLocked()
	}
	s.mu.Unlock()
	if was {
		return succeeded()
	}

	s.log.Info("monitoring started", logx.Duration("interval", s.Interval()))
	s.publish(eventbus.MonitoringChanged, map[string]any{"enabled": true})
	go func() {
		if _, err := s.startCycle(cycleOpts{trigger: "start", bypassSpacing: true}); err != nil {
			s.log.Debug("initial cycle not run", logx.Err(err))
		}
	}()
	return succeeded()
}

// StopMonitoring disarms the trigger and cancels checks that have not
// started. Running checks finish; their results are still recorded.
func (s *Service) StopMonitoring(ctx context.Context) Result {
	if err := s.d.Settings.SetMonitoringEnabled(ctx, false); err != nil {
		return fail(fmt.Errorf("persist monitoring flag: %w", err))
	}
	s.mu.Lock()
	was := s.enabled
	s.enabled = false
	s.gen++
	s.disarmLocked()
	s.mu.Unlock()

	cancelled := s.d.Queue.CancelAll()
	// A manual checkout may outlive monitoring; its session stays.
	var keep func(string) bool
	if s.d.Checkout.InProgress() {
		keep = func(purpose string) bool { return purpose == session.PurposeCheckout }
	}
	reclaimed := s.d.Pool.Reclaim(keep)
	s.d.Governor.ResetCounters()
	metrics.SetSessionsOpen(s.d.Pool.OpenCount())

	if was {
		s.log.Info("monitoring stopped", logx.Int("cancelled_checks", cancelled), logx.Int("reclaimed_sessions", reclaimed))
		s.publish(eventbus.MonitoringChanged, map[string]any{"enabled": false})
	}
	return succeeded()
}

// AddProduct inserts p, or replaces the product with the same ID, and
// returns the updated list.
func (s *Service) AddProduct(ctx context.Context, p product.Product) ProductsResult {
	p = p.Normalize()
	if err := p.Validate(); err != nil {
		return ProductsResult{Result: fail(fmt.Errorf("%w: %v", ErrInvalidProduct, err))}
	}

	s.pmu.Lock()
	defer s.pmu.Unlock()
	s.mu.Lock()
	next := product.Upsert(s.products, p)
	s.mu.Unlock()
	if err := s.d.Settings.SetProducts(ctx, next); err != nil {
		return ProductsResult{Result: fail(fmt.Errorf("persist products: %w", err))}
	}
	s.mu.Lock()
	s.products = next
	s.d.States.Track(p.ID)
	s.mu.Unlock()

	s.log.Info("product added", logx.String("product", p.ID), logx.String("name", p.Name), logx.Bool("auto_checkout", p.AutoCheckout))
	return s.GetProducts(ctx)
}

// RemoveProduct drops the product and its stock record. A check for it
// that has not started is cancelled; one already running has its result
// discarded.
func (s *Service) RemoveProduct(ctx context.Context, id string) ProductsResult {
	id = strings.TrimSpace(id)

	s.pmu.Lock()
	defer s.pmu.Unlock()
	s.mu.Lock()
	next, removed := product.Remove(s.products, id)
	s.mu.Unlock()
	if !removed {
		return ProductsResult{Result: fail(fmt.Errorf("%w: %s", ErrProductNotFound, id))}
	}
	if err := s.d.Settings.SetProducts(ctx, next); err != nil {
		return ProductsResult{Result: fail(fmt.Errorf("persist products: %w", err))}
	}
	s.mu.Lock()
	s.products = next
	s.d.States.Remove(id)
	s.mu.Unlock()

	cancelled := s.d.Queue.CancelKey(id)
	s.log.Info("product removed", logx.String("product", id), logx.Int("cancelled_checks", cancelled))
	s.broadcastStock()
	return s.GetProducts(ctx)
}

// UpdateCheckInterval rejects values below the configured minimum and
// keeps the previous interval in that case.
func (s *Service) UpdateCheckInterval(ctx context.Context, seconds int) Result {
	d := time.Duration(seconds) * time.Second
	s.mu.Lock()
	floor := s.cfg.MinInterval
	s.mu.Unlock()
	if d < floor {
		return fail(fmt.Errorf("%w: %ds < %s", ErrIntervalTooShort, seconds, floor))
	}
	if err := s.d.Settings.SetCheckInterval(ctx, d); err != nil {
		return fail(fmt.Errorf("persist interval: %w", err))
	}
	s.mu.Lock()
	s.interval = d
	if s.enabled {
		s.armLocked()
	}
	s.mu.Unlock()
	s.log.Info("check interval updated", logx.Duration("interval", d))
	return succeeded()
}

// ForceCheck runs a cycle over every product now, skipping the random
// selection, the stagger and the spacing floor. Concurrent calls share one
// cycle. The other admission rules still apply.
func (s *Service) ForceCheck(ctx context.Context) CheckResult {
	v, err, _ := s.force.Do("force", func() (any, error) {
		c, err := s.startCycle(cycleOpts{trigger: "force", all: true, noStagger: true, bypassSpacing: true})
		if err != nil {
			return nil, err
		}
		select {
		case <-c.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		rep := c.snapshot()
		return &rep, nil
	})
	if err != nil {
		return CheckResult{Result: fail(err)}
	}
	return CheckResult{Result: succeeded(), Cycle: v.(*CycleReport), StockStatus: s.d.States.List()}
}

func (s *Service) GetPurchaseStats(ctx context.Context) PurchaseResult {
	st, err := s.d.Purchases.Stats(ctx)
	if err != nil {
		return PurchaseResult{Result: fail(err)}
	}
	return PurchaseResult{Result: succeeded(), Count: st.Count, Limit: st.Limit}
}

func (s *Service) ResetPurchaseCount(ctx context.Context) PurchaseResult {
	if err := s.d.Purchases.Reset(ctx); err != nil {
		return PurchaseResult{Result: fail(err)}
	}
	s.log.Info("purchase count reset")
	return s.GetPurchaseStats(ctx)
}

func (s *Service) UpdatePurchaseLimit(ctx context.Context, limit int) PurchaseResult {
	if err := s.d.Purchases.SetLimit(ctx, limit); err != nil {
		return PurchaseResult{Result: fail(err)}
	}
	s.log.Info("purchase limit updated", logx.Int("limit", limit))
	return s.GetPurchaseStats(ctx)
}

// AddToCart is the manual checkout path. It works while monitoring is off
// and is subject to the same single-flight and purchase limit as the
// automatic one.
func (s *Service) AddToCart(ctx context.Context, p product.Product, cartURL string) CartResult {
	p = p.Normalize()
	if known, ok := s.lookup(p.ID); ok {
		if p.Name == "" {
			p.Name = known.Name
		}
		if p.AddToCartURL == "" {
			p.AddToCartURL = known.AddToCartURL
		}
	}
	if p.Name == "" {
		p.Name = p.URL
	}
	if err := p.Validate(); err != nil {
		return CartResult{Result: fail(fmt.Errorf("%w: %v", ErrInvalidProduct, err))}
	}
	if strings.TrimSpace(cartURL) == "" {
		cartURL = p.AddToCartURL
	}

	res, err := s.d.Checkout.Attempt(ctx, p, cartURL, checkout.TriggerManual)
	if res.AttemptID != "" {
		metrics.IncCheckout(string(checkout.TriggerManual), res.Success)
	}
	out := CartResult{LimitReached: res.LimitReached, Checkout: &res}
	if err != nil {
		out.Result = fail(err)
		return out
	}
	out.Result = succeeded()
	return out
}

// EmergencyStop halts all activity at once: the trigger, every pending or
// queued check and a running checkout. Sessions are reclaimed. It always
// succeeds; a failure to persist the flag is only logged.
func (s *Service) EmergencyStop(ctx context.Context) Result {
	s.mu.Lock()
	s.enabled = false
	s.gen++
	s.disarmLocked()
	s.mu.Unlock()

	cancelled := s.d.Queue.CancelAll()
	released := s.d.Checkout.ForceRelease()
	reclaimed := s.d.Pool.ReclaimAll()
	metrics.SetSessionsOpen(s.d.Pool.OpenCount())

	if err := s.d.Settings.SetMonitoringEnabled(ctx, false); err != nil {
		s.log.Error("persist monitoring flag failed", logx.Err(err))
	}
	s.log.Warn("emergency stop", logx.Int("cancelled_checks", cancelled), logx.Bool("checkout_released", released), logx.Int("reclaimed_sessions", reclaimed))
	s.publish(eventbus.EmergencyStop, map[string]any{
		"cancelledChecks":   cancelled,
		"checkoutReleased":  released,
		"reclaimedSessions": reclaimed,
	})
	return succeeded()
}

// Diagnostics gathers the state of every component the monitor drives.
func (s *Service) Diagnostics() Diagnostics {
	s.mu.Lock()
	d := Diagnostics{
		Enabled:       s.enabled,
		Interval:      s.interval,
		Products:      len(s.products),
		Cycles:        s.cycles,
		LastCycleAt:   s.lastCycleAt,
		LastRejection: s.lastRejection,
	}
	if s.lastCycle != nil {
		rep := *s.lastCycle
		d.LastCycle = &rep
	}
	if s.lastAuto != nil {
		a := *s.lastAuto
		d.LastAuto = &a
	}
	armed := s.trigger != nil
	s.mu.Unlock()

	if armed {
		d.NextTriggerAt = s.d.Scheduler.Next(scheduleCycle)
	}
	d.Governor = s.d.Governor.Snapshot()
	d.Sessions = SessionStats{Open: s.d.Pool.OpenCount(), Created: s.d.Pool.Created(), Reclaimed: s.d.Pool.Reclaimed()}
	d.Queue = s.d.Queue.Snapshot()
	d.Limiter = s.d.Limiter.Snapshot()
	d.Checkout = s.d.Checkout.Status()
	d.Scheduler = s.d.Scheduler.Snapshot()
	if s.d.Watchdog != nil {
		w := s.d.Watchdog.Snapshot()
		d.Watchdog = &w
	}
	return d
}

func (s *Service) lookup(id string) (product.Product, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findLocked(id)
}

// Call with s.mu held.
func (s *Service) findLocked(id string) (product.Product, bool) {
	for _, p := range s.products {
		if p.ID == id {
			return p, true
		}
	}
	return product.Product{}, false
}
