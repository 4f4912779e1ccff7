package governor

import (
	"time"

	logx "stockwatch/pkg/logx"
)

// BreakerState is a point-in-time view of the consecutive-failure breaker.
type BreakerState struct {
	Open      bool      `json:"open"`
	Failures  int       `json:"failures"`
	OpenUntil time.Time `json:"open_until,omitempty"`
	Trips     uint64    `json:"trips"`
}

// RecordFailure counts one failed check. It reports true when this failure
// tripped the breaker.
func (g *Governor) RecordFailure(now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closeIfCooledLocked(now)
	if !g.openUntil.IsZero() {
		return false
	}
	g.failures++
	if g.failures < g.cfg.BreakerThreshold {
		return false
	}
	g.openUntil = now.Add(g.cfg.BreakerCooldown)
	g.trips++
	until := g.openUntil
	g.log.Warn("circuit breaker tripped", logx.Int("failures", g.failures), logx.Time("open_until", until))
	if g.onTrip != nil {
		go g.onTrip(until)
	}
	return true
}

// RecordSuccess resets the consecutive-failure counter.
func (g *Governor) RecordSuccess() {
	g.mu.Lock()
	g.failures = 0
	g.mu.Unlock()
}

// IsBreakerOpen reports whether checks are blocked at now. An expired
// cooldown closes the breaker and clears the failure counter.
func (g *Governor) IsBreakerOpen(now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closeIfCooledLocked(now)
	return !g.openUntil.IsZero()
}

func (g *Governor) Breaker(now time.Time) BreakerState {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closeIfCooledLocked(now)
	return BreakerState{
		Open:      !g.openUntil.IsZero(),
		Failures:  g.failures,
		OpenUntil: g.openUntil,
		Trips:     g.trips,
	}
}

func (g *Governor) closeIfCooledLocked(now time.Time) {
	if g.openUntil.IsZero() || now.Before(g.openUntil) {
		return
	}
	g.openUntil = time.Time{}
	g.failures = 0
	g.log.Info("circuit breaker closed after cooldown")
}
