// Package ratelimit throttles outbound requests to retailer sites.
//
// A token bucket (golang.org/x/time/rate) paces requests. A retry-after
// signal halves the rate and opens a cooldown window; the rate then climbs
// back additively while no further penalty arrives.
package ratelimit

import (
	"context"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type Config struct {
	RatePerSec    float64
	MinRatePerSec float64
	Burst         int
	// JitterMax adds a random pause in [0, JitterMax] after each admission.
	JitterMax time.Duration
	// PenaltyCooldown is used when Penalize gets no explicit duration.
	PenaltyCooldown time.Duration
	// RecoverAfter is the quiet period before the rate starts climbing again.
	RecoverAfter time.Duration
	// StepUp is added to the rate (per second of quiet time) during recovery.
	StepUp float64
}

func (c Config) withDefaults() Config {
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	if c.MinRatePerSec <= 0 || c.MinRatePerSec > c.RatePerSec {
		c.MinRatePerSec = math.Min(0.1, c.RatePerSec)
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.PenaltyCooldown <= 0 {
		c.PenaltyCooldown = 30 * time.Second
	}
	if c.RecoverAfter <= 0 {
		c.RecoverAfter = 10 * time.Second
	}
	if c.StepUp <= 0 {
		c.StepUp = c.RatePerSec / 60
	}
	return c
}

type Limiter struct {
	mu  sync.Mutex
	cfg Config
	lim *rate.Limiter

	cur           float64
	cooldownUntil time.Time
	lastPenalty   time.Time
	lastRecover   time.Time
	penalties     uint64

	now func() time.Time
}

func New(cfg Config) *Limiter {
	cfg = cfg.withDefaults()
	now := time.Now()
	return &Limiter{
		cfg:         cfg,
		lim:         rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		cur:         cfg.RatePerSec,
		lastRecover: now,
		now:         time.Now,
	}
}

// Apply swaps tunables at runtime. An active cooldown is kept.
func (l *Limiter) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cfg = cfg
	l.cur = math.Min(math.Max(l.cur, cfg.MinRatePerSec), cfg.RatePerSec)
	if l.lastPenalty.IsZero() {
		l.cur = cfg.RatePerSec
	}
	l.lim.SetLimit(rate.Limit(l.cur))
	l.lim.SetBurst(cfg.Burst)
}

// Wait blocks until a request may be sent or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := l.now()
		until := l.cooldownUntil
		l.recoverLocked(now)
		jitter := l.cfg.JitterMax
		l.mu.Unlock()

		if now.Before(until) {
			if err := sleep(ctx, until.Sub(now)); err != nil {
				return err
			}
			continue
		}
		if err := l.lim.Wait(ctx); err != nil {
			return err
		}
		if jitter > 0 {
			return sleep(ctx, rand.N(jitter+1))
		}
		return nil
	}
}

// Penalize reacts to a throttling response. retryAfter <= 0 uses the
// configured cooldown.
func (l *Limiter) Penalize(retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if retryAfter <= 0 {
		retryAfter = l.cfg.PenaltyCooldown
	}
	if until := now.Add(retryAfter); until.After(l.cooldownUntil) {
		l.cooldownUntil = until
	}
	l.lastPenalty = now
	l.lastRecover = now
	l.penalties++
	l.cur = math.Max(l.cfg.MinRatePerSec, l.cur/2)
	l.lim.SetLimit(rate.Limit(l.cur))
}

func (l *Limiter) recoverLocked(now time.Time) {
	if l.cur >= l.cfg.RatePerSec {
		return
	}
	if now.Sub(l.lastPenalty) < l.cfg.RecoverAfter {
		return
	}
	elapsed := now.Sub(l.lastRecover).Seconds()
	if elapsed <= 0 {
		return
	}
	l.lastRecover = now
	l.cur = math.Min(l.cfg.RatePerSec, l.cur+l.cfg.StepUp*elapsed)
	l.lim.SetLimit(rate.Limit(l.cur))
}

type Snapshot struct {
	RatePerSec    float64   `json:"rate_per_sec"`
	MaxRatePerSec float64   `json:"max_rate_per_sec"`
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
	Penalties     uint64    `json:"penalties"`
}

func (l *Limiter) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := Snapshot{RatePerSec: l.cur, MaxRatePerSec: l.cfg.RatePerSec, Penalties: l.penalties}
	if l.now().Before(l.cooldownUntil) {
		s.CooldownUntil = l.cooldownUntil
	}
	return s
}

// ParseRetryAfter reads a Retry-After header given in seconds or as an HTTP date.
func ParseRetryAfter(h http.Header) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
