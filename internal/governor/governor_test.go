package governor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pgregory.net/rapid"

	"stockwatch/internal/session"
	"stockwatch/internal/settings"
	"stockwatch/internal/storage"
	logx "stockwatch/pkg/logx"
)

type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newClock() *manualClock {
	return &manualClock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
}

func TestBreakerTripsAndCoolsDown(t *testing.T) {
	t.Parallel()
	clk := newClock()
	g := New(Config{Location: time.UTC}, logx.Nop(), WithClock(clk.Now))

	if g.RecordFailure(clk.Now()) || g.RecordFailure(clk.Now()) {
		t.Fatal("tripped before threshold")
	}
	if g.IsBreakerOpen(clk.Now()) {
		t.Fatal("open after 2 failures")
	}
	if !g.RecordFailure(clk.Now()) {
		t.Fatal("third failure did not trip")
	}
	if !g.IsBreakerOpen(clk.Now()) {
		t.Fatal("breaker not open after trip")
	}

	clk.Advance(4*time.Hour - time.Second)
	if !g.IsBreakerOpen(clk.Now()) {
		t.Fatal("breaker closed before cooldown elapsed")
	}
	clk.Advance(time.Second)
	if g.IsBreakerOpen(clk.Now()) {
		t.Fatal("breaker still open after cooldown")
	}
	if st := g.Breaker(clk.Now()); st.Failures != 0 || st.Trips != 1 {
		t.Fatalf("state after cooldown = %+v", st)
	}
}

func TestSuccessResetsFailures(t *testing.T) {
	t.Parallel()
	clk := newClock()
	g := New(Config{}, logx.Nop(), WithClock(clk.Now))
	g.RecordFailure(clk.Now())
	g.RecordFailure(clk.Now())
	g.RecordSuccess()
	g.RecordFailure(clk.Now())
	g.RecordFailure(clk.Now())
	if g.IsBreakerOpen(clk.Now()) {
		t.Fatal("success did not reset the consecutive counter")
	}
}

func TestBreakerProperty(t *testing.T) {
	t.Parallel()
	rapid.Check(t, func(rt *rapid.T) {
		clk := newClock()
		g := New(Config{BreakerThreshold: 3, BreakerCooldown: time.Hour}, logx.Nop(), WithClock(clk.Now))
		consecutive := 0
		for _, fail := range rapid.SliceOfN(rapid.Bool(), 1, 30).Draw(rt, "outcomes") {
			if g.IsBreakerOpen(clk.Now()) {
				break
			}
			if fail {
				consecutive++
				g.RecordFailure(clk.Now())
			} else {
				consecutive = 0
				g.RecordSuccess()
			}
			if want := consecutive >= 3; g.IsBreakerOpen(clk.Now()) != want {
				rt.Fatalf("open=%v after %d consecutive failures", !want, consecutive)
			}
		}
	})
}

func TestSessionCeiling(t *testing.T) {
	t.Parallel()
	clk := newClock()
	var hits atomic.Int32
	g := New(Config{MaxSessionsPerPeriod: 2, Location: time.UTC}, logx.Nop(),
		WithClock(clk.Now), OnCeiling(func() { hits.Add(1) }))

	for i := 0; i < 2; i++ {
		if err := g.AdmitSession(); err != nil {
			t.Fatalf("AdmitSession %d: %v", i, err)
		}
	}
	err := g.AdmitSession()
	if !errors.Is(err, ErrResourceCeiling) || ReasonOf(err) != ReasonResourceCeiling {
		t.Fatalf("err = %v, want ErrResourceCeiling", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("OnCeiling calls = %d, want 1", hits.Load())
	}

	// A new calendar day starts a fresh period.
	clk.Advance(24 * time.Hour)
	if err := g.AdmitSession(); err != nil {
		t.Fatalf("AdmitSession next day: %v", err)
	}
}

func TestRollDayResetsCounters(t *testing.T) {
	t.Parallel()
	clk := newClock()
	g := New(Config{Location: time.UTC}, logx.Nop(), WithClock(clk.Now))
	for i := 0; i < 3; i++ {
		g.RecordFailure(clk.Now())
	}
	_ = g.AdmitSession()
	if g.RollDay(clk.Now()) {
		t.Fatal("rolled on the same day")
	}
	clk.Advance(13 * time.Hour)
	if !g.RollDay(clk.Now()) {
		t.Fatal("did not roll on a new day")
	}
	snap := g.Snapshot()
	if snap.SessionsCreated != 0 || snap.Breaker.Open || snap.Breaker.Failures != 0 {
		t.Fatalf("snapshot after roll = %+v", snap)
	}
}

func TestPurchasesNeverExceedLimit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := NewPurchases(settings.New(storage.NewMemory()), 3)

	var wg sync.WaitGroup
	var ok, limited atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Commit(ctx)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrLimitReached):
				limited.Add(1)
			default:
				t.Errorf("Commit: %v", err)
			}
		}()
	}
	wg.Wait()
	if ok.Load() != 3 || limited.Load() != 7 {
		t.Fatalf("ok=%d limited=%d, want 3/7", ok.Load(), limited.Load())
	}
	st, err := p.Stats(ctx)
	if err != nil || st.Count != 3 || st.Limit != 3 {
		t.Fatalf("Stats = %+v, %v", st, err)
	}
	if _, err := p.Check(ctx); !errors.Is(err, ErrLimitReached) {
		t.Fatalf("Check = %v, want ErrLimitReached", err)
	}

	if err := p.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if err := p.SetLimit(ctx, -1); !errors.Is(err, ErrInvalidPurchases) {
		t.Fatalf("SetLimit(-1) = %v", err)
	}
	if err := p.SetLimit(ctx, 5); err != nil {
		t.Fatalf("SetLimit: %v", err)
	}
	if st, _ := p.Stats(ctx); st.Count != 0 || st.Limit != 5 {
		t.Fatalf("Stats after reset = %+v", st)
	}
}

// fakePool holds one purpose per open session.
type fakePool struct {
	mu        sync.Mutex
	purposes  []string
	reclaimed atomic.Int32
}

func (f *fakePool) add(purposes ...string) {
	f.mu.Lock()
	f.purposes = append(f.purposes, purposes...)
	f.mu.Unlock()
}

func (f *fakePool) OpenCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.purposes)
}

func (f *fakePool) Reclaim(keep func(string) bool) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	var kept []string
	n := 0
	for _, p := range f.purposes {
		if keep != nil && keep(p) {
			kept = append(kept, p)
			continue
		}
		n++
	}
	f.purposes = kept
	f.reclaimed.Add(int32(n))
	return n
}

func TestWatchdogReclaimsOnlyWhenDisabled(t *testing.T) {
	t.Parallel()
	clk := newClock()
	g := New(Config{}, logx.Nop(), WithClock(clk.Now))
	pool := &fakePool{}
	pool.add(session.PurposeCheck, session.PurposeCheck)
	var enabled atomic.Bool
	enabled.Store(true)
	var pings atomic.Int32
	w := NewWatchdog(g, pool, enabled.Load, logx.Nop(), WithPing(func() error { pings.Add(1); return nil }))

	if err := w.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if pool.reclaimed.Load() != 0 {
		t.Fatal("reclaimed while monitoring enabled")
	}
	enabled.Store(false)
	_ = w.Tick(context.Background())
	if pool.reclaimed.Load() != 2 || pool.OpenCount() != 0 {
		t.Fatalf("reclaimed = %d, want 2", pool.reclaimed.Load())
	}
	if pings.Load() != 2 {
		t.Fatalf("pings = %d, want 2", pings.Load())
	}
	if snap := w.Snapshot(); snap.Ticks != 2 || snap.Reclaimed != 2 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestWatchdogKeepsRunningCheckoutSession(t *testing.T) {
	t.Parallel()
	clk := newClock()
	g := New(Config{}, logx.Nop(), WithClock(clk.Now))
	pool := &fakePool{}
	pool.add(session.PurposeCheck, session.PurposeCheckout)
	var busy atomic.Bool
	busy.Store(true)
	w := NewWatchdog(g, pool, func() bool { return false }, logx.Nop(), WithCheckoutGuard(busy.Load))

	_ = w.Tick(context.Background())
	if pool.reclaimed.Load() != 1 || pool.OpenCount() != 1 {
		t.Fatalf("reclaimed = %d open = %d, want the checkout session kept", pool.reclaimed.Load(), pool.OpenCount())
	}

	// Once the checkout is done a leftover session is fair game.
	busy.Store(false)
	_ = w.Tick(context.Background())
	if pool.OpenCount() != 0 {
		t.Fatalf("open = %d after checkout finished", pool.OpenCount())
	}
}

func TestDayBoundaryKeepsOpenBreaker(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name  string
		reset func(g *Governor, now time.Time)
	}{
		{"daily reset", func(g *Governor, now time.Time) { g.DailyReset(now) }},
		{"roll day", func(g *Governor, now time.Time) { g.RollDay(now) }},
		{"session admission", func(g *Governor, _ time.Time) { _ = g.AdmitSession() }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			clk := &manualClock{t: time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC)}
			g := New(Config{Location: time.UTC}, logx.Nop(), WithClock(clk.Now))
			_ = g.AdmitSession()
			for i := 0; i < 3; i++ {
				g.RecordFailure(clk.Now())
			}

			clk.Advance(time.Hour + time.Minute)
			tc.reset(g, clk.Now())
			if !g.IsBreakerOpen(clk.Now()) {
				t.Fatal("breaker closed at midnight before its cooldown")
			}
			snap := g.Snapshot()
			if snap.Period != "2026-03-11" || snap.Breaker.Failures != 3 {
				t.Fatalf("snapshot after day boundary = %+v", snap)
			}
			if tc.name != "session admission" && snap.SessionsCreated != 0 {
				t.Fatalf("sessions not reset: %d", snap.SessionsCreated)
			}

			clk.Advance(3 * time.Hour)
			if g.IsBreakerOpen(clk.Now()) {
				t.Fatal("breaker still open after cooldown")
			}
			if st := g.Breaker(clk.Now()); st.Failures != 0 {
				t.Fatalf("failures after cooldown = %d", st.Failures)
			}
		})
	}
}
