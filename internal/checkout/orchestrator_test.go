package checkout

import (
	"context"
	"errors"
	"testing"
	"time"

	"stockwatch/internal/eventbus"
	"stockwatch/internal/governor"
	"stockwatch/internal/product"
	"stockwatch/internal/session"
	"stockwatch/internal/settings"
	"stockwatch/internal/site"
	"stockwatch/internal/storage"
	logx "stockwatch/pkg/logx"
)

type harness struct {
	orch  *Orchestrator
	fake  *site.Fake
	store storage.Store
	st    *settings.Settings
	pool  *session.Pool
	bus   *eventbus.MemBus
}

func newHarness(t *testing.T, count, limit int) *harness {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemory()
	st := settings.New(store)
	if err := st.SetPurchaseCount(ctx, count); err != nil {
		t.Fatal(err)
	}
	if err := st.SetPurchaseLimit(ctx, limit); err != nil {
		t.Fatal(err)
	}
	fake := site.NewFake()
	pool := session.NewPool(session.Config{}, logx.Nop())
	bus := eventbus.New()
	orch := New(Config{CartTimeout: 50 * time.Millisecond}, site.NewRegistry(fake), pool,
		governor.NewPurchases(st, 3), store, bus, logx.Nop())
	return &harness{orch: orch, fake: fake, store: store, st: st, pool: pool, bus: bus}
}

func prod(id string) product.Product {
	return product.Product{ID: "https://shop.example/" + id, Name: id, URL: "https://shop.example/" + id, AutoCheckout: true}
}

func TestAttemptSuccessPersistsCount(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 2, 3)
	events, unsub := h.bus.Subscribe(4)
	defer unsub()

	res, err := h.orch.Attempt(context.Background(), prod("p"), "", TriggerAuto)
	if err != nil {
		t.Fatalf("Attempt: %v", err)
	}
	if !res.Success || res.State != StateReadyForUserConfirmation || res.Count != 3 {
		t.Fatalf("result = %+v", res)
	}
	if n, _ := h.st.PurchaseCount(context.Background()); n != 3 {
		t.Fatalf("persisted count = %d, want 3", n)
	}
	if h.orch.InProgress() {
		t.Fatal("flag not released")
	}
	if h.pool.OpenCount() != 0 {
		t.Fatal("session leaked")
	}
	if h.fake.StepCalls() != 1 {
		t.Fatalf("AdvanceCheckout calls = %d, want 1", h.fake.StepCalls())
	}

	select {
	case ev := <-events:
		if ev.Type != eventbus.CheckoutFinished {
			t.Fatalf("event = %s", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("no checkout event")
	}

	audit, err := h.store.(storage.AuditReader).RecentAudit(context.Background(), 10)
	if err != nil || len(audit) != 1 || !audit[0].OK || audit[0].AttemptID != res.AttemptID {
		t.Fatalf("audit = %+v, %v", audit, err)
	}
}

func TestAttemptAtLimitMakesNoAdapterCall(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 3, 3)

	res, err := h.orch.Attempt(context.Background(), prod("p"), "https://shop.example/cart?add=p", TriggerManual)
	if !errors.Is(err, governor.ErrLimitReached) {
		t.Fatalf("err = %v, want ErrLimitReached", err)
	}
	if !res.LimitReached || res.Success || res.Reason != governor.ReasonLimitReached {
		t.Fatalf("result = %+v", res)
	}
	if h.fake.CartCalls() != 0 || h.pool.Created() != 0 {
		t.Fatal("adapter or session used at limit")
	}
	if h.orch.InProgress() {
		t.Fatal("flag not released")
	}
}

func TestConcurrentAttemptRejected(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 2, 3)
	release := h.fake.Hold()

	type out struct {
		res Result
		err error
	}
	first := make(chan out, 1)
	go func() {
		r, err := h.orch.Attempt(context.Background(), prod("p"), "", TriggerAuto)
		first <- out{r, err}
	}()

	deadline := time.Now().Add(time.Second)
	for !h.orch.InProgress() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	res, err := h.orch.Attempt(context.Background(), prod("q"), "", TriggerAuto)
	if !errors.Is(err, ErrInProgress) || res.Reason != governor.ReasonCheckoutInProgress {
		t.Fatalf("second attempt = %+v, %v", res, err)
	}
	release()

	got := <-first
	if got.err != nil || !got.res.Success || got.res.Count != 3 {
		t.Fatalf("first attempt = %+v, %v", got.res, got.err)
	}
	for _, c := range h.fake.Calls() {
		if c == "cart:"+prod("q").ID {
			t.Fatal("rejected attempt reached the adapter")
		}
	}
}

func TestDirectCartTimeoutFallsBackToPage(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 0, 3)
	h.fake.SetDirectHang(true)

	res, err := h.orch.Attempt(context.Background(), prod("p"), "https://shop.example/cart?add=p", TriggerAuto)
	if err != nil {
		t.Fatalf("Attempt: %v", err)
	}
	if !res.Success || res.Method != site.MethodPage {
		t.Fatalf("result = %+v, want page fallback success", res)
	}
	if h.fake.CartCalls() != 2 {
		t.Fatalf("cart calls = %d, want 2", h.fake.CartCalls())
	}
}

func TestCartFailureKeepsCount(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1, 3)
	h.fake.SetCartResult(prod("p").ID, site.CartResult{Success: false, Error: "sold out in cart"})

	res, err := h.orch.Attempt(context.Background(), prod("p"), "", TriggerAuto)
	if !errors.Is(err, ErrCartFailed) {
		t.Fatalf("err = %v, want ErrCartFailed", err)
	}
	if res.Success || res.State != StateFailed || res.Reason != governor.ReasonAdapterFailure {
		t.Fatalf("result = %+v", res)
	}
	if n, _ := h.st.PurchaseCount(context.Background()); n != 1 {
		t.Fatalf("count = %d, want 1", n)
	}
	if h.orch.InProgress() {
		t.Fatal("flag not released after failure")
	}
}

func TestStepFailureStillCountsCart(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 0, 3)
	h.fake.SetStepResult(site.StepResult{Success: false, Error: "captcha"})

	res, err := h.orch.Attempt(context.Background(), prod("p"), "", TriggerAuto)
	if err != nil {
		t.Fatalf("Attempt: %v", err)
	}
	if !res.Success || res.State != StateCartAdded || res.StepError != "captcha" || res.Count != 1 {
		t.Fatalf("result = %+v", res)
	}
}

func TestForceReleaseClearsFlag(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 0, 3)
	release := h.fake.Hold()
	defer release()

	done := make(chan error, 1)
	go func() {
		_, err := h.orch.Attempt(context.Background(), prod("p"), "", TriggerAuto)
		done <- err
	}()
	deadline := time.Now().Add(time.Second)
	for !h.orch.InProgress() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !h.orch.ForceRelease() {
		t.Fatal("ForceRelease reported nothing in progress")
	}
	if h.orch.InProgress() {
		t.Fatal("flag still set")
	}
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("cancelled attempt reported success")
		}
	case <-time.After(time.Second):
		t.Fatal("attempt not cancelled")
	}
	if n, _ := h.st.PurchaseCount(context.Background()); n != 0 {
		t.Fatalf("count = %d, want 0", n)
	}
}
