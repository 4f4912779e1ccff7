package session

import (
	"context"
	"errors"
	"testing"

	logx "stockwatch/pkg/logx"
)

func TestOpenReleaseCounts(t *testing.T) {
	t.Parallel()

	p := NewPool(Config{}, logx.Nop())
	a, err := p.Open(context.Background(), "shop.example", "check")
	if err != nil {
		t.Fatal(err)
	}
	b, err := p.Open(context.Background(), "shop.example", "check")
	if err != nil {
		t.Fatal(err)
	}
	if a.ID == b.ID {
		t.Fatalf("session ids collide")
	}
	if p.OpenCount() != 2 || p.Created() != 2 {
		t.Fatalf("open=%d created=%d", p.OpenCount(), p.Created())
	}

	p.Release(a)
	p.Release(a)
	if p.OpenCount() != 1 || !a.Closed() {
		t.Fatalf("open=%d closed=%v", p.OpenCount(), a.Closed())
	}

	if n := p.ReclaimAll(); n != 1 {
		t.Fatalf("reclaimed=%d", n)
	}
	if p.OpenCount() != 0 || p.Reclaimed() != 1 {
		t.Fatalf("open=%d reclaimed=%d", p.OpenCount(), p.Reclaimed())
	}
	p.Release(b)
}

func TestAdmitRefuses(t *testing.T) {
	t.Parallel()

	limit := errors.New("ceiling")
	p := NewPool(Config{Admit: func() error { return limit }}, logx.Nop())
	if _, err := p.Open(context.Background(), "h", "check"); !errors.Is(err, limit) {
		t.Fatalf("err=%v", err)
	}
	if p.Created() != 0 {
		t.Fatalf("refused session counted")
	}
}

func TestOpenCancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := NewPool(Config{}, logx.Nop())
	if _, err := p.Open(ctx, "h", "check"); !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v", err)
	}
}

func TestReclaimKeepsMatchingPurpose(t *testing.T) {
	t.Parallel()

	p := NewPool(Config{}, logx.Nop())
	ctx := context.Background()
	chk, err := p.Open(ctx, "shop.example", PurposeCheck)
	if err != nil {
		t.Fatal(err)
	}
	cart, err := p.Open(ctx, "shop.example", PurposeCheckout)
	if err != nil {
		t.Fatal(err)
	}

	n := p.Reclaim(func(purpose string) bool { return purpose == PurposeCheckout })
	if n != 1 || !chk.Closed() || cart.Closed() {
		t.Fatalf("reclaimed=%d check closed=%v checkout closed=%v", n, chk.Closed(), cart.Closed())
	}
	if p.OpenCount() != 1 {
		t.Fatalf("open=%d, want 1", p.OpenCount())
	}
	p.Release(cart)
}
