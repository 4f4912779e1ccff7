package settings

import (
	"context"
	"testing"
	"time"

	"stockwatch/internal/product"
	"stockwatch/internal/storage"
)

func TestDefaultsWhenUnset(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New(storage.NewMemory())

	if d, err := s.CheckInterval(ctx, time.Minute); err != nil || d != time.Minute {
		t.Fatalf("interval=%s err=%v", d, err)
	}
	if n, err := s.PurchaseLimit(ctx, 3); err != nil || n != 3 {
		t.Fatalf("limit=%d err=%v", n, err)
	}
	if n, err := s.PurchaseCount(ctx); err != nil || n != 0 {
		t.Fatalf("count=%d err=%v", n, err)
	}
	if on, err := s.MonitoringEnabled(ctx); err != nil || on {
		t.Fatalf("enabled=%v err=%v", on, err)
	}
	if list, err := s.Products(ctx); err != nil || len(list) != 0 {
		t.Fatalf("products=%v err=%v", list, err)
	}
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := storage.NewMemory()
	s := New(st)

	list := []product.Product{{ID: "https://a.example/1", Name: "A", URL: "https://a.example/1", AutoCheckout: true}}
	if err := s.SetProducts(ctx, list); err != nil {
		t.Fatal(err)
	}
	if err := s.SetCheckInterval(ctx, 90*time.Second); err != nil {
		t.Fatal(err)
	}
	if err := s.SetPurchaseCount(ctx, 2); err != nil {
		t.Fatal(err)
	}
	if err := s.SetMonitoringEnabled(ctx, true); err != nil {
		t.Fatal(err)
	}

	raw, _, _ := st.Get(ctx, KeyCheckIntervalSeconds)
	if raw != "90" {
		t.Fatalf("stored interval=%q, want seconds", raw)
	}
	got, err := s.Products(ctx)
	if err != nil || len(got) != 1 || !got[0].AutoCheckout {
		t.Fatalf("products=%+v err=%v", got, err)
	}
	if n, _ := s.PurchaseCount(ctx); n != 2 {
		t.Fatalf("count=%d", n)
	}
	if on, _ := s.MonitoringEnabled(ctx); !on {
		t.Fatalf("monitoring flag lost")
	}
}

func TestCorruptValue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := storage.NewMemory()
	_ = st.Set(ctx, KeyPurchaseCount, "many")
	if _, err := New(st).PurchaseCount(ctx); err == nil {
		t.Fatalf("expected decode error")
	}
}
