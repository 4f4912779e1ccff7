package stockstate

import (
	"sync"
	"testing"
	"time"

	"pgregory.net/rapid"

	"stockwatch/internal/product"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestUpdateAndTransition(t *testing.T) {
	t.Parallel()

	clk := &manualClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := New(WithClock(clk.Now))
	p := product.Product{ID: "p", Name: "P", URL: "p"}

	prev, cur := s.Update("p", false, p)
	if prev != nil || cur.InStock || cur.LastInStockAt != nil {
		t.Fatalf("first out-of-stock: prev=%v cur=%+v", prev, cur)
	}
	if TransitionedToInStock(prev, cur) {
		t.Fatalf("no transition expected")
	}

	clk.Advance(time.Minute)
	prev, cur = s.Update("p", true, p)
	if !TransitionedToInStock(prev, cur) {
		t.Fatalf("transition expected")
	}
	inStockAt := *cur.LastInStockAt

	clk.Advance(time.Minute)
	prev, cur = s.Update("p", true, p)
	if TransitionedToInStock(prev, cur) {
		t.Fatalf("in-stock to in-stock is not a transition")
	}

	clk.Advance(time.Minute)
	_, cur = s.Update("p", false, p)
	if cur.LastInStockAt == nil || cur.LastInStockAt.Before(inStockAt) {
		t.Fatalf("lastInStock cleared or rewound: %v", cur.LastInStockAt)
	}
}

func TestFirstObservationInStockIsTransition(t *testing.T) {
	t.Parallel()

	s := New()
	prev, cur := s.Update("p", true, product.Product{ID: "p"})
	if !TransitionedToInStock(prev, cur) {
		t.Fatalf("unknown -> in stock must transition")
	}
}

func TestRemoveAndSnapshotIsolation(t *testing.T) {
	t.Parallel()

	s := New()
	s.Update("a", true, product.Product{ID: "a"})
	s.Update("b", false, product.Product{ID: "b"})

	snap := s.Snapshot()
	*snap["a"].LastInStockAt = time.Time{}
	if r, _ := s.Get("a"); r.LastInStockAt.IsZero() {
		t.Fatalf("snapshot aliases store state")
	}

	if !s.Remove("a") || s.Remove("a") {
		t.Fatalf("remove semantics wrong")
	}
	if got := s.List(); len(got) != 1 || got[0].ProductID != "b" {
		t.Fatalf("list=%+v", got)
	}
}

func TestObserveIgnoresRemovedProduct(t *testing.T) {
	t.Parallel()

	s := New()
	if _, _, ok := s.Observe("a", false, product.Product{ID: "a"}); !ok {
		t.Fatal("Observe refused a tracked product")
	}
	s.Remove("a")

	// A check that was already running reports after the removal.
	if _, _, ok := s.Observe("a", true, product.Product{ID: "a"}); ok {
		t.Fatal("Observe accepted a removed product")
	}
	if _, ok := s.Get("a"); ok || s.Len() != 0 {
		t.Fatal("removed product record came back")
	}

	s.Track("a")
	prev, cur, ok := s.Observe("a", true, product.Product{ID: "a"})
	if !ok || prev != nil || !TransitionedToInStock(prev, cur) {
		t.Fatalf("re-added product: ok=%v prev=%v cur=%+v", ok, prev, cur)
	}
}

func TestLastInStockMonotonic(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		clk := &manualClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
		s := New(WithClock(clk.Now))
		ids := []string{"a", "b", "c"}

		last := map[string]time.Time{}
		steps := rapid.IntRange(1, 60).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			id := rapid.SampledFrom(ids).Draw(t, "id")
			inStock := rapid.Bool().Draw(t, "inStock")
			// Allow the clock to jump backwards as well.
			clk.Advance(time.Duration(rapid.IntRange(-30, 120).Draw(t, "dt")) * time.Second)

			_, cur := s.Update(id, inStock, product.Product{ID: id})
			prevAt, seen := last[id]
			if seen && cur.LastInStockAt == nil {
				t.Fatalf("lastInStock cleared for %s", id)
			}
			if cur.LastInStockAt != nil {
				if seen && cur.LastInStockAt.Before(prevAt) {
					t.Fatalf("lastInStock decreased for %s: %v < %v", id, cur.LastInStockAt, prevAt)
				}
				last[id] = *cur.LastInStockAt
			}
			if inStock && cur.LastInStockAt == nil {
				t.Fatalf("in-stock observation without timestamp")
			}
		}
	})
}
