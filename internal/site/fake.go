package site

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"stockwatch/internal/product"
	"stockwatch/internal/session"
)

// Fake is a scripted Adapter for tests and dry runs.
type Fake struct {
	mu       sync.Mutex
	stock    map[string]bool
	checkErr map[string]error
	cart     map[string]CartResult
	cartErr  error
	hangCart bool
	step     StepResult
	delay    time.Duration
	slow     map[string]time.Duration
	gate     chan struct{}

	checks   atomic.Int64
	carts    atomic.Int64
	steps    atomic.Int64
	inFlight atomic.Int64
	maxSeen  atomic.Int64
	calls    []string
}

func NewFake() *Fake {
	return &Fake{
		stock:    map[string]bool{},
		checkErr: map[string]error{},
		cart:     map[string]CartResult{},
		slow:     map[string]time.Duration{},
		step:     StepResult{Success: true},
	}
}

func (f *Fake) Name() string { return "fake" }

func (f *Fake) SetStock(productID string, inStock bool) {
	f.mu.Lock()
	f.stock[productID] = inStock
	f.mu.Unlock()
}

// SetCheckError makes CheckStock fail for productID. nil clears it.
func (f *Fake) SetCheckError(productID string, err error) {
	f.mu.Lock()
	if err == nil {
		delete(f.checkErr, productID)
	} else {
		f.checkErr[productID] = err
	}
	f.mu.Unlock()
}

func (f *Fake) SetCartResult(productID string, r CartResult) {
	f.mu.Lock()
	f.cart[productID] = r
	f.mu.Unlock()
}

func (f *Fake) SetCartError(err error) {
	f.mu.Lock()
	f.cartErr = err
	f.mu.Unlock()
}

// SetDirectHang makes direct-URL AddToCart calls block until their context
// ends, so callers exercise their timeout path.
func (f *Fake) SetDirectHang(hang bool) {
	f.mu.Lock()
	f.hangCart = hang
	f.mu.Unlock()
}

func (f *Fake) SetStepResult(r StepResult) {
	f.mu.Lock()
	f.step = r
	f.mu.Unlock()
}

// SetDelay makes every call take at least d.
func (f *Fake) SetDelay(d time.Duration) {
	f.mu.Lock()
	f.delay = d
	f.mu.Unlock()
}

// SetCheckDelay adds d to CheckStock calls for productID only.
func (f *Fake) SetCheckDelay(productID string, d time.Duration) {
	f.mu.Lock()
	f.slow[productID] = d
	f.mu.Unlock()
}

// Hold blocks every call until the returned release func runs.
func (f *Fake) Hold() (release func()) {
	ch := make(chan struct{})
	f.mu.Lock()
	f.gate = ch
	f.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (f *Fake) Checks() int64      { return f.checks.Load() }
func (f *Fake) CartCalls() int64   { return f.carts.Load() }
func (f *Fake) StepCalls() int64   { return f.steps.Load() }
func (f *Fake) MaxInFlight() int64 { return f.maxSeen.Load() }

// Calls lists "op:productID" in call order.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *Fake) enter(ctx context.Context, op, id string) (func(), error) {
	n := f.inFlight.Add(1)
	for {
		m := f.maxSeen.Load()
		if n <= m || f.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	f.mu.Lock()
	f.calls = append(f.calls, op+":"+id)
	delay, gate := f.delay, f.gate
	f.mu.Unlock()

	done := func() { f.inFlight.Add(-1) }
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			done()
			return nil, ctx.Err()
		}
	}
	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			done()
			return nil, ctx.Err()
		}
	}
	return done, nil
}

func (f *Fake) CheckStock(ctx context.Context, _ *session.Session, p product.Product) (bool, error) {
	f.checks.Add(1)
	done, err := f.enter(ctx, "check", p.ID)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrAdapter, err)
	}
	defer done()

	f.mu.Lock()
	slow := f.slow[p.ID]
	f.mu.Unlock()
	if slow > 0 {
		select {
		case <-time.After(slow):
		case <-ctx.Done():
			return false, fmt.Errorf("%w: %v", ErrAdapter, ctx.Err())
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkErr[p.ID]; err != nil {
		return false, err
	}
	return f.stock[p.ID], nil
}

func (f *Fake) AddToCart(ctx context.Context, _ *session.Session, p product.Product, directURL string) (CartResult, error) {
	f.carts.Add(1)
	method := MethodPage
	if directURL != "" {
		method = MethodDirect
	}
	done, err := f.enter(ctx, "cart", p.ID)
	if err != nil {
		return CartResult{Method: method, Error: err.Error()}, fmt.Errorf("%w: %v", ErrAdapter, err)
	}
	defer done()

	f.mu.Lock()
	hang := f.hangCart && directURL != ""
	f.mu.Unlock()
	if hang {
		<-ctx.Done()
		return CartResult{Method: method, Error: ctx.Err().Error()}, fmt.Errorf("%w: %v", ErrAdapter, ctx.Err())
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cartErr != nil {
		return CartResult{Method: method, Error: f.cartErr.Error()}, f.cartErr
	}
	if r, ok := f.cart[p.ID]; ok {
		if r.Method == "" {
			r.Method = method
		}
		return r, nil
	}
	return CartResult{Success: true, Method: method}, nil
}

func (f *Fake) AdvanceCheckout(ctx context.Context, _ *session.Session, p product.Product) (StepResult, error) {
	f.steps.Add(1)
	done, err := f.enter(ctx, "checkout", p.ID)
	if err != nil {
		return StepResult{Error: err.Error()}, fmt.Errorf("%w: %v", ErrAdapter, err)
	}
	defer done()

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.step, nil
}
