package site

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"stockwatch/internal/product"
	"stockwatch/internal/session"
	logx "stockwatch/pkg/logx"
)

const inStockPage = `<html><head><style>.x{content:"sold out"}</style></head><body>
<h1>Console</h1>
<form action="/cart/add" method="post">
  <input type="hidden" name="sku" value="123">
  <button name="add" value="1">Add to cart</button>
</form></body></html>`

const outOfStockPage = `<html><body><h1>Console</h1><p>Currently unavailable.</p></body></html>`

const schemaPage = `<html><body>
<div itemscope itemtype="https://schema.org/Product">
<link itemprop="availability" href="https://schema.org/InStock">
</div><p>Sold out in some sizes</p></body></html>`

func newSession(t *testing.T) (*session.Pool, *session.Session) {
	t.Helper()
	pool := session.NewPool(session.Config{}, logx.Nop())
	s, err := pool.Open(context.Background(), "test", "check")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { pool.Release(s) })
	return pool, s
}

func TestHTTPAdapterCheckStock(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/in", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte(inStockPage)) })
	mux.HandleFunc("/out", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte(outOfStockPage)) })
	mux.HandleFunc("/schema", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte(schemaPage)) })
	srv := httptest.NewServer(mux)
	defer srv.Close()

	a := NewHTTPAdapter(HTTPConfig{})
	_, sess := newSession(t)

	tests := []struct {
		path string
		want bool
	}{
		{path: "/in", want: true},
		{path: "/out", want: false},
		{path: "/schema", want: true},
	}
	for _, tt := range tests {
		got, err := a.CheckStock(context.Background(), sess, product.Product{ID: tt.path, URL: srv.URL + tt.path})
		if err != nil {
			t.Fatalf("%s: %v", tt.path, err)
		}
		if got != tt.want {
			t.Fatalf("%s: inStock=%v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestHTTPAdapterThrottle(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, sess := newSession(t)
	_, err := NewHTTPAdapter(HTTPConfig{}).CheckStock(context.Background(), sess, product.Product{URL: srv.URL})
	if !errors.Is(err, ErrAdapter) {
		t.Fatalf("err=%v, want ErrAdapter", err)
	}
	d, ok := RetryAfterOf(err)
	if !ok || d != 30*time.Second {
		t.Fatalf("retry-after=%s ok=%v", d, ok)
	}
}

func TestHTTPAdapterCartAndCheckout(t *testing.T) {
	t.Parallel()

	var posted, direct, checkout atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/item", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte(inStockPage)) })
	mux.HandleFunc("/cart/add", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method=%s", r.Method)
		}
		_ = r.ParseForm()
		if r.PostForm.Get("sku") != "123" {
			t.Errorf("sku=%q", r.PostForm.Get("sku"))
		}
		posted.Add(1)
	})
	mux.HandleFunc("/direct", func(w http.ResponseWriter, r *http.Request) { direct.Add(1) })
	mux.HandleFunc("/checkout", func(w http.ResponseWriter, r *http.Request) { checkout.Add(1) })
	srv := httptest.NewServer(mux)
	defer srv.Close()

	a := NewHTTPAdapter(HTTPConfig{})
	_, sess := newSession(t)
	p := product.Product{ID: "item", URL: srv.URL + "/item"}
	ctx := context.Background()

	res, err := a.AddToCart(ctx, sess, p, "")
	if err != nil || !res.Success || res.Method != MethodPage {
		t.Fatalf("page cart: res=%+v err=%v", res, err)
	}
	res, err = a.AddToCart(ctx, sess, p, srv.URL+"/direct")
	if err != nil || !res.Success || res.Method != MethodDirect {
		t.Fatalf("direct cart: res=%+v err=%v", res, err)
	}
	step, err := a.AdvanceCheckout(ctx, sess, p)
	if err != nil || !step.Success {
		t.Fatalf("checkout: %+v %v", step, err)
	}
	if posted.Load() != 1 || direct.Load() != 1 || checkout.Load() != 1 {
		t.Fatalf("posted=%d direct=%d checkout=%d", posted.Load(), direct.Load(), checkout.Load())
	}
}

func TestHTTPAdapterRejectsClosedSession(t *testing.T) {
	t.Parallel()

	pool, sess := newSession(t)
	pool.Release(sess)
	_, err := NewHTTPAdapter(HTTPConfig{}).CheckStock(context.Background(), sess, product.Product{URL: "http://127.0.0.1:1/"})
	if !errors.Is(err, ErrAdapter) {
		t.Fatalf("err=%v", err)
	}
}

func TestRegistryFallbackAndSubdomain(t *testing.T) {
	t.Parallel()

	generic := NewHTTPAdapter(HTTPConfig{})
	special := NewFake()
	r := NewRegistry(generic)
	r.Register("www.Shop.example", special)

	tests := []struct {
		url  string
		want Adapter
	}{
		{url: "https://shop.example/p/1", want: special},
		{url: "https://eu.shop.example/p/1", want: special},
		{url: "https://other.example/p/1", want: generic},
	}
	for _, tt := range tests {
		if got := r.For(product.Product{URL: tt.url}); got != tt.want {
			t.Fatalf("%s: got %s", tt.url, got.Name())
		}
	}
	if hosts := r.Hosts(); len(hosts) != 1 || hosts[0] != "shop.example" {
		t.Fatalf("hosts=%v", hosts)
	}
}

func TestFakeTracksConcurrency(t *testing.T) {
	t.Parallel()

	f := NewFake()
	f.SetStock("a", true)
	release := f.Hold()

	done := make(chan bool, 2)
	for i := 0; i < 2; i++ {
		go func() {
			ok, _ := f.CheckStock(context.Background(), nil, product.Product{ID: "a"})
			done <- ok
		}()
	}
	deadline := time.Now().Add(time.Second)
	for f.inFlight.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	release()
	if !<-done || !<-done {
		t.Fatalf("expected in stock")
	}
	if f.MaxInFlight() != 2 || f.Checks() != 2 {
		t.Fatalf("max=%d checks=%d", f.MaxInFlight(), f.Checks())
	}
}
