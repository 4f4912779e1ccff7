// Package site defines how stockwatch talks to retailer sites.
//
// An Adapter knows how to read stock status and drive a cart for one
// retailer. The Registry picks a host-specific variant and falls back to
// the generic HTTPAdapter.
package site

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"stockwatch/internal/product"
	"stockwatch/internal/session"
)

// ErrAdapter marks failures talking to a retailer (network, parse, unexpected page).
var ErrAdapter = errors.New("site adapter failure")

// Cart methods reported in CartResult.Method.
const (
	MethodDirect = "direct"
	MethodPage   = "page"
)

type CartResult struct {
	Success bool   `json:"success"`
	Method  string `json:"method,omitempty"`
	Error   string `json:"error,omitempty"`
}

type StepResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Adapter is the retailer capability. Implementations must be safe for
// concurrent use; per-call state lives in the session.
type Adapter interface {
	Name() string
	CheckStock(ctx context.Context, sess *session.Session, p product.Product) (bool, error)
	// AddToCart uses directURL when non-empty and page automation otherwise.
	AddToCart(ctx context.Context, sess *session.Session, p product.Product, directURL string) (CartResult, error)
	// AdvanceCheckout moves toward order review. It never places the order.
	AdvanceCheckout(ctx context.Context, sess *session.Session, p product.Product) (StepResult, error)
}

// RetryAfterError asks the caller to back off before the next request.
type RetryAfterError struct {
	Err   error
	After time.Duration
}

func (e *RetryAfterError) Error() string {
	if e.After > 0 {
		return fmt.Sprintf("%v (retry after %s)", e.Err, e.After)
	}
	return fmt.Sprintf("%v (throttled)", e.Err)
}

func (e *RetryAfterError) Unwrap() error { return e.Err }

// RetryAfter wraps err with a throttle hint. d <= 0 means "unspecified".
func RetryAfter(err error, d time.Duration) error {
	if err == nil {
		err = ErrAdapter
	}
	return &RetryAfterError{Err: err, After: d}
}

// RetryAfterOf extracts a throttle hint from err.
func RetryAfterOf(err error) (time.Duration, bool) {
	var ra *RetryAfterError
	if errors.As(err, &ra) {
		return ra.After, true
	}
	return 0, false
}

// Registry maps retailer hosts to adapters.
type Registry struct {
	mu       sync.RWMutex
	byHost   map[string]Adapter
	fallback Adapter
}

func NewRegistry(fallback Adapter) *Registry {
	return &Registry{byHost: map[string]Adapter{}, fallback: fallback}
}

// Register binds host (and its subdomains) to a.
func (r *Registry) Register(host string, a Adapter) {
	host = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(host)), "www.")
	if host == "" || a == nil {
		return
	}
	r.mu.Lock()
	r.byHost[host] = a
	r.mu.Unlock()
}

// For returns the most specific adapter for p, or the fallback.
func (r *Registry) For(p product.Product) Adapter {
	host := p.Host()
	r.mu.RLock()
	defer r.mu.RUnlock()
	for h := host; h != ""; {
		if a, ok := r.byHost[h]; ok {
			return a
		}
		i := strings.IndexByte(h, '.')
		if i < 0 {
			break
		}
		h = h[i+1:]
	}
	return r.fallback
}

func (r *Registry) Hosts() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byHost))
	for h := range r.byHost {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
