// Package stockstate records the latest stock observation per product.
package stockstate

import (
	"sort"
	"sync"
	"time"

	"stockwatch/internal/product"
)

// Record is the last known stock state of one product.
//
// LastInStockAt never moves backwards and is never cleared by an
// out-of-stock observation.
type Record struct {
	ProductID     string          `json:"productId"`
	InStock       bool            `json:"inStock"`
	LastCheckedAt time.Time       `json:"lastChecked"`
	LastInStockAt *time.Time      `json:"lastInStock,omitempty"`
	Product       product.Product `json:"product"`
}

type Store struct {
	mu      sync.RWMutex
	records map[string]Record
	// removed holds products dropped by Remove until Track brings them back.
	removed map[string]struct{}
	now     func() time.Time
}

type Option func(*Store)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func New(opts ...Option) *Store {
	s := &Store{records: map[string]Record{}, removed: map[string]struct{}{}, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Update stores an observation and returns the previous record (nil if none)
// and the new one.
func (s *Store) Update(productID string, inStock bool, snap product.Product) (*Record, Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.removed, productID)
	return s.updateLocked(productID, inStock, snap)
}

// Observe is Update for results that may arrive after the product was
// removed. It reports false and stores nothing in that case.
func (s *Store) Observe(productID string, inStock bool, snap product.Product) (*Record, Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, gone := s.removed[productID]; gone {
		return nil, Record{}, false
	}
	prev, cur := s.updateLocked(productID, inStock, snap)
	return prev, cur, true
}

// Track clears a prior Remove so Observe accepts the product again.
func (s *Store) Track(productID string) {
	s.mu.Lock()
	delete(s.removed, productID)
	s.mu.Unlock()
}

func (s *Store) updateLocked(productID string, inStock bool, snap product.Product) (*Record, Record) {
	now := s.now()
	var prev *Record
	cur := Record{ProductID: productID, Product: snap}
	if old, ok := s.records[productID]; ok {
		cp := old
		prev = &cp
		cur.LastInStockAt = old.LastInStockAt
		// Clock skew must not rewind timestamps.
		if now.Before(old.LastCheckedAt) {
			now = old.LastCheckedAt
		}
	}
	cur.InStock = inStock
	cur.LastCheckedAt = now
	if inStock {
		t := now
		cur.LastInStockAt = &t
	}
	s.records[productID] = cur
	return prev, cur
}

// TransitionedToInStock reports an out-of-stock (or unknown) to in-stock edge.
func TransitionedToInStock(prev *Record, cur Record) bool {
	return cur.InStock && (prev == nil || !prev.InStock)
}

func (s *Store) Get(productID string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[productID]
	return r, ok
}

func (s *Store) Remove(productID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[productID]
	delete(s.records, productID)
	s.removed[productID] = struct{}{}
	return ok
}

// Snapshot returns a consistent copy keyed by product ID.
func (s *Store) Snapshot() map[string]Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Record, len(s.records))
	for k, v := range s.records {
		if v.LastInStockAt != nil {
			t := *v.LastInStockAt
			v.LastInStockAt = &t
		}
		out[k] = v
	}
	return out
}

// List returns the snapshot sorted by product ID.
func (s *Store) List() []Record {
	snap := s.Snapshot()
	out := make([]Record, 0, len(snap))
	for _, r := range snap {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
