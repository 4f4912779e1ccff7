package governor

import (
	"context"
	"fmt"
	"sync"

	"stockwatch/internal/settings"
)

type PurchaseStats struct {
	Count int `json:"count"`
	Limit int `json:"limit"`
}

// Purchases enforces the persisted purchase limit. The count only grows
// through Commit, which never lets it pass the limit, and only shrinks
// through Reset.
type Purchases struct {
	mu       sync.Mutex
	st       *settings.Settings
	defLimit int
}

func NewPurchases(st *settings.Settings, defaultLimit int) *Purchases {
	return &Purchases{st: st, defLimit: defaultLimit}
}

// SetDefaultLimit changes the limit used while none is persisted.
func (p *Purchases) SetDefaultLimit(n int) {
	p.mu.Lock()
	p.defLimit = n
	p.mu.Unlock()
}

func (p *Purchases) Stats(ctx context.Context) (PurchaseStats, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statsLocked(ctx)
}

func (p *Purchases) statsLocked(ctx context.Context) (PurchaseStats, error) {
	count, err := p.st.PurchaseCount(ctx)
	if err != nil {
		return PurchaseStats{}, fmt.Errorf("read purchase count: %w", err)
	}
	limit, err := p.st.PurchaseLimit(ctx, p.defLimit)
	if err != nil {
		return PurchaseStats{}, fmt.Errorf("read purchase limit: %w", err)
	}
	return PurchaseStats{Count: count, Limit: limit}, nil
}

// Check returns ErrLimitReached when no purchase headroom is left.
func (p *Purchases) Check(ctx context.Context) (PurchaseStats, error) {
	st, err := p.Stats(ctx)
	if err != nil {
		return st, err
	}
	if st.Count >= st.Limit {
		return st, ErrLimitReached
	}
	return st, nil
}

// Commit persists count+1. The new count is durable before Commit returns.
func (p *Purchases) Commit(ctx context.Context) (PurchaseStats, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, err := p.statsLocked(ctx)
	if err != nil {
		return st, err
	}
	if st.Count >= st.Limit {
		return st, ErrLimitReached
	}
	if err := p.st.SetPurchaseCount(ctx, st.Count+1); err != nil {
		return st, fmt.Errorf("persist purchase count: %w", err)
	}
	st.Count++
	return st, nil
}

func (p *Purchases) Reset(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.st.SetPurchaseCount(ctx, 0)
}

func (p *Purchases) SetLimit(ctx context.Context, n int) error {
	if n < 0 {
		return ErrInvalidPurchases
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.st.SetPurchaseLimit(ctx, n)
}
