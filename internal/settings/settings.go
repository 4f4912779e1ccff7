// Package settings maps stockwatch's persisted values onto typed accessors
// over a storage.Store.
package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"stockwatch/internal/product"
	"stockwatch/internal/storage"
)

// Keys as stored in the key-value backend.
const (
	KeyMonitoredProducts    = "monitoredProducts"
	KeyCheckIntervalSeconds = "checkIntervalSeconds"
	KeyPurchaseLimit        = "purchaseLimit"
	KeyPurchaseCount        = "purchaseCount"
	KeyMonitoringEnabled    = "isMonitoringEnabled"
)

type Settings struct {
	store storage.Store
}

func New(store storage.Store) *Settings {
	return &Settings{store: store}
}

func (s *Settings) Store() storage.Store { return s.store }

func (s *Settings) Products(ctx context.Context) ([]product.Product, error) {
	raw, ok, err := s.store.Get(ctx, KeyMonitoredProducts)
	if err != nil || !ok || raw == "" {
		return nil, err
	}
	var out []product.Product
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decode %s: %w", KeyMonitoredProducts, err)
	}
	for i := range out {
		if out[i].ID == "" {
			out[i].ID = out[i].URL
		}
	}
	return out, nil
}

func (s *Settings) SetProducts(ctx context.Context, list []product.Product) error {
	if list == nil {
		list = []product.Product{}
	}
	b, err := json.Marshal(list)
	if err != nil {
		return err
	}
	return s.store.Set(ctx, KeyMonitoredProducts, string(b))
}

// CheckInterval returns the persisted interval, or def when unset.
func (s *Settings) CheckInterval(ctx context.Context, def time.Duration) (time.Duration, error) {
	n, ok, err := s.getInt(ctx, KeyCheckIntervalSeconds)
	if err != nil || !ok || n <= 0 {
		return def, err
	}
	return time.Duration(n) * time.Second, nil
}

func (s *Settings) SetCheckInterval(ctx context.Context, d time.Duration) error {
	return s.setInt(ctx, KeyCheckIntervalSeconds, int(d/time.Second))
}

func (s *Settings) PurchaseLimit(ctx context.Context, def int) (int, error) {
	n, ok, err := s.getInt(ctx, KeyPurchaseLimit)
	if err != nil || !ok || n < 0 {
		return def, err
	}
	return n, nil
}

func (s *Settings) SetPurchaseLimit(ctx context.Context, n int) error {
	return s.setInt(ctx, KeyPurchaseLimit, n)
}

func (s *Settings) PurchaseCount(ctx context.Context) (int, error) {
	n, _, err := s.getInt(ctx, KeyPurchaseCount)
	if n < 0 {
		n = 0
	}
	return n, err
}

func (s *Settings) SetPurchaseCount(ctx context.Context, n int) error {
	return s.setInt(ctx, KeyPurchaseCount, n)
}

func (s *Settings) MonitoringEnabled(ctx context.Context) (bool, error) {
	raw, ok, err := s.store.Get(ctx, KeyMonitoringEnabled)
	if err != nil || !ok {
		return false, err
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("decode %s: %w", KeyMonitoringEnabled, err)
	}
	return v, nil
}

func (s *Settings) SetMonitoringEnabled(ctx context.Context, enabled bool) error {
	return s.store.Set(ctx, KeyMonitoringEnabled, strconv.FormatBool(enabled))
}

func (s *Settings) getInt(ctx context.Context, key string) (int, bool, error) {
	raw, ok, err := s.store.Get(ctx, key)
	if err != nil || !ok {
		return 0, false, err
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return n, true, nil
}

func (s *Settings) setInt(ctx context.Context, key string, n int) error {
	return s.store.Set(ctx, key, strconv.Itoa(n))
}
