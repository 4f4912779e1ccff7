package storage

import (
	"context"
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "" or "memory": process-local map, nothing persisted
//   - "file": JSON snapshot replaced atomically on every write + JSONL audit log
//   - "sqlite": SQLite database file (pure Go driver)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persisted-settings key-value API plus an append-only audit
// trail of checkout attempts.
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// AuditEntry records one automated or manual cart/checkout attempt.
type AuditEntry struct {
	At        time.Time `json:"at"`
	AttemptID string    `json:"attempt_id"`
	ProductID string    `json:"product_id"`
	Trigger   string    `json:"trigger"` // "auto" or "manual"
	Method    string    `json:"method,omitempty"`
	OK        bool      `json:"ok"`
	Reason    string    `json:"reason,omitempty"`
	Error     string    `json:"error,omitempty"`
	TookMS    int64     `json:"took_ms"`
}

// AuditReader is implemented by stores that can list recent audit entries.
type AuditReader interface {
	RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error)
}
