// Package session manages ephemeral browsing sessions against retailer sites.
//
// A session is a cookie-isolated HTTP client that lives for one stock check
// or one checkout attempt. The pool tracks open sessions so the watchdog can
// reclaim any that were not released.
package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/cookiejar"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	logx "stockwatch/pkg/logx"
)

var ErrClosed = errors.New("session closed")

// Session purposes.
const (
	PurposeCheck    = "check"
	PurposeCheckout = "checkout"
)

type Session struct {
	ID        string
	Host      string
	Purpose   string
	CreatedAt time.Time
	Client    *http.Client

	closed atomic.Bool
}

func (s *Session) Closed() bool { return s.closed.Load() }

// Info is the exported view of an open session.
type Info struct {
	ID        string    `json:"id"`
	Host      string    `json:"host"`
	Purpose   string    `json:"purpose"`
	CreatedAt time.Time `json:"created_at"`
	Age       string    `json:"age"`
}

type Config struct {
	Transport      http.RoundTripper
	RequestTimeout time.Duration
	// Admit runs before each session is created; an error refuses the session.
	Admit func() error
}

type Pool struct {
	cfg Config
	log logx.Logger

	mu      sync.Mutex
	open    map[string]*Session
	created atomic.Uint64
	reaped  atomic.Uint64
	now     func() time.Time
}

func NewPool(cfg Config, log logx.Logger) *Pool {
	if cfg.Transport == nil {
		cfg.Transport = http.DefaultTransport
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	return &Pool{cfg: cfg, log: log.With(logx.String("comp", "session")), open: map[string]*Session{}, now: time.Now}
}

// Open creates a session for host. The caller must Release it.
func (p *Pool) Open(ctx context.Context, host, purpose string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.cfg.Admit != nil {
		if err := p.cfg.Admit(); err != nil {
			return nil, err
		}
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	s := &Session{
		ID:        uuid.NewString(),
		Host:      host,
		Purpose:   purpose,
		CreatedAt: p.now(),
		Client:    &http.Client{Transport: p.cfg.Transport, Jar: jar, Timeout: p.cfg.RequestTimeout},
	}
	p.mu.Lock()
	p.open[s.ID] = s
	p.mu.Unlock()
	p.created.Add(1)
	p.log.Trace("session opened", logx.String("id", s.ID), logx.String("host", host), logx.String("purpose", purpose))
	return s, nil
}

// Release closes s. Releasing twice is a no-op.
func (p *Pool) Release(s *Session) {
	if s == nil || !s.closed.CompareAndSwap(false, true) {
		return
	}
	p.mu.Lock()
	delete(p.open, s.ID)
	p.mu.Unlock()
	s.Client.CloseIdleConnections()
}

// ReclaimAll force-closes every open session and returns how many were closed.
func (p *Pool) ReclaimAll() int {
	return p.Reclaim(nil)
}

// Reclaim force-closes open sessions except those whose purpose keep
// accepts. A nil keep closes everything.
func (p *Pool) Reclaim(keep func(purpose string) bool) int {
	p.mu.Lock()
	list := make([]*Session, 0, len(p.open))
	for _, s := range p.open {
		if keep != nil && keep(s.Purpose) {
			continue
		}
		list = append(list, s)
	}
	p.mu.Unlock()

	n := 0
	for _, s := range list {
		if !s.closed.Load() {
			p.Release(s)
			n++
		}
	}
	if n > 0 {
		p.reaped.Add(uint64(n))
		p.log.Warn("reclaimed open sessions", logx.Int("count", n))
	}
	return n
}

func (p *Pool) OpenCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.open)
}

// Created is the lifetime number of sessions opened.
func (p *Pool) Created() uint64 { return p.created.Load() }

// Reclaimed is the lifetime number of sessions force-closed by ReclaimAll.
func (p *Pool) Reclaimed() uint64 { return p.reaped.Load() }

func (p *Pool) List() []Info {
	now := p.now()
	p.mu.Lock()
	out := make([]Info, 0, len(p.open))
	for _, s := range p.open {
		out = append(out, Info{ID: s.ID, Host: s.Host, Purpose: s.Purpose, CreatedAt: s.CreatedAt, Age: now.Sub(s.CreatedAt).Round(time.Second).String()})
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
