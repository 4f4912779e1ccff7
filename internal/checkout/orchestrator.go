// Package checkout drives one add-to-cart attempt at a time, up to the point
// where a human has to confirm the order.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"stockwatch/internal/eventbus"
	"stockwatch/internal/governor"
	"stockwatch/internal/product"
	"stockwatch/internal/session"
	"stockwatch/internal/site"
	"stockwatch/internal/storage"
	logx "stockwatch/pkg/logx"
)

type State string

const (
	StateIdle                     State = "idle"
	StateAddingToCart             State = "adding_to_cart"
	StateCartAdded                State = "cart_added"
	StateAdvancingCheckout        State = "advancing_checkout"
	StateReadyForUserConfirmation State = "ready_for_user_confirmation"
	StateFailed                   State = "failed"
)

// Trigger says who started an attempt.
type Trigger string

const (
	TriggerAuto   Trigger = "auto"
	TriggerManual Trigger = "manual"
)

// Result is the outcome of one attempt. Success means the item is in the
// cart and the purchase count was persisted.
type Result struct {
	AttemptID    string          `json:"attemptId,omitempty"`
	ProductID    string          `json:"productId"`
	Trigger      Trigger         `json:"trigger"`
	Success      bool            `json:"success"`
	LimitReached bool            `json:"limitReached,omitempty"`
	State        State           `json:"state"`
	Method       string          `json:"method,omitempty"`
	StepError    string          `json:"stepError,omitempty"`
	Error        string          `json:"error,omitempty"`
	Reason       governor.Reason `json:"reason,omitempty"`
	Count        int             `json:"count"`
	Limit        int             `json:"limit"`
	Took         time.Duration   `json:"took"`
}

type Config struct {
	// CartTimeout bounds the direct cart URL request before falling back to
	// page automation.
	CartTimeout time.Duration
}

// Auditor records attempts. storage.Store satisfies it.
type Auditor interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

type Orchestrator struct {
	reg       *site.Registry
	pool      *session.Pool
	purchases *governor.Purchases
	audit     Auditor
	bus       eventbus.Bus
	log       logx.Logger

	inProgress atomic.Bool

	mu        sync.Mutex
	cfg       Config
	gen       uint64
	cancel    context.CancelFunc
	state     State
	attemptID string
	last      *Result

	attempts  atomic.Uint64
	successes atomic.Uint64
}

func New(cfg Config, reg *site.Registry, pool *session.Pool, purchases *governor.Purchases, audit Auditor, bus eventbus.Bus, log logx.Logger) *Orchestrator {
	if cfg.CartTimeout <= 0 {
		cfg.CartTimeout = 10 * time.Second
	}
	return &Orchestrator{
		reg:       reg,
		pool:      pool,
		purchases: purchases,
		audit:     audit,
		bus:       bus,
		log:       log.With(logx.String("comp", "checkout")),
		cfg:       cfg,
		state:     StateIdle,
	}
}

func (o *Orchestrator) Apply(cfg Config) {
	if cfg.CartTimeout <= 0 {
		cfg.CartTimeout = 10 * time.Second
	}
	o.mu.Lock()
	o.cfg = cfg
	o.mu.Unlock()
}

func (o *Orchestrator) InProgress() bool { return o.inProgress.Load() }

// Attempt runs one add-to-cart and checkout advance for p. Only one attempt
// runs at a time process-wide; a concurrent call gets ErrInProgress. The
// purchase limit is checked after the flag is taken, so the check and the
// later count increment cannot interleave with another attempt.
func (o *Orchestrator) Attempt(ctx context.Context, p product.Product, directURL string, trigger Trigger) (res Result, err error) {
	res = Result{ProductID: p.ID, Trigger: trigger, State: StateIdle}
	if !o.inProgress.CompareAndSwap(false, true) {
		res.Reason = governor.ReasonCheckoutInProgress
		res.Error = ErrInProgress.Error()
		return res, ErrInProgress
	}

	actx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.gen++
	gen := o.gen
	o.cancel = cancel
	cartTimeout := o.cfg.CartTimeout
	o.mu.Unlock()
	defer o.release(gen, cancel)

	stats, err := o.purchases.Check(actx)
	res.Count, res.Limit = stats.Count, stats.Limit
	if err != nil {
		res.Error = err.Error()
		res.Reason = governor.ReasonOf(err)
		res.LimitReached = errors.Is(err, governor.ErrLimitReached)
		o.log.Info("checkout refused", logx.String("product", p.ID), logx.Err(err))
		return res, err
	}

	start := time.Now()
	res.AttemptID = uuid.NewString()
	o.attempts.Add(1)
	log := o.log.With(logx.String("attempt", res.AttemptID), logx.String("product", p.ID), logx.String("trigger", string(trigger)))
	o.setState(StateAddingToCart, res.AttemptID)

	defer func() {
		res.Took = time.Since(start)
		o.finish(ctx, res)
	}()

	sess, err := o.pool.Open(actx, p.Host(), session.PurposeCheckout)
	if err != nil {
		res.State = StateFailed
		res.Error = err.Error()
		res.Reason = governor.ReasonOf(err)
		log.Warn("checkout session refused", logx.Err(err))
		return res, fmt.Errorf("open session: %w", err)
	}
	defer o.pool.Release(sess)

	adapter := o.reg.For(p)
	cart, err := o.addToCart(actx, log, adapter, sess, p, directURL, cartTimeout)
	res.Method = cart.Method
	if err != nil || !cart.Success {
		res.State = StateFailed
		res.Reason = governor.ReasonAdapterFailure
		if err == nil {
			err = ErrCartFailed
			if cart.Error != "" {
				err = fmt.Errorf("%w: %s", ErrCartFailed, cart.Error)
			}
		}
		res.Error = err.Error()
		log.Warn("add to cart failed", logx.String("method", cart.Method), logx.Err(err))
		return res, err
	}

	stats, err = o.purchases.Commit(ctx)
	res.Count, res.Limit = stats.Count, stats.Limit
	if err != nil {
		res.State = StateFailed
		res.Error = err.Error()
		res.Reason = governor.ReasonOf(err)
		res.LimitReached = errors.Is(err, governor.ErrLimitReached)
		log.Error("purchase count not persisted; reporting failure", logx.Err(err))
		return res, err
	}
	res.Success = true
	res.State = StateCartAdded
	o.setState(StateCartAdded, res.AttemptID)
	o.successes.Add(1)
	log.Info("added to cart", logx.String("method", cart.Method), logx.Int("count", stats.Count), logx.Int("limit", stats.Limit))

	o.setState(StateAdvancingCheckout, res.AttemptID)
	step, err := adapter.AdvanceCheckout(actx, sess, p)
	switch {
	case err != nil:
		res.StepError = err.Error()
	case !step.Success:
		res.StepError = step.Error
		if res.StepError == "" {
			res.StepError = "checkout step not confirmed"
		}
	default:
		res.State = StateReadyForUserConfirmation
	}
	if res.StepError != "" {
		log.Warn("checkout advance failed; item stays in cart", logx.String("err", res.StepError))
	}
	return res, nil
}

// addToCart tries the direct URL under its own timeout and falls back to
// page automation when it does not confirm in time.
func (o *Orchestrator) addToCart(ctx context.Context, log logx.Logger, a site.Adapter, sess *session.Session, p product.Product, directURL string, timeout time.Duration) (site.CartResult, error) {
	if directURL != "" {
		dctx, cancel := context.WithTimeout(ctx, timeout)
		res, err := a.AddToCart(dctx, sess, p, directURL)
		cancel()
		if err == nil && res.Success {
			if res.Method == "" {
				res.Method = site.MethodDirect
			}
			return res, nil
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		log.Info("direct cart not confirmed; falling back to page", logx.Err(err), logx.String("result", res.Error))
	}
	res, err := a.AddToCart(ctx, sess, p, "")
	if res.Method == "" {
		res.Method = site.MethodPage
	}
	return res, err
}

func (o *Orchestrator) setState(st State, attemptID string) {
	o.mu.Lock()
	o.state = st
	o.attemptID = attemptID
	o.mu.Unlock()
}

func (o *Orchestrator) finish(ctx context.Context, res Result) {
	o.mu.Lock()
	cp := res
	o.last = &cp
	o.mu.Unlock()

	if o.audit != nil {
		entry := storage.AuditEntry{
			At:        time.Now(),
			AttemptID: res.AttemptID,
			ProductID: res.ProductID,
			Trigger:   string(res.Trigger),
			Method:    res.Method,
			OK:        res.Success,
			Reason:    string(res.Reason),
			Error:     res.Error,
			TookMS:    res.Took.Milliseconds(),
		}
		if entry.Error == "" {
			entry.Error = res.StepError
		}
		if err := o.audit.AppendAudit(context.WithoutCancel(ctx), entry); err != nil {
			o.log.Warn("checkout audit write failed", logx.Err(err))
		}
	}
	if o.bus != nil {
		o.bus.Publish(eventbus.Event{Type: eventbus.CheckoutFinished, Time: time.Now(), Data: res})
	}
}

func (o *Orchestrator) release(gen uint64, cancel context.CancelFunc) {
	cancel()
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.gen != gen {
		// ForceRelease already cleared this attempt.
		return
	}
	o.cancel = nil
	o.state = StateIdle
	o.inProgress.Store(false)
}

// ForceRelease cancels any running attempt and clears the in-progress flag.
// It reports whether an attempt was in progress.
func (o *Orchestrator) ForceRelease() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.gen++
	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
	o.state = StateIdle
	return o.inProgress.Swap(false)
}

type Status struct {
	InProgress bool    `json:"inProgress"`
	State      State   `json:"state"`
	AttemptID  string  `json:"attemptId,omitempty"`
	Attempts   uint64  `json:"attempts"`
	Successes  uint64  `json:"successes"`
	Last       *Result `json:"last,omitempty"`
}

func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := Status{
		InProgress: o.inProgress.Load(),
		State:      o.state,
		Attempts:   o.attempts.Load(),
		Successes:  o.successes.Load(),
	}
	if st.InProgress {
		st.AttemptID = o.attemptID
	}
	if o.last != nil {
		cp := *o.last
		st.Last = &cp
	}
	return st
}
