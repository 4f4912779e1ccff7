package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"stockwatch/internal/checkout"
	"stockwatch/internal/eventbus"
	"stockwatch/internal/governor"
	"stockwatch/internal/stockstate"
	kit "stockwatch/internal/transport"
	logx "stockwatch/pkg/logx"
)

// Route is one place a relayed notification goes.
type Route struct {
	Channel string
	Target  kit.ChatTarget
}

// Relay turns bus events into notifications.
type Relay struct {
	svc    *Service
	bus    eventbus.Bus
	routes func() []Route
	log    logx.Logger
}

// NewRelay fans every relayed event out to routes(), which is read per
// event so targets follow config reloads.
func NewRelay(svc *Service, bus eventbus.Bus, routes func() []Route, log logx.Logger) *Relay {
	return &Relay{svc: svc, bus: bus, routes: routes, log: log.With(logx.String("comp", "notify.relay"))}
}

// Run blocks until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	ch, unsub := r.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return errors.New("event bus closed")
			}
			r.handle(ctx, ev)
		}
	}
}

func (r *Relay) handle(ctx context.Context, ev eventbus.Event) {
	msg, ok := Format(ev)
	if !ok {
		return
	}
	for _, rt := range r.routes() {
		n := msg
		n.Channel = rt.Channel
		n.Target = rt.Target
		if err := r.svc.Notify(ctx, n); err != nil && !errors.Is(err, ErrDisabled) {
			r.log.Warn("notification not queued", logx.String("event", ev.Type), logx.String("channel", rt.Channel), logx.Err(err))
		}
	}
}

// Format renders the events worth telling an operator about. Other event
// types report false.
func Format(ev eventbus.Event) (kit.Notification, bool) {
	opts := &kit.SendOptions{DisablePreview: true}
	switch ev.Type {
	case eventbus.StockAvailable:
		rec, ok := ev.Data.(stockstate.Record)
		if !ok {
			return kit.Notification{}, false
		}
		name := rec.Product.Name
		if name == "" {
			name = rec.ProductID
		}
		return kit.Notification{
			Priority: 9,
			Key:      "stock:" + rec.ProductID,
			Text:     fmt.Sprintf("In stock: %s\n%s", name, rec.Product.URL),
			Options:  &kit.SendOptions{},
		}, true

	case eventbus.CheckoutFinished:
		res, ok := ev.Data.(checkout.Result)
		if !ok {
			return kit.Notification{}, false
		}
		var b strings.Builder
		switch {
		case res.Success && res.StepError == "":
			fmt.Fprintf(&b, "Added to cart, ready for confirmation: %s", res.ProductID)
		case res.Success:
			fmt.Fprintf(&b, "Added to cart, checkout step failed (%s): %s", res.StepError, res.ProductID)
		default:
			fmt.Fprintf(&b, "Checkout failed: %s", res.ProductID)
			if res.Error != "" {
				fmt.Fprintf(&b, "\n%s", res.Error)
			}
		}
		fmt.Fprintf(&b, "\nPurchases: %d/%d (%s)", res.Count, res.Limit, res.Trigger)
		prio := 8
		if !res.Success {
			prio = 7
		}
		return kit.Notification{Priority: prio, Key: "checkout:" + res.AttemptID, Text: b.String(), Options: opts}, true

	case eventbus.BreakerTripped:
		st, ok := ev.Data.(governor.BreakerState)
		if !ok {
			return kit.Notification{}, false
		}
		return kit.Notification{
			Priority: 7,
			Key:      fmt.Sprintf("breaker:%d", st.Trips),
			Text:     fmt.Sprintf("Checks paused after %d consecutive failures, until %s", st.Failures, st.OpenUntil.Format(time.RFC3339)),
			Options:  opts,
		}, true

	case eventbus.EmergencyStop:
		return kit.Notification{Priority: 9, Key: "emergency:" + ev.Time.Format(time.RFC3339Nano), Text: "Emergency stop: monitoring and checkout halted", Options: opts}, true

	case eventbus.MonitoringChanged:
		data, _ := ev.Data.(map[string]any)
		on, _ := data["enabled"].(bool)
		text := "Monitoring stopped"
		if on {
			text = "Monitoring started"
		}
		if reason, ok := data["reason"]; ok {
			text += fmt.Sprintf(" (%v)", reason)
		}
		return kit.Notification{Priority: 5, Key: "monitoring:" + ev.Time.Format(time.RFC3339Nano), Text: text, Options: opts}, true
	}
	return kit.Notification{}, false
}
