// Package metrics holds stockwatch's Prometheus collectors.
package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level collectors. They are registered via Register.
var (
	regOK atomic.Bool

	checksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stockwatch",
			Subsystem: "check",
			Name:      "total",
			Help:      "Stock checks by result (in_stock, out_of_stock, error, skipped).",
		}, []string{"result"},
	)
	checkDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "stockwatch",
			Subsystem: "check",
			Name:      "duration_seconds",
			Help:      "Adapter call duration for one stock check.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	checksInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "stockwatch",
			Subsystem: "check",
			Name:      "in_flight",
			Help:      "Stock checks currently running.",
		},
	)
	cycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "stockwatch",
			Subsystem: "cycle",
			Name:      "duration_seconds",
			Help:      "Time from cycle admission until its last check finished.",
			Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120},
		},
	)
	cyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stockwatch",
			Subsystem: "cycle",
			Name:      "total",
			Help:      "Scheduling attempts by outcome (run or the rejection reason).",
		}, []string{"outcome"},
	)
	breakerTrips = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "stockwatch",
			Subsystem: "breaker",
			Name:      "trips_total",
			Help:      "Times the consecutive-failure breaker opened.",
		},
	)
	purchasesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stockwatch",
			Subsystem: "checkout",
			Name:      "attempts_total",
			Help:      "Checkout attempts by trigger and result.",
		}, []string{"trigger", "result"},
	)
	sessionsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "stockwatch",
			Subsystem: "session",
			Name:      "open",
			Help:      "Browsing sessions currently open.",
		},
	)
	notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stockwatch",
			Subsystem: "notify",
			Name:      "total",
			Help:      "Notifications by channel and result.",
		}, []string{"channel", "result"},
	)
)

// Register registers all collectors with r. Calls after a successful one
// are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{checksTotal, checkDuration, checksInFlight, cycleDuration, cyclesTotal, breakerTrips, purchasesTotal, sessionsOpen, notificationsTotal}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler serves the default gatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves g.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Helpers below no-op until Register succeeds.

func ObserveCheck(result string, seconds float64) {
	if regOK.Load() {
		checksTotal.WithLabelValues(result).Inc()
		if seconds > 0 {
			checkDuration.Observe(seconds)
		}
	}
}

func AddInFlight(delta float64) {
	if regOK.Load() {
		checksInFlight.Add(delta)
	}
}

func ObserveCycle(seconds float64) {
	if regOK.Load() {
		cycleDuration.Observe(seconds)
	}
}

func IncCycle(outcome string) {
	if regOK.Load() {
		cyclesTotal.WithLabelValues(outcome).Inc()
	}
}

func IncBreakerTrip() {
	if regOK.Load() {
		breakerTrips.Inc()
	}
}

func IncCheckout(trigger string, ok bool) {
	if regOK.Load() {
		result := "failed"
		if ok {
			result = "success"
		}
		purchasesTotal.WithLabelValues(trigger, result).Inc()
	}
}

func SetSessionsOpen(n int) {
	if regOK.Load() {
		sessionsOpen.Set(float64(n))
	}
}

func IncNotification(channel string, ok bool) {
	if regOK.Load() {
		result := "failed"
		if ok {
			result = "sent"
		}
		notificationsTotal.WithLabelValues(channel, result).Inc()
	}
}
