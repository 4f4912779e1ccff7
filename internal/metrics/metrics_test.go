package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegisterAndHelpers(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}

	ObserveCheck("in_stock", 0.4)
	ObserveCheck("error", 0)
	AddInFlight(1)
	ObserveCycle(3)
	IncCycle("run")
	IncBreakerTrip()
	IncCheckout("auto", true)
	SetSessionsOpen(2)
	IncNotification("log", true)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	want := map[string]bool{
		"stockwatch_check_total":             false,
		"stockwatch_check_duration_seconds":  false,
		"stockwatch_check_in_flight":         false,
		"stockwatch_cycle_duration_seconds":  false,
		"stockwatch_cycle_total":             false,
		"stockwatch_breaker_trips_total":     false,
		"stockwatch_checkout_attempts_total": false,
		"stockwatch_session_open":            false,
		"stockwatch_notify_total":            false,
	}
	for _, mf := range mfs {
		if _, ok := want[mf.GetName()]; ok {
			want[mf.GetName()] = true
			if len(mf.GetMetric()) == 0 {
				t.Fatalf("metric %s has no samples", mf.GetName())
			}
		}
	}
	for n, ok := range want {
		if !ok {
			t.Fatalf("expected metric %s", n)
		}
	}

	rec := httptest.NewRecorder()
	HandlerFor(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `stockwatch_check_total{result="in_stock"} 1`) {
		t.Fatalf("metrics output missing check counter:\n%s", body)
	}
}
