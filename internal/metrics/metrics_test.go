package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordHelpers(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordEvent("twitch", "command")
	m.RecordEvent("twitch", "command")
	m.RecordDecision("routed")
	m.RecordDispatch("weather", "webhook", "ok", 0.05)
	m.RecordEgress("twitch-main", "ok", 0.01)
	m.RecordBreakerState("https://mods.example.com", 2)

	if got := testutil.ToFloat64(m.EventsTotal.WithLabelValues("twitch", "command")); got != 2 {
		t.Errorf("expected 2 events, got %v", got)
	}
	if got := testutil.ToFloat64(m.Decisions.WithLabelValues("routed")); got != 1 {
		t.Errorf("expected 1 decision, got %v", got)
	}
	if got := testutil.ToFloat64(m.DispatchTotal.WithLabelValues("weather", "ok")); got != 1 {
		t.Errorf("expected 1 dispatch, got %v", got)
	}
	if got := testutil.ToFloat64(m.BreakerState.WithLabelValues("https://mods.example.com")); got != 2 {
		t.Errorf("expected breaker state 2, got %v", got)
	}
}

func TestSeparateRegistries(t *testing.T) {
	a := New(prometheus.NewRegistry())
	b := New(prometheus.NewRegistry())
	a.RecordRejection("malformed-event")
	if got := testutil.ToFloat64(b.EventsRejected.WithLabelValues("malformed-event")); got != 0 {
		t.Errorf("expected isolated registries, got %v", got)
	}
}
