package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/lost-nd-xxx/update-bell-app-sub000/internal/logging"
)

func newTestSink(t *testing.T) (*PrometheusSink, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink(reg, logging.Discard())
	return sink, reg
}

func getCounterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if m.GetCounter() != nil {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func getGaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if m.GetGauge() != nil {
					return m.GetGauge().GetValue()
				}
			}
		}
	}
	return 0
}

func getCounterVecValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if matchLabels(m.GetLabel(), labels) {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func matchLabels(pairs []*dto.LabelPair, want map[string]string) bool {
	if len(pairs) != len(want) {
		return false
	}
	for _, p := range pairs {
		if v, ok := want[p.GetName()]; !ok || v != p.GetValue() {
			return false
		}
	}
	return true
}

func TestPrometheusSink_Registration(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink(reg, nil)
	if sink == nil {
		t.Fatal("NewPrometheusSink returned nil")
	}
}

func TestPrometheusSink_CycleStarted(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.CycleStarted()
	sink.CycleStarted()

	val := getCounterValue(t, reg, "bellcron_cycle_runs_total")
	if val != 2 {
		t.Errorf("cycle_runs_total = %v, want 2", val)
	}
}

func TestPrometheusSink_CycleCompleted_WithError(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.CycleCompleted(100*time.Millisecond, 5, nil)
	errCount := getCounterValue(t, reg, "bellcron_cycle_errors_total")
	if errCount != 0 {
		t.Errorf("cycle_errors_total = %v after success, want 0", errCount)
	}
	if due := getCounterValue(t, reg, "bellcron_cycle_reminders_due_total"); due != 5 {
		t.Errorf("reminders_due_total = %v, want 5", due)
	}

	sink.CycleCompleted(100*time.Millisecond, 0, errors.New("index unavailable"))
	errCount = getCounterValue(t, reg, "bellcron_cycle_errors_total")
	if errCount != 1 {
		t.Errorf("cycle_errors_total = %v after error, want 1", errCount)
	}
}

func TestPrometheusSink_DeliveryAttemptLabels(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.DeliveryAttemptCompleted("delivered", StatusClass2xx, 100*time.Millisecond)
	sink.DeliveryAttemptCompleted("expired", StatusClass4xx, 200*time.Millisecond)
	sink.DeliveryAttemptCompleted("expired", StatusClass4xx, 200*time.Millisecond)

	val1 := getCounterVecValue(t, reg, "bellcron_delivery_attempts_total",
		map[string]string{"outcome": "delivered", "status_class": "2xx"})
	if val1 != 1 {
		t.Errorf("delivered/2xx = %v, want 1", val1)
	}

	val2 := getCounterVecValue(t, reg, "bellcron_delivery_attempts_total",
		map[string]string{"outcome": "expired", "status_class": "4xx"})
	if val2 != 2 {
		t.Errorf("expired/4xx = %v, want 2", val2)
	}
}

func TestPrometheusSink_ReminderDropped(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.ReminderDropped(DropUnschedulable)
	sink.ReminderDropped(DropNoEndpoints)
	sink.ReminderDropped(DropUnschedulable)

	val := getCounterVecValue(t, reg, "bellcron_reminders_dropped_total",
		map[string]string{"reason": DropUnschedulable})
	if val != 2 {
		t.Errorf("dropped{unschedulable} = %v, want 2", val)
	}
}

func TestPrometheusSink_GroupsInFlight(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.GroupsInFlightIncr()
	sink.GroupsInFlightIncr()
	sink.GroupsInFlightDecr()

	val := getGaugeValue(t, reg, "bellcron_cycle_groups_in_flight")
	if val != 1 {
		t.Errorf("groups_in_flight = %v, want 1", val)
	}
}

func TestPrometheusSink_LeaderStatus(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.LeaderStatusChanged(true)
	sink.LeaderAcquired()
	if val := getGaugeValue(t, reg, "bellcron_leader_is_leader"); val != 1 {
		t.Errorf("is_leader = %v, want 1", val)
	}

	sink.LeaderStatusChanged(false)
	sink.LeaderLost("conn_lost")
	if val := getGaugeValue(t, reg, "bellcron_leader_is_leader"); val != 0 {
		t.Errorf("is_leader = %v, want 0", val)
	}
	lost := getCounterVecValue(t, reg, "bellcron_leader_lost_total", map[string]string{"reason": "conn_lost"})
	if lost != 1 {
		t.Errorf("leader_lost{conn_lost} = %v, want 1", lost)
	}
}

func TestPrometheusSink_DuplicateRegistration_NoPanic(t *testing.T) {
	reg := prometheus.NewRegistry()

	sink1 := NewPrometheusSink(reg, nil)
	if sink1 == nil {
		t.Fatal("first NewPrometheusSink returned nil")
	}

	// Second registration fails for every collector but must not panic.
	sink2 := NewPrometheusSink(reg, nil)
	if sink2 == nil {
		t.Fatal("second NewPrometheusSink returned nil")
	}
}

// Verify PrometheusSink implements Sink interface.
var _ Sink = (*PrometheusSink)(nil)
