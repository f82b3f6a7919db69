package metrics

import (
	"testing"
	"time"
)

func setup(t *testing.T) *Manager {
	t.Helper()
	m := GetInstance()
	m.Reset()
	t.Cleanup(m.Reset)
	return m
}

func TestRecordDuration(t *testing.T) {
	m := setup(t)

	m.RecordDuration("exec", "navigate", 10*time.Millisecond)
	m.RecordDuration("exec", "navigate", 30*time.Millisecond)
	m.RecordDuration("exec", "navigate", 20*time.Millisecond)

	snap := m.GetSnapshot()
	ts, ok := snap.Timings["exec/navigate"]
	if !ok {
		t.Fatalf("missing timing path, have %v", m.Keys())
	}
	if ts.Count != 3 {
		t.Errorf("count = %d, want 3", ts.Count)
	}
	if ts.AvgMs != 20 {
		t.Errorf("avg = %v, want 20", ts.AvgMs)
	}
	if ts.MinMs != 10 {
		t.Errorf("min = %v, want 10", ts.MinMs)
	}
	if ts.MaxMs != 30 {
		t.Errorf("max = %v, want 30", ts.MaxMs)
	}
}

func TestCounterAndGauge(t *testing.T) {
	m := setup(t)

	m.IncrementCounter("sched", "ownership_rejected")
	m.IncrementCounter("sched", "ownership_rejected")
	m.AddCounter("sched", "executed", 5)
	m.SetGauge("sched", "queue_depth", 7)
	m.SetGauge("sched", "queue_depth", 2)

	snap := m.GetSnapshot()
	if got := snap.Counters["sched/ownership_rejected"]; got != 2 {
		t.Errorf("counter = %d, want 2", got)
	}
	if got := snap.Counters["sched/executed"]; got != 5 {
		t.Errorf("counter = %d, want 5", got)
	}
	if got := snap.Gauges["sched/queue_depth"]; got != 2 {
		t.Errorf("gauge = %d, want 2 (last set)", got)
	}
}

func TestPercentile(t *testing.T) {
	m := setup(t)

	for i := 1; i <= 100; i++ {
		m.RecordDuration("exec", "eval", time.Duration(i)*time.Millisecond)
	}

	snap := m.GetSnapshot()
	p95 := snap.Timings["exec/eval"].P95Ms
	if p95 < 94 || p95 > 97 {
		t.Errorf("p95 = %v, want ~95-96", p95)
	}
}

func TestPathWithoutFunction(t *testing.T) {
	m := setup(t)
	m.IncrementCounter("reconnects", "")
	if got := m.GetSnapshot().Counters["reconnects"]; got != 1 {
		t.Errorf("counter = %d, want 1", got)
	}
}
