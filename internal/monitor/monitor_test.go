package monitor

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestSlidingWindowDropsOldest(t *testing.T) {
	m := New(Options{Window: 3})

	m.Record(10 * time.Microsecond)
	m.Record(20 * time.Microsecond)
	m.Record(30 * time.Microsecond)
	if got := m.Average(); got != 20*time.Microsecond {
		t.Fatalf("expected average 20µs, got %s", got)
	}

	m.Record(90 * time.Microsecond)
	if got := m.Average(); got != (20+30+90)*time.Microsecond/3 {
		t.Fatalf("expected oldest sample evicted, got average %s", got)
	}

	snap := m.Snapshot()
	if snap.Samples != 4 {
		t.Fatalf("expected 4 samples recorded, got %d", snap.Samples)
	}
	if snap.WindowSize != 3 {
		t.Fatalf("expected window size 3, got %d", snap.WindowSize)
	}
	if snap.Min != 20*time.Microsecond || snap.Max != 90*time.Microsecond {
		t.Fatalf("unexpected min/max %s/%s", snap.Min, snap.Max)
	}
}

func TestMeetsTarget(t *testing.T) {
	m := New(Options{Window: 10})
	if !m.MeetsTarget() {
		t.Fatalf("expected empty monitor to meet target")
	}

	m.Record(50 * time.Microsecond)
	if !m.MeetsTarget() {
		t.Fatalf("expected 50µs average to meet target")
	}

	m.Record(400 * time.Microsecond)
	if m.MeetsTarget() {
		t.Fatalf("expected 225µs average to miss target")
	}
}

func TestMeasureRecordsDuration(t *testing.T) {
	m := New(Options{})
	called := false
	elapsed := m.Measure(func() { called = true })
	if !called {
		t.Fatalf("expected measured function to run")
	}
	if snap := m.Snapshot(); snap.Samples != 1 || snap.Max != elapsed {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestSnapshotPullsSources(t *testing.T) {
	now := time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC)
	m := New(Options{Now: func() time.Time { return now }})
	m.Bind(Sources{
		QueueDepth:        func() int { return 4 },
		BufferUtilization: func() float64 { return 0.95 },
		PoolBytes:         func() int64 { return 2048 },
		StorageFailures:   func() int64 { return 2 },
	})
	m.IncRequests()
	m.IncOutcome(OutcomeStreaming)
	m.RecordProcessing(2*time.Millisecond, nil)
	m.RecordProcessing(4*time.Millisecond, errors.New("boom"))

	h := m.Health()
	if !h.Timestamp.Equal(now) {
		t.Fatalf("expected injected clock, got %s", h.Timestamp)
	}
	if h.QueueDepth != 4 || h.PoolBytes != 2048 {
		t.Fatalf("sources not pulled: %+v", h.Snapshot)
	}
	if h.Outcomes[OutcomeStreaming] != 1 || h.Requests != 1 {
		t.Fatalf("unexpected counters %+v", h.Snapshot)
	}
	if h.ProcessingAverage != 3*time.Millisecond {
		t.Fatalf("expected 3ms processing average, got %s", h.ProcessingAverage)
	}
	if h.Healthy {
		t.Fatalf("expected unhealthy report")
	}
	joined := strings.Join(h.Warnings, "\n")
	for _, want := range []string{"write buffer", "storage append failures", "processing errors"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("expected warning containing %q, got %v", want, h.Warnings)
		}
	}
}

func TestRegisterTwiceReusesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := New(Options{})
	if err := first.Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	second := New(Options{})
	if err := second.Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}
	second.IncOutcome(OutcomeDropped)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := false
	for _, mf := range families {
		if mf.GetName() == "apilogger_capture_captures_total" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected captures counter to be registered")
	}
}
