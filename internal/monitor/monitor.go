// Package monitor measures how long the capture step adds to an intercepted
// call and aggregates the health of the background path.
package monitor

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Target is the average interceptor latency the pipeline must stay under.
const Target = 100 * time.Microsecond

// DefaultWindow is the number of samples kept for the running average.
const DefaultWindow = 1000

var histogramBuckets = []float64{0.00001, 0.000025, 0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.005, 0.01}

// Outcome labels for the captures counter.
const (
	OutcomeStreaming    = "streaming"
	OutcomeNonStreaming = "non_streaming"
	OutcomeDropped      = "dropped"
	OutcomeOrphaned     = "orphaned"
	OutcomeFailed       = "failed"
)

// Sources lets the monitor pull live figures from the other components.
type Sources struct {
	QueueDepth        func() int
	BufferUtilization func() float64
	PoolBytes         func() int64
	StorageFailures   func() int64
	LostRecords       func() int64
}

// Options configures a Monitor.
type Options struct {
	Window int
	Now    func() time.Time
}

// Monitor keeps a fixed-size sliding window of interceptor latencies.
type Monitor struct {
	mu      sync.Mutex
	window  []time.Duration
	next    int
	filled  int
	sum     time.Duration
	total   int64
	sources Sources
	now     func() time.Time

	requests   int64
	outcomes   map[string]int64
	processed  int64
	procErrors int64
	procTotal  time.Duration

	interceptLatency prometheus.Histogram
	processLatency   prometheus.Histogram
	captures         *prometheus.CounterVec
}

// New creates a monitor.
func New(opts Options) *Monitor {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Monitor{
		window:   make([]time.Duration, opts.Window),
		now:      opts.Now,
		outcomes: make(map[string]int64),
		interceptLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "apilogger",
			Subsystem: "capture",
			Name:      "interceptor_latency_seconds",
			Help:      "Time spent splitting and enqueueing a captured response",
			Buckets:   histogramBuckets,
		}),
		processLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "apilogger",
			Subsystem: "queue",
			Name:      "processing_duration_seconds",
			Help:      "Time spent draining one captured exchange in the background",
			Buckets:   prometheus.DefBuckets,
		}),
		captures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "apilogger",
			Subsystem: "capture",
			Name:      "captures_total",
			Help:      "Captured exchanges by outcome",
		}, []string{"outcome"}),
	}
}

// Bind attaches the live sources read by Snapshot and the gauges.
func (m *Monitor) Bind(src Sources) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources = src
}

// Register adds the monitor's collectors to reg. Collectors that are already
// registered are reused.
func (m *Monitor) Register(reg prometheus.Registerer) error {
	if reg == nil {
		return nil
	}
	gauges := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "apilogger",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Captured exchanges waiting for background processing",
		}, func() float64 { return float64(m.Snapshot().QueueDepth) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "apilogger",
			Subsystem: "writer",
			Name:      "buffer_utilization",
			Help:      "Unflushed records relative to the write buffer size",
		}, func() float64 { return m.Snapshot().BufferUtilization }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "apilogger",
			Subsystem: "bufpool",
			Name:      "pooled_bytes",
			Help:      "Bytes held by buffer pool free lists",
		}, func() float64 { return float64(m.Snapshot().PoolBytes) }),
	}

	collectors := append([]prometheus.Collector{m.interceptLatency, m.processLatency, m.captures}, gauges...)
	var errs []error
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				switch existing := already.ExistingCollector.(type) {
				case *prometheus.CounterVec:
					m.captures = existing
				case prometheus.Histogram:
					if collector == prometheus.Collector(m.interceptLatency) {
						m.interceptLatency = existing
					} else if collector == prometheus.Collector(m.processLatency) {
						m.processLatency = existing
					}
				}
				continue
			}
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("register metrics: %w", errors.Join(errs...))
	}
	return nil
}

// Measure runs fn and records its duration as interceptor latency.
func (m *Monitor) Measure(fn func()) time.Duration {
	start := time.Now()
	fn()
	elapsed := time.Since(start)
	m.Record(elapsed)
	return elapsed
}

// Record adds one interceptor latency sample, evicting the oldest once the
// window is full.
func (m *Monitor) Record(d time.Duration) {
	m.mu.Lock()
	if m.filled == len(m.window) {
		m.sum -= m.window[m.next]
	} else {
		m.filled++
	}
	m.window[m.next] = d
	m.sum += d
	m.next = (m.next + 1) % len(m.window)
	m.total++
	m.mu.Unlock()

	m.interceptLatency.Observe(d.Seconds())
}

// IncRequests counts a request handed to the pipeline.
func (m *Monitor) IncRequests() {
	m.mu.Lock()
	m.requests++
	m.mu.Unlock()
}

// IncOutcome counts a capture by outcome.
func (m *Monitor) IncOutcome(outcome string) {
	m.mu.Lock()
	m.outcomes[outcome]++
	m.mu.Unlock()
	m.captures.WithLabelValues(outcome).Inc()
}

// RecordProcessing records the background cost of one task.
func (m *Monitor) RecordProcessing(d time.Duration, err error) {
	m.mu.Lock()
	m.processed++
	m.procTotal += d
	if err != nil {
		m.procErrors++
	}
	m.mu.Unlock()
	m.processLatency.Observe(d.Seconds())
}

// Average returns the running average over the window.
func (m *Monitor) Average() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.averageLocked()
}

func (m *Monitor) averageLocked() time.Duration {
	if m.filled == 0 {
		return 0
	}
	return m.sum / time.Duration(m.filled)
}

// MeetsTarget reports whether the running average is below Target.
func (m *Monitor) MeetsTarget() bool {
	return m.Average() < Target
}

// Snapshot is a consolidated view of pipeline health.
type Snapshot struct {
	Timestamp         time.Time        `json:"timestamp"`
	Samples           int64            `json:"samples"`
	WindowSize        int              `json:"window_size"`
	Average           time.Duration    `json:"average_ns"`
	Min               time.Duration    `json:"min_ns"`
	Max               time.Duration    `json:"max_ns"`
	MeetsTarget       bool             `json:"meets_target"`
	Requests          int64            `json:"requests"`
	Outcomes          map[string]int64 `json:"outcomes"`
	Processed         int64            `json:"processed"`
	ProcessingErrors  int64            `json:"processing_errors"`
	ProcessingAverage time.Duration    `json:"processing_average_ns"`
	QueueDepth        int              `json:"queue_depth"`
	BufferUtilization float64          `json:"buffer_utilization"`
	PoolBytes         int64            `json:"pool_bytes"`
	StorageFailures   int64            `json:"storage_failures"`
	LostRecords       int64            `json:"lost_records"`
	HeapAlloc         uint64           `json:"heap_alloc"`
}

// Snapshot gathers the window statistics and the bound sources.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	s := Snapshot{
		Timestamp:        m.now(),
		Samples:          m.total,
		WindowSize:       m.filled,
		Average:          m.averageLocked(),
		Requests:         m.requests,
		Outcomes:         make(map[string]int64, len(m.outcomes)),
		Processed:        m.processed,
		ProcessingErrors: m.procErrors,
	}
	for k, v := range m.outcomes {
		s.Outcomes[k] = v
	}
	if m.processed > 0 {
		s.ProcessingAverage = m.procTotal / time.Duration(m.processed)
	}
	for i := 0; i < m.filled; i++ {
		d := m.window[i]
		if i == 0 || d < s.Min {
			s.Min = d
		}
		if d > s.Max {
			s.Max = d
		}
	}
	src := m.sources
	m.mu.Unlock()

	s.MeetsTarget = s.Average < Target
	if src.QueueDepth != nil {
		s.QueueDepth = src.QueueDepth()
	}
	if src.BufferUtilization != nil {
		s.BufferUtilization = src.BufferUtilization()
	}
	if src.PoolBytes != nil {
		s.PoolBytes = src.PoolBytes()
	}
	if src.StorageFailures != nil {
		s.StorageFailures = src.StorageFailures()
	}
	if src.LostRecords != nil {
		s.LostRecords = src.LostRecords()
	}
	return s
}

// Health is a snapshot plus operator-facing warnings.
type Health struct {
	Snapshot
	Healthy  bool     `json:"healthy"`
	Warnings []string `json:"warnings,omitempty"`
}

// Health evaluates the snapshot against the latency target and the storage
// counters. It reads runtime memory statistics, so callers should not use it
// on a hot path.
func (m *Monitor) Health() Health {
	h := Health{Snapshot: m.Snapshot()}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	h.HeapAlloc = ms.HeapAlloc

	if !h.MeetsTarget {
		h.Warnings = append(h.Warnings, fmt.Sprintf("average interceptor latency %s exceeds target %s", h.Average, Target))
	}
	if h.BufferUtilization >= 0.9 {
		h.Warnings = append(h.Warnings, fmt.Sprintf("write buffer %.0f%% full", h.BufferUtilization*100))
	}
	if h.StorageFailures > 0 {
		h.Warnings = append(h.Warnings, fmt.Sprintf("%d storage append failures", h.StorageFailures))
	}
	if h.LostRecords > 0 {
		h.Warnings = append(h.Warnings, fmt.Sprintf("%d records lost", h.LostRecords))
	}
	if h.ProcessingErrors > 0 {
		h.Warnings = append(h.Warnings, fmt.Sprintf("%d background processing errors", h.ProcessingErrors))
	}
	h.Healthy = len(h.Warnings) == 0
	return h
}
