// Package metrics tracks in-process counters, gauges, and timings for the
// multiplexer. Snapshots feed the leader's /status endpoint.
package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

const maxSamples = 1000 // Keep last 1000 samples for percentile calculations

// TimingMetric tracks timing statistics
type TimingMetric struct {
	Count     int64
	Total     time.Duration
	Min       time.Duration
	Max       time.Duration
	Last      time.Duration
	samples   []time.Duration // Ring buffer for percentiles
	sampleIdx int
}

// CounterMetric tracks incrementing values
type CounterMetric struct {
	Value int64
	Last  time.Time
}

// GaugeMetric tracks values that can go up or down
type GaugeMetric struct {
	Value int64
	Min   int64
	Max   int64
	Last  time.Time
}

// Manager is the global metrics manager
type Manager struct {
	mu       sync.RWMutex
	timings  map[string]*TimingMetric
	counters map[string]*CounterMetric
	gauges   map[string]*GaugeMetric
}

var (
	instance *Manager
	once     sync.Once
)

// GetInstance returns the singleton metrics manager
func GetInstance() *Manager {
	once.Do(func() {
		instance = &Manager{
			timings:  make(map[string]*TimingMetric),
			counters: make(map[string]*CounterMetric),
			gauges:   make(map[string]*GaugeMetric),
		}
	})
	return instance
}

// buildPath creates a normalized path from topic and function
func buildPath(topic, function string) string {
	if function == "" {
		return topic
	}
	return fmt.Sprintf("%s/%s", topic, function)
}

// RecordDuration records a timing sample
func (m *Manager) RecordDuration(topic, function string, duration time.Duration) {
	path := buildPath(topic, function)

	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.timings[path]
	if !ok {
		t = &TimingMetric{Min: duration, samples: make([]time.Duration, 0, maxSamples)}
		m.timings[path] = t
	}

	t.Count++
	t.Total += duration
	t.Last = duration
	if duration < t.Min {
		t.Min = duration
	}
	if duration > t.Max {
		t.Max = duration
	}
	if len(t.samples) < maxSamples {
		t.samples = append(t.samples, duration)
	} else {
		t.samples[t.sampleIdx] = duration
		t.sampleIdx = (t.sampleIdx + 1) % maxSamples
	}
}

// IncrementCounter adds one to a counter
func (m *Manager) IncrementCounter(topic, function string) {
	m.AddCounter(topic, function, 1)
}

// AddCounter adds delta to a counter
func (m *Manager) AddCounter(topic, function string, delta int64) {
	path := buildPath(topic, function)

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.counters[path]
	if !ok {
		c = &CounterMetric{}
		m.counters[path] = c
	}
	c.Value += delta
	c.Last = time.Now()
}

// SetGauge sets a gauge value
func (m *Manager) SetGauge(topic, function string, value int64) {
	path := buildPath(topic, function)

	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.gauges[path]
	if !ok {
		g = &GaugeMetric{Min: value, Max: value}
		m.gauges[path] = g
	}
	g.Value = value
	if value < g.Min {
		g.Min = value
	}
	if value > g.Max {
		g.Max = value
	}
	g.Last = time.Now()
}

// TimingSnapshot is a JSON-friendly view of one timing path
type TimingSnapshot struct {
	Count int64   `json:"count"`
	AvgMs float64 `json:"avgMs"`
	MinMs float64 `json:"minMs"`
	MaxMs float64 `json:"maxMs"`
	P95Ms float64 `json:"p95Ms"`
}

// Snapshot is a point-in-time view of all metrics
type Snapshot struct {
	Timings  map[string]TimingSnapshot `json:"timings,omitempty"`
	Counters map[string]int64          `json:"counters,omitempty"`
	Gauges   map[string]int64          `json:"gauges,omitempty"`
}

// GetSnapshot returns the current state of all metrics
func (m *Manager) GetSnapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := Snapshot{
		Timings:  make(map[string]TimingSnapshot, len(m.timings)),
		Counters: make(map[string]int64, len(m.counters)),
		Gauges:   make(map[string]int64, len(m.gauges)),
	}

	for path, t := range m.timings {
		avg := float64(0)
		if t.Count > 0 {
			avg = float64(t.Total.Milliseconds()) / float64(t.Count)
		}
		snap.Timings[path] = TimingSnapshot{
			Count: t.Count,
			AvgMs: avg,
			MinMs: float64(t.Min.Microseconds()) / 1000,
			MaxMs: float64(t.Max.Microseconds()) / 1000,
			P95Ms: calculatePercentile(t.samples, 95),
		}
	}
	for path, c := range m.counters {
		snap.Counters[path] = c.Value
	}
	for path, g := range m.gauges {
		snap.Gauges[path] = g.Value
	}

	return snap
}

// Reset clears all metrics. For tests.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timings = make(map[string]*TimingMetric)
	m.counters = make(map[string]*CounterMetric)
	m.gauges = make(map[string]*GaugeMetric)
}

// calculatePercentile returns the given percentile in milliseconds
func calculatePercentile(samples []time.Duration, percentile int) float64 {
	if len(samples) == 0 {
		return 0
	}

	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := (len(sorted) * percentile) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return float64(sorted[idx].Microseconds()) / 1000
}

// Keys returns all metric paths sorted, mostly for tests and debugging
func (m *Manager) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.timings)+len(m.counters)+len(m.gauges))
	for k := range m.timings {
		keys = append(keys, k)
	}
	for k := range m.counters {
		keys = append(keys, k)
	}
	for k := range m.gauges {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// HasPrefix reports whether any metric path starts with the given prefix
func (m *Manager) HasPrefix(prefix string) bool {
	for _, k := range m.Keys() {
		if strings.HasPrefix(k, prefix) {
			return true
		}
	}
	return false
}
