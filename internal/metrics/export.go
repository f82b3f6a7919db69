package metrics

import "time"

// Package-level convenience wrappers around the singleton.

// MetricDuration records a timing sample
func MetricDuration(topic, function string, duration time.Duration) {
	GetInstance().RecordDuration(topic, function, duration)
}

// MetricIncrement adds one to a counter
func MetricIncrement(topic, function string) {
	GetInstance().IncrementCounter(topic, function)
}

// MetricAdd adds delta to a counter
func MetricAdd(topic, function string, delta int64) {
	GetInstance().AddCounter(topic, function, delta)
}

// MetricGauge sets a gauge value
func MetricGauge(topic, function string, value int64) {
	GetInstance().SetGauge(topic, function, value)
}

// GetSnapshot returns the current state of all metrics
func GetSnapshot() Snapshot {
	return GetInstance().GetSnapshot()
}
