package tensormem

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like Prometheus.
//
// Example Prometheus integration:
//
//	type PrometheusCollector struct {
//	    accessCounter   prometheus.Counter
//	    accessHistogram prometheus.Histogram
//	}
//
//	func (p *PrometheusCollector) RecordAccess(duration time.Duration, err error) {
//	    p.accessCounter.Inc()
//	    // ... record error state, duration, etc.
//	}
type MetricsCollector interface {
	// RecordPlan is called after each planning pass.
	// tensors is the number of planned tensors, footprint the planned
	// peak in bytes, err is nil if successful.
	RecordPlan(tensors int, footprint int64, duration time.Duration, err error)

	// RecordAccess is called after each handle access.
	// duration is the total time taken including any swap-in wait,
	// err is nil if successful.
	RecordAccess(duration time.Duration, err error)

	// RecordEvict is called after each eviction hint.
	RecordEvict(err error)

	// RecordWarmUp is called after each warm-up pass.
	// count is the number of tensors warmed, duration the total time.
	RecordWarmUp(count int, duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordPlan(int, int64, time.Duration, error) {}
func (NoopMetricsCollector) RecordAccess(time.Duration, error)           {}
func (NoopMetricsCollector) RecordEvict(error)                           {}
func (NoopMetricsCollector) RecordWarmUp(int, time.Duration, error)      {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	PlanCount        atomic.Int64
	PlanErrors       atomic.Int64
	PlanFootprint    atomic.Int64
	AccessCount      atomic.Int64
	AccessErrors     atomic.Int64
	AccessTotalNanos atomic.Int64
	EvictCount       atomic.Int64
	EvictErrors      atomic.Int64
	WarmUpCount      atomic.Int64
	WarmUpTensors    atomic.Int64
	WarmUpErrors     atomic.Int64
}

// RecordPlan implements MetricsCollector.
func (b *BasicMetricsCollector) RecordPlan(tensors int, footprint int64, duration time.Duration, err error) {
	b.PlanCount.Add(1)
	if err != nil {
		b.PlanErrors.Add(1)
		return
	}
	b.PlanFootprint.Store(footprint)
}

// RecordAccess implements MetricsCollector.
func (b *BasicMetricsCollector) RecordAccess(duration time.Duration, err error) {
	b.AccessCount.Add(1)
	b.AccessTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.AccessErrors.Add(1)
	}
}

// RecordEvict implements MetricsCollector.
func (b *BasicMetricsCollector) RecordEvict(err error) {
	b.EvictCount.Add(1)
	if err != nil {
		b.EvictErrors.Add(1)
	}
}

// RecordWarmUp implements MetricsCollector.
func (b *BasicMetricsCollector) RecordWarmUp(count int, duration time.Duration, err error) {
	b.WarmUpCount.Add(1)
	b.WarmUpTensors.Add(int64(count))
	if err != nil {
		b.WarmUpErrors.Add(1)
	}
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		PlanCount:       b.PlanCount.Load(),
		PlanErrors:      b.PlanErrors.Load(),
		PlanFootprint:   b.PlanFootprint.Load(),
		AccessCount:     b.AccessCount.Load(),
		AccessErrors:    b.AccessErrors.Load(),
		AccessAvgNanos:  b.getAvgAccessNanos(),
		EvictCount:      b.EvictCount.Load(),
		EvictErrors:     b.EvictErrors.Load(),
		WarmUpCount:     b.WarmUpCount.Load(),
		WarmUpTensors:   b.WarmUpTensors.Load(),
		WarmUpErrors:    b.WarmUpErrors.Load(),
	}
}

func (b *BasicMetricsCollector) getAvgAccessNanos() int64 {
	count := b.AccessCount.Load()
	if count == 0 {
		return 0
	}
	return b.AccessTotalNanos.Load() / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	PlanCount      int64
	PlanErrors     int64
	PlanFootprint  int64
	AccessCount    int64
	AccessErrors   int64
	AccessAvgNanos int64
	EvictCount     int64
	EvictErrors    int64
	WarmUpCount    int64
	WarmUpTensors  int64
	WarmUpErrors   int64
}
