package nvmeq

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds.
// Buckets cover from 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks operational statistics for one controller session.
type Metrics struct {
	// Command counters by class
	AdminOps atomic.Uint64 // commands completed on the admin queue
	ReadOps  atomic.Uint64 // NVM read commands
	WriteOps atomic.Uint64 // NVM write commands
	FlushOps atomic.Uint64 // NVM flush commands
	OtherOps atomic.Uint64 // any other I/O queue opcode

	// Byte counters
	ReadBytes  atomic.Uint64
	WriteBytes atomic.Uint64

	// Error counters
	AdminErrors atomic.Uint64
	ReadErrors  atomic.Uint64
	WriteErrors atomic.Uint64
	FlushErrors atomic.Uint64
	OtherErrors atomic.Uint64

	// AbortedOps counts commands resolved locally rather than by a
	// completion entry (queue deletion, controller reset).
	AbortedOps atomic.Uint64

	// Performance tracking
	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	// Latency histogram buckets (cumulative counts).
	// Bucket[i] holds the count of completions with latency <= LatencyBuckets[i].
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	// Session lifecycle
	StartTime atomic.Int64 // UnixNano
	StopTime  atomic.Int64 // UnixNano
}

// NewMetrics creates a new metrics instance.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordAdmin records an admin command completion.
func (m *Metrics) RecordAdmin(latencyNs uint64, success bool) {
	m.AdminOps.Add(1)
	if !success {
		m.AdminErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordRead records a read command completion.
func (m *Metrics) RecordRead(bytes uint64, latencyNs uint64, success bool) {
	m.ReadOps.Add(1)
	if success {
		m.ReadBytes.Add(bytes)
	} else {
		m.ReadErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordWrite records a write command completion.
func (m *Metrics) RecordWrite(bytes uint64, latencyNs uint64, success bool) {
	m.WriteOps.Add(1)
	if success {
		m.WriteBytes.Add(bytes)
	} else {
		m.WriteErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordFlush records a flush command completion.
func (m *Metrics) RecordFlush(latencyNs uint64, success bool) {
	m.FlushOps.Add(1)
	if !success {
		m.FlushErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordOther records any other I/O queue command completion.
func (m *Metrics) RecordOther(latencyNs uint64, success bool) {
	m.OtherOps.Add(1)
	if !success {
		m.OtherErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordAborted records commands aborted locally on one queue.
func (m *Metrics) RecordAborted(count int) {
	m.AbortedOps.Add(uint64(count))
}

// recordLatency records completion latency and updates the histogram.
func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)

	// Update histogram buckets (cumulative)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the session as stopped.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of the metrics with derived
// statistics filled in.
type MetricsSnapshot struct {
	AdminOps uint64
	ReadOps  uint64
	WriteOps uint64
	FlushOps uint64
	OtherOps uint64

	ReadBytes  uint64
	WriteBytes uint64

	AdminErrors uint64
	ReadErrors  uint64
	WriteErrors uint64
	FlushErrors uint64
	OtherErrors uint64

	AbortedOps uint64

	AvgLatencyNs uint64
	UptimeNs     uint64

	// Latency percentiles (in nanoseconds)
	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	// Histogram bucket counts (cumulative)
	LatencyHistogram [numLatencyBuckets]uint64

	// Computed statistics
	ReadIOPS       float64
	WriteIOPS      float64
	ReadBandwidth  float64 // bytes per second
	WriteBandwidth float64
	TotalOps       uint64
	TotalBytes     uint64
	ErrorRate      float64 // percentage of failed operations
}

// Snapshot creates a point-in-time snapshot of metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		AdminOps:    m.AdminOps.Load(),
		ReadOps:     m.ReadOps.Load(),
		WriteOps:    m.WriteOps.Load(),
		FlushOps:    m.FlushOps.Load(),
		OtherOps:    m.OtherOps.Load(),
		ReadBytes:   m.ReadBytes.Load(),
		WriteBytes:  m.WriteBytes.Load(),
		AdminErrors: m.AdminErrors.Load(),
		ReadErrors:  m.ReadErrors.Load(),
		WriteErrors: m.WriteErrors.Load(),
		FlushErrors: m.FlushErrors.Load(),
		OtherErrors: m.OtherErrors.Load(),
		AbortedOps:  m.AbortedOps.Load(),
	}

	snap.TotalOps = snap.AdminOps + snap.ReadOps + snap.WriteOps + snap.FlushOps + snap.OtherOps
	snap.TotalBytes = snap.ReadBytes + snap.WriteBytes

	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	if snap.UptimeNs > 0 {
		uptimeSeconds := float64(snap.UptimeNs) / 1e9
		snap.ReadIOPS = float64(snap.ReadOps) / uptimeSeconds
		snap.WriteIOPS = float64(snap.WriteOps) / uptimeSeconds
		snap.ReadBandwidth = float64(snap.ReadBytes) / uptimeSeconds
		snap.WriteBandwidth = float64(snap.WriteBytes) / uptimeSeconds
	}

	totalErrors := snap.AdminErrors + snap.ReadErrors + snap.WriteErrors + snap.FlushErrors + snap.OtherErrors
	if snap.TotalOps > 0 {
		snap.ErrorRate = float64(totalErrors) / float64(snap.TotalOps) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile (0.0-1.0)
// using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	// Find the bucket containing the target percentile
	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			// Linear interpolation within bucket
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	// Latency exceeds all buckets
	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset resets all metrics counters (useful for testing).
func (m *Metrics) Reset() {
	m.AdminOps.Store(0)
	m.ReadOps.Store(0)
	m.WriteOps.Store(0)
	m.FlushOps.Store(0)
	m.OtherOps.Store(0)
	m.ReadBytes.Store(0)
	m.WriteBytes.Store(0)
	m.AdminErrors.Store(0)
	m.ReadErrors.Store(0)
	m.WriteErrors.Store(0)
	m.FlushErrors.Store(0)
	m.OtherErrors.Store(0)
	m.AbortedOps.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer allows pluggable completion observation. Implementations must be
// safe for concurrent use and must not block: observers run on the
// completion path.
type Observer interface {
	// ObserveAdmin is called for each admin queue completion
	ObserveAdmin(opcode uint8, latencyNs uint64, success bool)

	// ObserveRead is called for each read completion
	ObserveRead(bytes uint64, latencyNs uint64, success bool)

	// ObserveWrite is called for each write completion
	ObserveWrite(bytes uint64, latencyNs uint64, success bool)

	// ObserveFlush is called for each flush completion
	ObserveFlush(latencyNs uint64, success bool)

	// ObserveOther is called for any other I/O queue completion
	ObserveOther(opcode uint8, latencyNs uint64, success bool)

	// ObserveAborted is called when commands are aborted locally
	ObserveAborted(qid uint16, count int)
}

// NoOpObserver is a no-op implementation of Observer.
type NoOpObserver struct{}

func (NoOpObserver) ObserveAdmin(uint8, uint64, bool)  {}
func (NoOpObserver) ObserveRead(uint64, uint64, bool)  {}
func (NoOpObserver) ObserveWrite(uint64, uint64, bool) {}
func (NoOpObserver) ObserveFlush(uint64, bool)         {}
func (NoOpObserver) ObserveOther(uint8, uint64, bool)  {}
func (NoOpObserver) ObserveAborted(uint16, int)        {}

// MetricsObserver implements Observer using the built-in Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveAdmin(opcode uint8, latencyNs uint64, success bool) {
	o.metrics.RecordAdmin(latencyNs, success)
}

func (o *MetricsObserver) ObserveRead(bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordRead(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveWrite(bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordWrite(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveFlush(latencyNs uint64, success bool) {
	o.metrics.RecordFlush(latencyNs, success)
}

func (o *MetricsObserver) ObserveOther(opcode uint8, latencyNs uint64, success bool) {
	o.metrics.RecordOther(latencyNs, success)
}

func (o *MetricsObserver) ObserveAborted(qid uint16, count int) {
	o.metrics.RecordAborted(count)
}

// Compile-time interface check
var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
