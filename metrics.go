package virtiofsd

import (
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/virtiofsd-core/internal/vhost"
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

// Metrics tracks performance and operational statistics for a mounted
// session: requests processed, replies sent, bytes moved through the
// reply path (directly or via the slave channel), and notifications.
type Metrics struct {
	RequestOps  atomic.Uint64
	ReplyOps    atomic.Uint64
	SlaveIOOps  atomic.Uint64
	NotifyOps   atomic.Uint64

	RequestBytes atomic.Uint64
	ReplyBytes   atomic.Uint64
	SlaveIOBytes atomic.Uint64

	RequestErrors atomic.Uint64
	ReplyErrors   atomic.Uint64
	SlaveIOErrors atomic.Uint64
	NotifyErrors  atomic.Uint64

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a new metrics instance.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordRequest records one FUSE request handed to the session.
func (m *Metrics) RecordRequest(bytes uint64, latencyNs uint64, success bool) {
	m.RequestOps.Add(1)
	if success {
		m.RequestBytes.Add(bytes)
	} else {
		m.RequestErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordReply records one reply pushed back to the guest.
func (m *Metrics) RecordReply(bytes uint64, success bool) {
	m.ReplyOps.Add(1)
	if success {
		m.ReplyBytes.Add(bytes)
	} else {
		m.ReplyErrors.Add(1)
	}
}

// RecordSlaveIO records one round trip on the master-to-slave channel.
func (m *Metrics) RecordSlaveIO(bytes uint64, latencyNs uint64, success bool) {
	m.SlaveIOOps.Add(1)
	if success {
		m.SlaveIOBytes.Add(bytes)
	} else {
		m.SlaveIOErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordNotification records one unsolicited daemon-to-guest message.
func (m *Metrics) RecordNotification(success bool) {
	m.NotifyOps.Add(1)
	if !success {
		m.NotifyErrors.Add(1)
	}
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)

	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the device as stopped.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time snapshot of metrics.
type MetricsSnapshot struct {
	RequestOps uint64
	ReplyOps   uint64
	SlaveIOOps uint64
	NotifyOps  uint64

	RequestBytes uint64
	ReplyBytes   uint64
	SlaveIOBytes uint64

	RequestErrors uint64
	ReplyErrors   uint64
	SlaveIOErrors uint64
	NotifyErrors  uint64

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	RequestIOPS float64
	ErrorRate   float64
}

// Snapshot creates a point-in-time snapshot of metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		RequestOps:    m.RequestOps.Load(),
		ReplyOps:      m.ReplyOps.Load(),
		SlaveIOOps:    m.SlaveIOOps.Load(),
		NotifyOps:     m.NotifyOps.Load(),
		RequestBytes:  m.RequestBytes.Load(),
		ReplyBytes:    m.ReplyBytes.Load(),
		SlaveIOBytes:  m.SlaveIOBytes.Load(),
		RequestErrors: m.RequestErrors.Load(),
		ReplyErrors:   m.ReplyErrors.Load(),
		SlaveIOErrors: m.SlaveIOErrors.Load(),
		NotifyErrors:  m.NotifyErrors.Load(),
	}

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
		snap.RequestIOPS = float64(snap.RequestOps) / uptimeSeconds
	}

	totalOps := snap.RequestOps + snap.ReplyOps + snap.SlaveIOOps + snap.NotifyOps
	totalErrors := snap.RequestErrors + snap.ReplyErrors + snap.SlaveIOErrors + snap.NotifyErrors
	if totalOps > 0 {
		snap.ErrorRate = float64(totalErrors) / float64(totalOps) * 100.0
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

// calculatePercentile estimates the latency at the given percentile
// (0.0-1.0) using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
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

	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset resets all metrics counters (useful for testing).
func (m *Metrics) Reset() {
	m.RequestOps.Store(0)
	m.ReplyOps.Store(0)
	m.SlaveIOOps.Store(0)
	m.NotifyOps.Store(0)
	m.RequestBytes.Store(0)
	m.ReplyBytes.Store(0)
	m.SlaveIOBytes.Store(0)
	m.RequestErrors.Store(0)
	m.ReplyErrors.Store(0)
	m.SlaveIOErrors.Store(0)
	m.NotifyErrors.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer allows pluggable metrics collection, renamed from the
// teacher's per-I/O-verb shape to the virtio-fs request/reply/slave-IO
// shape.
type Observer interface {
	// ObserveRequest is called for each FUSE request handed to the
	// session.
	ObserveRequest(bytes uint64, latencyNs uint64, success bool)

	// ObserveReply is called for each reply pushed back to the guest.
	ObserveReply(bytes uint64, success bool)

	// ObserveSlaveIO is called for each master-to-slave round trip.
	ObserveSlaveIO(kind vhost.SlaveRequestKind, bytes uint64, latencyNs uint64, success bool)

	// ObserveNotification is called for each unsolicited message sent.
	ObserveNotification(success bool)
}

// NoOpObserver is a no-op implementation of Observer.
type NoOpObserver struct{}

func (NoOpObserver) ObserveRequest(uint64, uint64, bool)                    {}
func (NoOpObserver) ObserveReply(uint64, bool)                             {}
func (NoOpObserver) ObserveSlaveIO(vhost.SlaveRequestKind, uint64, uint64, bool) {}
func (NoOpObserver) ObserveNotification(bool)                              {}

// MetricsObserver implements Observer using the built-in Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given
// metrics.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveRequest(bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordRequest(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveReply(bytes uint64, success bool) {
	o.metrics.RecordReply(bytes, success)
}

func (o *MetricsObserver) ObserveSlaveIO(kind vhost.SlaveRequestKind, bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordSlaveIO(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveNotification(success bool) {
	o.metrics.RecordNotification(success)
}

var _ Observer = (*MetricsObserver)(nil)
