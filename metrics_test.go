package virtiofsd

import (
	"testing"
	"time"

	"github.com/ehrlich-b/virtiofsd-core/internal/vhost"
)

func TestMetrics(t *testing.T) {
	m := NewMetrics()

	snap := m.Snapshot()
	if snap.RequestOps != 0 {
		t.Errorf("Expected 0 initial request ops, got %d", snap.RequestOps)
	}

	m.RecordRequest(1024, 1_000_000, true)
	m.RecordReply(1024, true)
	m.RecordRequest(512, 500_000, false)

	snap = m.Snapshot()

	if snap.RequestOps != 2 {
		t.Errorf("Expected 2 request ops, got %d", snap.RequestOps)
	}
	if snap.ReplyOps != 1 {
		t.Errorf("Expected 1 reply op, got %d", snap.ReplyOps)
	}
	if snap.RequestBytes != 1024 {
		t.Errorf("Expected 1024 request bytes, got %d", snap.RequestBytes)
	}
	if snap.RequestErrors != 1 {
		t.Errorf("Expected 1 request error, got %d", snap.RequestErrors)
	}

	totalOps := snap.RequestOps + snap.ReplyOps
	expectedErrorRate := float64(1) / float64(totalOps) * 100.0
	if snap.ErrorRate < expectedErrorRate-0.1 || snap.ErrorRate > expectedErrorRate+0.1 {
		t.Errorf("Expected error rate ~%.1f%%, got %.1f%%", expectedErrorRate, snap.ErrorRate)
	}
}

func TestMetricsSlaveIOAndNotify(t *testing.T) {
	m := NewMetrics()

	m.RecordSlaveIO(4096, 2_000_000, true)
	m.RecordSlaveIO(0, 100_000, false)
	m.RecordNotification(true)
	m.RecordNotification(false)

	snap := m.Snapshot()

	if snap.SlaveIOOps != 2 {
		t.Errorf("Expected 2 slave I/O ops, got %d", snap.SlaveIOOps)
	}
	if snap.SlaveIOBytes != 4096 {
		t.Errorf("Expected 4096 slave I/O bytes, got %d", snap.SlaveIOBytes)
	}
	if snap.SlaveIOErrors != 1 {
		t.Errorf("Expected 1 slave I/O error, got %d", snap.SlaveIOErrors)
	}
	if snap.NotifyOps != 2 {
		t.Errorf("Expected 2 notify ops, got %d", snap.NotifyOps)
	}
	if snap.NotifyErrors != 1 {
		t.Errorf("Expected 1 notify error, got %d", snap.NotifyErrors)
	}
}

func TestMetricsLatency(t *testing.T) {
	m := NewMetrics()

	m.RecordRequest(1024, 1_000_000, true)
	m.RecordRequest(1024, 2_000_000, true)

	snap := m.Snapshot()

	expectedAvgNs := uint64(1_500_000)
	if snap.AvgLatencyNs != expectedAvgNs {
		t.Errorf("Expected avg latency %d ns, got %d ns", expectedAvgNs, snap.AvgLatencyNs)
	}
}

func TestMetricsUptime(t *testing.T) {
	m := NewMetrics()

	time.Sleep(10 * time.Millisecond)

	snap := m.Snapshot()
	if snap.UptimeNs < 10*1_000_000 {
		t.Errorf("Expected uptime >= 10ms, got %d ns", snap.UptimeNs)
	}

	m.Stop()
	time.Sleep(5 * time.Millisecond)

	snap2 := m.Snapshot()
	if snap2.UptimeNs > snap.UptimeNs+2*1_000_000 {
		t.Errorf("Uptime increased too much after stop: %d -> %d", snap.UptimeNs, snap2.UptimeNs)
	}
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics()

	m.RecordRequest(1024, 1_000_000, true)
	m.RecordReply(2048, true)

	snap := m.Snapshot()
	if snap.RequestOps == 0 {
		t.Error("Expected some operations before reset")
	}

	m.Reset()

	snap = m.Snapshot()
	if snap.RequestOps != 0 {
		t.Errorf("Expected 0 request ops after reset, got %d", snap.RequestOps)
	}
	if snap.RequestBytes != 0 {
		t.Errorf("Expected 0 request bytes after reset, got %d", snap.RequestBytes)
	}
}

func TestObserver(t *testing.T) {
	observer := NoOpObserver{}
	observer.ObserveRequest(1024, 1_000_000, true)
	observer.ObserveReply(1024, true)
	observer.ObserveSlaveIO(vhost.SlaveIO, 1024, 1_000_000, true)
	observer.ObserveNotification(true)

	m := NewMetrics()
	metricsObserver := NewMetricsObserver(m)

	metricsObserver.ObserveRequest(1024, 1_000_000, true)
	metricsObserver.ObserveReply(2048, true)

	snap := m.Snapshot()
	if snap.RequestOps != 1 {
		t.Errorf("Expected 1 request op from observer, got %d", snap.RequestOps)
	}
	if snap.ReplyOps != 1 {
		t.Errorf("Expected 1 reply op from observer, got %d", snap.ReplyOps)
	}
	if snap.RequestBytes != 1024 {
		t.Errorf("Expected 1024 request bytes from observer, got %d", snap.RequestBytes)
	}
	if snap.ReplyBytes != 2048 {
		t.Errorf("Expected 2048 reply bytes from observer, got %d", snap.ReplyBytes)
	}
}

func TestMetricsHistogram(t *testing.T) {
	m := NewMetrics()

	for i := 0; i < 50; i++ {
		m.RecordRequest(1024, 500_000, true) // 500us
	}
	for i := 0; i < 49; i++ {
		m.RecordRequest(1024, 5_000_000, true) // 5ms
	}
	m.RecordRequest(1024, 50_000_000, true) // 50ms, the single slowest request

	snap := m.Snapshot()

	if snap.RequestOps != 100 {
		t.Errorf("Expected 100 request ops, got %d", snap.RequestOps)
	}

	if snap.LatencyP50Ns < 100_000 || snap.LatencyP50Ns > 1_000_000 {
		t.Errorf("Expected P50 in 100us-1ms range, got %d ns", snap.LatencyP50Ns)
	}
	if snap.LatencyP99Ns < 5_000_000 || snap.LatencyP99Ns > 100_000_000 {
		t.Errorf("Expected P99 in 5ms-100ms range, got %d ns", snap.LatencyP99Ns)
	}

	totalInBuckets := uint64(0)
	for i := 0; i < len(snap.LatencyHistogram); i++ {
		totalInBuckets += snap.LatencyHistogram[i]
	}
	if totalInBuckets == 0 {
		t.Error("Expected histogram buckets to be populated")
	}
}
