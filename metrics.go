package blocksrv

import (
	"sync/atomic"
	"time"

	"github.com/dblk/blocksrv/internal/pipeline"
	"github.com/dblk/blocksrv/internal/wire"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds,
// covering 1us to 10s with logarithmic spacing.
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

// SizeBuckets defines the per-operation size histogram buckets in bytes,
// from 4KiB to 4MiB.
var SizeBuckets = []uint64{
	4 << 10,
	16 << 10,
	64 << 10,
	256 << 10,
	1 << 20,
	4 << 20,
}

const numSizeBuckets = 6

// SplitBuckets defines the per-sub-message split-count histogram
// buckets: how many lower-driver operations a single READ/WRITE
// sub-message was divided into.
var SplitBuckets = []uint64{1, 2, 4, 8, 16, 32, 64}

const numSplitBuckets = 7

// Metrics tracks performance and operational statistics for a Device.
type Metrics struct {
	ReadOps     atomic.Uint64
	WriteOps    atomic.Uint64
	SyncOps     atomic.Uint64
	CloseVMOOps atomic.Uint64

	ReadBytes  atomic.Uint64
	WriteBytes atomic.Uint64

	ReadErrors  atomic.Uint64
	WriteErrors atomic.Uint64

	ResponsesOK    atomic.Uint64
	ResponsesError atomic.Uint64
	OOBResponses   atomic.Uint64 // responses with Count == 0

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	SizeBuckets [numSizeBuckets]atomic.Uint64

	SplitCount   atomic.Uint64 // sum of all split counts observed
	SplitSamples atomic.Uint64
	SplitBuckets [numSplitBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a new metrics instance with its start time set to
// now.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordIO records one lower-driver operation's completion, per op.
func (m *Metrics) RecordIO(op wire.Op, bytes uint64, latencyNs uint64, success bool) {
	switch op {
	case wire.OpRead:
		m.ReadOps.Add(1)
		if success {
			m.ReadBytes.Add(bytes)
		} else {
			m.ReadErrors.Add(1)
		}
	case wire.OpWrite:
		m.WriteOps.Add(1)
		if success {
			m.WriteBytes.Add(bytes)
		} else {
			m.WriteErrors.Add(1)
		}
	}
	m.recordLatency(latencyNs)
	m.recordSize(bytes)
}

// RecordSplit records the number of lower-driver operations one
// enqueued sub-message was divided into (1 for unsplit).
func (m *Metrics) RecordSplit(count int) {
	m.SplitCount.Add(uint64(count))
	m.SplitSamples.Add(1)
	for i, bucket := range SplitBuckets {
		if uint64(count) <= bucket {
			m.SplitBuckets[i].Add(1)
		}
	}
}

// RecordSync records a SYNC request.
func (m *Metrics) RecordSync() { m.SyncOps.Add(1) }

// RecordCloseVMO records a CLOSE_VMO request.
func (m *Metrics) RecordCloseVMO() { m.CloseVMOOps.Add(1) }

// RecordResponse records one response write, out-of-band or final.
func (m *Metrics) RecordResponse(count uint32, status int32) {
	if count == 0 {
		m.OOBResponses.Add(1)
	}
	if status == wire.StatusOK {
		m.ResponsesOK.Add(1)
	} else {
		m.ResponsesError.Add(1)
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

func (m *Metrics) recordSize(bytes uint64) {
	for i, bucket := range SizeBuckets {
		if bytes <= bucket {
			m.SizeBuckets[i].Add(1)
		}
	}
}

// Stop marks the device as stopped.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time snapshot of Metrics.
type MetricsSnapshot struct {
	ReadOps     uint64
	WriteOps    uint64
	SyncOps     uint64
	CloseVMOOps uint64

	ReadBytes  uint64
	WriteBytes uint64

	ReadErrors  uint64
	WriteErrors uint64

	ResponsesOK    uint64
	ResponsesError uint64
	OOBResponses   uint64

	AvgLatencyNs  uint64
	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	AvgSplitCount float64

	UptimeNs uint64

	ReadIOPS       float64
	WriteIOPS      float64
	ReadBandwidth  float64
	WriteBandwidth float64
	TotalOps       uint64
	TotalBytes     uint64
	ErrorRate      float64

	LatencyHistogram [numLatencyBuckets]uint64
	SizeHistogram    [numSizeBuckets]uint64
	SplitHistogram   [numSplitBuckets]uint64
}

// Snapshot creates a point-in-time snapshot of m.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		ReadOps:        m.ReadOps.Load(),
		WriteOps:       m.WriteOps.Load(),
		SyncOps:        m.SyncOps.Load(),
		CloseVMOOps:    m.CloseVMOOps.Load(),
		ReadBytes:      m.ReadBytes.Load(),
		WriteBytes:     m.WriteBytes.Load(),
		ReadErrors:     m.ReadErrors.Load(),
		WriteErrors:    m.WriteErrors.Load(),
		ResponsesOK:    m.ResponsesOK.Load(),
		ResponsesError: m.ResponsesError.Load(),
		OOBResponses:   m.OOBResponses.Load(),
	}

	snap.TotalOps = snap.ReadOps + snap.WriteOps
	snap.TotalBytes = snap.ReadBytes + snap.WriteBytes

	opCount := m.OpCount.Load()
	totalLatencyNs := m.TotalLatencyNs.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	splitSamples := m.SplitSamples.Load()
	if splitSamples > 0 {
		snap.AvgSplitCount = float64(m.SplitCount.Load()) / float64(splitSamples)
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

	totalErrors := snap.ReadErrors + snap.WriteErrors
	if snap.TotalOps > 0 {
		snap.ErrorRate = float64(totalErrors) / float64(snap.TotalOps) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}
	for i := 0; i < numSizeBuckets; i++ {
		snap.SizeHistogram[i] = m.SizeBuckets[i].Load()
	}
	for i := 0; i < numSplitBuckets; i++ {
		snap.SplitHistogram[i] = m.SplitBuckets[i].Load()
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

// Reset zeroes all counters, useful for testing.
func (m *Metrics) Reset() {
	*m = Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
}

// MetricsObserver implements pipeline.Observer by recording into a
// Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records into m.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveIO(op wire.Op, bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordIO(op, bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveSplit(count int) {
	o.metrics.RecordSplit(count)
}

func (o *MetricsObserver) ObserveSync() {
	o.metrics.RecordSync()
}

func (o *MetricsObserver) ObserveCloseVMO() {
	o.metrics.RecordCloseVMO()
}

func (o *MetricsObserver) ObserveResponse(count uint32, status int32) {
	o.metrics.RecordResponse(count, status)
}

var _ pipeline.Observer = (*MetricsObserver)(nil)
