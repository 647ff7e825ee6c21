// Package metrics provides lightweight, lock-free run counters for the
// control plane, using atomic operations so they impose no contention
// on the capture/replay hot paths.
//
// Adapted from the teacher's metrics/metrics.go: same "every counter is
// a plain atomic field, Snapshot reads them in one pass" shape,
// generalized from "requests dispatched by a pool of sessions" to
// "captures and replays run by this process" — CookieMonster has no
// per-session request loop to count, only discrete capture/replay
// operations, so the counters name those instead.
package metrics

import (
	"sync/atomic"
	"time"
)

// Metrics tracks aggregate capture/replay statistics for one process.
// All counters are accessed exclusively through atomic operations so
// Metrics may be embedded or shared by pointer across goroutines
// without additional locking.
type Metrics struct {
	CapturesRun    uint64
	CapturesFailed uint64
	ReplaysRun     uint64
	ReplaysFailed  uint64
	BytesCaptured  uint64
	BytesReplayed  uint64

	startTime time.Time
}

// New creates a Metrics instance with the start time set to now.
func New() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// RecordCapture records the outcome of one capture run.
func (m *Metrics) RecordCapture(bytesWritten int64, err error) {
	atomic.AddUint64(&m.CapturesRun, 1)
	if err != nil {
		atomic.AddUint64(&m.CapturesFailed, 1)
		return
	}
	if bytesWritten > 0 {
		atomic.AddUint64(&m.BytesCaptured, uint64(bytesWritten))
	}
}

// RecordReplay records the outcome of one replay run.
func (m *Metrics) RecordReplay(bytesReturned int, err error) {
	atomic.AddUint64(&m.ReplaysRun, 1)
	if err != nil {
		atomic.AddUint64(&m.ReplaysFailed, 1)
		return
	}
	if bytesReturned > 0 {
		atomic.AddUint64(&m.BytesReplayed, uint64(bytesReturned))
	}
}

// Snapshot is a point-in-time copy of the counters. Because the fields
// are not read under a single lock, a snapshot may be very slightly
// inconsistent at nanosecond granularity, which is acceptable for a
// /health payload.
type Snapshot struct {
	CapturesRun    uint64
	CapturesFailed uint64
	ReplaysRun     uint64
	ReplaysFailed  uint64
	BytesCaptured  uint64
	BytesReplayed  uint64
	UptimeSeconds  int64
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		CapturesRun:    atomic.LoadUint64(&m.CapturesRun),
		CapturesFailed: atomic.LoadUint64(&m.CapturesFailed),
		ReplaysRun:     atomic.LoadUint64(&m.ReplaysRun),
		ReplaysFailed:  atomic.LoadUint64(&m.ReplaysFailed),
		BytesCaptured:  atomic.LoadUint64(&m.BytesCaptured),
		BytesReplayed:  atomic.LoadUint64(&m.BytesReplayed),
		UptimeSeconds:  int64(time.Since(m.startTime).Seconds()),
	}
}
