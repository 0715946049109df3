// Package obs collects lightweight process counters. Everything is
// atomic so the hot paths never take a lock to count.
package obs

import (
	"sync/atomic"
	"time"
)

// Metrics collects counters for the fill and hedge pipeline.
type Metrics struct {
	fills          uint64
	duplicateFills uint64
	syntheticFills uint64

	hedgesSubmitted uint64
	hedgesConfirmed uint64
	hedgesFailed    uint64
	hedgeRetries    uint64

	reconnects     uint64
	protocolErrors uint64
	queueDrops     uint64

	hedgeLatency LatencyStats
}

// LatencyStats aggregates duration samples in nanoseconds.
type LatencyStats struct {
	count uint64
	sum   uint64
	min   uint64
	max   uint64
}

// LatencySnapshot is a point-in-time view of latency stats.
type LatencySnapshot struct {
	Count uint64
	Min   time.Duration
	Max   time.Duration
	Avg   time.Duration
}

// Snapshot captures the current metrics values.
type Snapshot struct {
	Fills           uint64
	DuplicateFills  uint64
	SyntheticFills  uint64
	HedgesSubmitted uint64
	HedgesConfirmed uint64
	HedgesFailed    uint64
	HedgeRetries    uint64
	Reconnects      uint64
	ProtocolErrors  uint64
	QueueDrops      uint64
	HedgeLatency    LatencySnapshot
}

// NewMetrics allocates a metrics container.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// IncFill counts one applied fill. Synthetic fills come from
// reconciliation rather than the push feed.
func (m *Metrics) IncFill(synthetic bool) {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.fills, 1)
	if synthetic {
		atomic.AddUint64(&m.syntheticFills, 1)
	}
}

// IncDuplicateFill counts a fill event dropped by the idempotency check.
func (m *Metrics) IncDuplicateFill() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.duplicateFills, 1)
}

// IncHedgeSubmitted counts one hedge order sent to the hedge venue.
func (m *Metrics) IncHedgeSubmitted() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.hedgesSubmitted, 1)
}

// IncHedgeConfirmed counts a hedge acknowledged by the hedge venue.
func (m *Metrics) IncHedgeConfirmed() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.hedgesConfirmed, 1)
}

// IncHedgeFailed counts a hedge that exhausted its retries.
func (m *Metrics) IncHedgeFailed() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.hedgesFailed, 1)
}

// IncHedgeRetry counts one retried hedge submission.
func (m *Metrics) IncHedgeRetry() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.hedgeRetries, 1)
}

// IncReconnect counts a feed reconnect attempt.
func (m *Metrics) IncReconnect() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.reconnects, 1)
}

// IncProtocolError counts a malformed or unexpected feed message.
func (m *Metrics) IncProtocolError() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.protocolErrors, 1)
}

// IncQueueDrop records a fill queue overflow.
func (m *Metrics) IncQueueDrop() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.queueDrops, 1)
}

// ObserveHedgeLatency measures fill-to-hedge-confirmation latency.
func (m *Metrics) ObserveHedgeLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.hedgeLatency.Observe(d)
}

// Snapshot returns a copy of the current metrics values.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	return Snapshot{
		Fills:           atomic.LoadUint64(&m.fills),
		DuplicateFills:  atomic.LoadUint64(&m.duplicateFills),
		SyntheticFills:  atomic.LoadUint64(&m.syntheticFills),
		HedgesSubmitted: atomic.LoadUint64(&m.hedgesSubmitted),
		HedgesConfirmed: atomic.LoadUint64(&m.hedgesConfirmed),
		HedgesFailed:    atomic.LoadUint64(&m.hedgesFailed),
		HedgeRetries:    atomic.LoadUint64(&m.hedgeRetries),
		Reconnects:      atomic.LoadUint64(&m.reconnects),
		ProtocolErrors:  atomic.LoadUint64(&m.protocolErrors),
		QueueDrops:      atomic.LoadUint64(&m.queueDrops),
		HedgeLatency:    m.hedgeLatency.Snapshot(),
	}
}

// Observe records a duration sample.
func (l *LatencyStats) Observe(d time.Duration) {
	if d < 0 {
		return
	}
	nanos := uint64(d)
	atomic.AddUint64(&l.count, 1)
	atomic.AddUint64(&l.sum, nanos)

	for {
		min := atomic.LoadUint64(&l.min)
		if min != 0 && nanos >= min {
			break
		}
		if atomic.CompareAndSwapUint64(&l.min, min, nanos) {
			break
		}
	}

	for {
		max := atomic.LoadUint64(&l.max)
		if nanos <= max {
			break
		}
		if atomic.CompareAndSwapUint64(&l.max, max, nanos) {
			break
		}
	}
}

// Snapshot returns the aggregated latency stats.
func (l *LatencyStats) Snapshot() LatencySnapshot {
	count := atomic.LoadUint64(&l.count)
	if count == 0 {
		return LatencySnapshot{}
	}
	sum := atomic.LoadUint64(&l.sum)
	min := atomic.LoadUint64(&l.min)
	max := atomic.LoadUint64(&l.max)
	return LatencySnapshot{
		Count: count,
		Min:   time.Duration(min),
		Max:   time.Duration(max),
		Avg:   time.Duration(sum / count),
	}
}
