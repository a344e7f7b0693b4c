package obs

import (
	"sync/atomic"
	"time"

	"tradelog/internal/schema"
)

const maxKind = int(schema.KindFill)

// Metrics collects lightweight counters and latency stats. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	appended      [maxKind + 1]uint64
	delivered     [maxKind + 1]uint64
	malformed     uint64
	outOfOrder    uint64
	writeRetries  uint64
	streamFailed  uint64
	orphanFills   uint64
	trackerErrors uint64
	venueErrors   uint64
	queueDrops    uint64
	queueClosed   uint64

	appendLatency LatencyStats
	ingestLatency LatencyStats
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
	Count uint64        `json:"count"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Avg   time.Duration `json:"avg"`
}

// Snapshot captures the current metrics values.
type Snapshot struct {
	Appended      map[string]uint64 `json:"appended"`
	Delivered     map[string]uint64 `json:"delivered"`
	Malformed     uint64            `json:"malformed"`
	OutOfOrder    uint64            `json:"outOfOrder"`
	WriteRetries  uint64            `json:"writeRetries"`
	StreamFailed  uint64            `json:"streamFailed"`
	OrphanFills   uint64            `json:"orphanFills"`
	TrackerErrors uint64            `json:"trackerErrors"`
	VenueErrors   uint64            `json:"venueErrors"`
	QueueDrops    uint64            `json:"queueDrops"`
	QueueClosed   uint64            `json:"queueClosed"`
	AppendLatency LatencySnapshot   `json:"appendLatency"`
	IngestLatency LatencySnapshot   `json:"ingestLatency"`
}

// NewMetrics allocates a metrics container.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// ObserveAppend counts a durable append and its latency.
func (m *Metrics) ObserveAppend(kind schema.EventKind, d time.Duration) {
	if m == nil {
		return
	}
	if idx := int(kind); idx > 0 && idx < len(m.appended) {
		atomic.AddUint64(&m.appended[idx], 1)
	}
	m.appendLatency.Observe(d)
}

// ObserveDelivery counts an event handed to a consumer. recv is the local
// receive time; the gap to the event time feeds ingest latency.
func (m *Metrics) ObserveDelivery(e schema.Event, recv time.Time) {
	if m == nil {
		return
	}
	if idx := int(e.Kind); idx > 0 && idx < len(m.delivered) {
		atomic.AddUint64(&m.delivered[idx], 1)
	}
	if !recv.IsZero() {
		if d := recv.Sub(e.Timestamp()); d >= 0 {
			m.ingestLatency.Observe(d)
		}
	}
}

// IncMalformed records a payload the normalizer rejected.
func (m *Metrics) IncMalformed() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.malformed, 1)
}

// IncOutOfOrder records a market data record older than its predecessor.
func (m *Metrics) IncOutOfOrder() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.outOfOrder, 1)
}

// IncWriteRetry records a retried log write.
func (m *Metrics) IncWriteRetry() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.writeRetries, 1)
}

// IncStreamFailed records a log stream that exhausted its retries.
func (m *Metrics) IncStreamFailed() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.streamFailed, 1)
}

// IncOrphanFill records a fill whose order never arrived.
func (m *Metrics) IncOrphanFill() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.orphanFills, 1)
}

// IncTrackerError records a tracker consistency error.
func (m *Metrics) IncTrackerError() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.trackerErrors, 1)
}

// IncVenueError records a venue rejection or connectivity error.
func (m *Metrics) IncVenueError() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.venueErrors, 1)
}

// IncQueueDrop records a queue drop.
func (m *Metrics) IncQueueDrop() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.queueDrops, 1)
}

// IncQueueClosed records a closed-queue publish attempt.
func (m *Metrics) IncQueueClosed() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.queueClosed, 1)
}

// Snapshot returns a copy of the current metrics values.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	return Snapshot{
		Appended:      kindCounts(m.appended[:]),
		Delivered:     kindCounts(m.delivered[:]),
		Malformed:     atomic.LoadUint64(&m.malformed),
		OutOfOrder:    atomic.LoadUint64(&m.outOfOrder),
		WriteRetries:  atomic.LoadUint64(&m.writeRetries),
		StreamFailed:  atomic.LoadUint64(&m.streamFailed),
		OrphanFills:   atomic.LoadUint64(&m.orphanFills),
		TrackerErrors: atomic.LoadUint64(&m.trackerErrors),
		VenueErrors:   atomic.LoadUint64(&m.venueErrors),
		QueueDrops:    atomic.LoadUint64(&m.queueDrops),
		QueueClosed:   atomic.LoadUint64(&m.queueClosed),
		AppendLatency: m.appendLatency.Snapshot(),
		IngestLatency: m.ingestLatency.Snapshot(),
	}
}

func kindCounts(counts []uint64) map[string]uint64 {
	out := make(map[string]uint64)
	for i := range counts {
		if v := atomic.LoadUint64(&counts[i]); v > 0 {
			out[schema.EventKind(i).String()] = v
		}
	}
	return out
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
	return LatencySnapshot{
		Count: count,
		Min:   time.Duration(atomic.LoadUint64(&l.min)),
		Max:   time.Duration(atomic.LoadUint64(&l.max)),
		Avg:   time.Duration(sum / count),
	}
}
