package obs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"tradelog/internal/schema"
)

func TestMetricsSnapshot(t *testing.T) {
	m := NewMetrics()
	m.ObserveAppend(schema.KindTick, 2*time.Millisecond)
	m.ObserveAppend(schema.KindTick, 4*time.Millisecond)
	m.ObserveAppend(schema.KindFill, 6*time.Millisecond)
	m.ObserveAppend(schema.EventKind(99), time.Millisecond)

	at := time.Date(2024, 3, 8, 9, 15, 0, 0, time.UTC)
	m.ObserveDelivery(schema.TickEvent(schema.Tick{Timestamp: at}), at.Add(3*time.Millisecond))
	m.ObserveDelivery(schema.TickEvent(schema.Tick{Timestamp: at}), time.Time{})
	m.IncMalformed()
	m.IncOrphanFill()
	m.IncOrphanFill()

	snap := m.Snapshot()
	assert.Equal(t, map[string]uint64{"tick": 2, "fill": 1}, snap.Appended)
	assert.Equal(t, map[string]uint64{"tick": 2}, snap.Delivered)
	assert.Equal(t, uint64(1), snap.Malformed)
	assert.Equal(t, uint64(2), snap.OrphanFills)
	assert.Zero(t, snap.QueueDrops)

	assert.Equal(t, LatencySnapshot{Count: 4, Min: time.Millisecond, Max: 6 * time.Millisecond, Avg: 13 * time.Millisecond / 4}, snap.AppendLatency)
	assert.Equal(t, LatencySnapshot{Count: 1, Min: 3 * time.Millisecond, Max: 3 * time.Millisecond, Avg: 3 * time.Millisecond}, snap.IngestLatency)
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveAppend(schema.KindTick, time.Second)
		m.IncQueueDrop()
		m.IncVenueError()
	})
	assert.Equal(t, Snapshot{}, m.Snapshot())
}
