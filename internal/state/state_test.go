package state

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradelog/internal/og"
	"tradelog/internal/recorder"
	"tradelog/internal/schema"
)

var start = time.Date(2024, 3, 8, 9, 15, 0, 0, time.UTC)

func sessionEvents() []schema.Event {
	buy := schema.Order{Timestamp: start, OrderID: "momo:1", Alpha: "momo", Side: schema.SideBuy, Qty: 3, Price: 100, Status: schema.StatusNew, Exchange: "paper"}
	sell := schema.Order{Timestamp: start.Add(time.Second), OrderID: "rev:1", Alpha: "rev", Side: schema.SideSell, Qty: 1, Price: 200, Status: schema.StatusNew, Exchange: "zerodha"}
	return []schema.Event{
		schema.OrderEvent(buy),
		schema.OrderEvent(sell),
		schema.FillEvent(schema.Fill{Timestamp: start.Add(2 * time.Second), FillID: "F1", OrderID: "momo:1", Alpha: "momo", Symbol: "AAPL", Qty: 1, Price: 100, Exchange: "paper"}),
		schema.FillEvent(schema.Fill{Timestamp: start.Add(3 * time.Second), FillID: "F2", OrderID: "momo:1", Alpha: "momo", Symbol: "AAPL", Qty: 2, Price: 100, Exchange: "paper"}),
		schema.FillEvent(schema.Fill{Timestamp: start.Add(4 * time.Second), FillID: "F3", OrderID: "ghost:9", Symbol: "INFY", Qty: 1, Price: 10, Exchange: "zerodha"}),
	}
}

func writeLogs(t *testing.T, events []schema.Event) string {
	t.Helper()
	dir := t.TempDir()
	cfg := recorder.DefaultConfig(dir)
	cfg.NoSync = true
	w, err := recorder.NewWriter(cfg)
	require.NoError(t, err)
	for _, e := range events {
		require.NoError(t, w.Append(context.Background(), e))
	}
	require.NoError(t, w.Close())
	return dir
}

func TestRecoveredSnapshotMatchesLive(t *testing.T) {
	events := sessionEvents()
	live := og.NewTracker(og.TrackerConfig{})
	for _, e := range events {
		_, err := live.Apply(e)
		require.NoError(t, err)
	}

	res, err := RecoverTracker(context.Background(), RecoverConfig{LogDir: writeLogs(t, events)})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Events)
	assert.Zero(t, res.Conflicts)
	assert.False(t, res.Truncated)
	assert.Equal(t, start.Add(4*time.Second), res.LastEventTs)
	assert.Equal(t, 1, res.Tracker.Provisional(), "the ghost fill is still waiting")

	want := TakeSnapshot(live, start.Add(4*time.Second))
	got := TakeSnapshot(res.Tracker, res.LastEventTs)
	require.NoError(t, CompareSnapshots(want, got))

	status, err := res.Tracker.Status("momo:1")
	require.NoError(t, err)
	assert.Equal(t, schema.StatusFilled, status)
}

func TestRecoverFilters(t *testing.T) {
	dir := writeLogs(t, sessionEvents())

	tests := []struct {
		name   string
		cfg    RecoverConfig
		events int
		orders []string
	}{
		{"exchange", RecoverConfig{LogDir: dir, Exchange: "zerodha"}, 2, []string{"rev:1"}},
		{"cutoff", RecoverConfig{LogDir: dir, To: start.Add(3 * time.Second)}, 3, []string{"momo:1", "rev:1"}},
		{"empty dir", RecoverConfig{LogDir: t.TempDir()}, 0, nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res, err := RecoverTracker(context.Background(), tc.cfg)
			require.NoError(t, err)
			assert.Equal(t, tc.events, res.Events)
			var ids []string
			for _, v := range res.Tracker.Views() {
				ids = append(ids, v.Order.OrderID)
			}
			assert.Equal(t, tc.orders, ids)
		})
	}

	_, err := RecoverTracker(context.Background(), RecoverConfig{})
	assert.Error(t, err)
}

func TestRecoverSkipsVenueAck(t *testing.T) {
	events := sessionEvents()
	ack := events[0].Order
	ack.Timestamp = start.Add(500 * time.Millisecond)
	ack.Raw = `{"status":"NEW"}`
	events = append(events, schema.OrderEvent(ack))

	res, err := RecoverTracker(context.Background(), RecoverConfig{LogDir: writeLogs(t, events)})
	require.NoError(t, err)
	assert.Zero(t, res.Conflicts)
	assert.Equal(t, 6, res.Events)
}

func TestSnapshotRoundTrip(t *testing.T) {
	tr := og.NewTracker(og.TrackerConfig{})
	for _, e := range sessionEvents() {
		_, err := tr.Apply(e)
		require.NoError(t, err)
	}
	snap := TakeSnapshot(tr, start)
	path := filepath.Join(t.TempDir(), "snap", "tracker.json")
	require.NoError(t, WriteSnapshot(path, snap))

	back, err := ReadSnapshot(path)
	require.NoError(t, err)
	assert.Equal(t, snap, back)

	changed := back
	changed.Orders = append([]OrderEntry(nil), back.Orders...)
	changed.Orders[0].Filled = 1
	assert.ErrorContains(t, CompareSnapshots(snap, changed), "filled mismatch")

	changed.Orders = changed.Orders[:1]
	assert.ErrorContains(t, CompareSnapshots(snap, changed), "length mismatch")
}
