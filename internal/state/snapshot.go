package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"tradelog/internal/og"
)

// Snapshot captures tracked order state at a point in time.
type Snapshot struct {
	Timestamp   int64        `json:"timestamp"`
	LastEventTs int64        `json:"lastEventTs"`
	Provisional int          `json:"provisional"`
	Orders      []OrderEntry `json:"orders"`
}

// OrderEntry is the tracked state of one order.
type OrderEntry struct {
	OrderID  string   `json:"orderId"`
	Alpha    string   `json:"alpha,omitempty"`
	Exchange string   `json:"exchange"`
	Side     string   `json:"side"`
	Qty      float64  `json:"qty"`
	Price    float64  `json:"price"`
	Status   string   `json:"status"`
	Filled   float64  `json:"filled"`
	FillIDs  []string `json:"fillIds"`
}

// TakeSnapshot builds a snapshot from the tracker. Orders come out sorted by
// id.
func TakeSnapshot(t *og.Tracker, lastEvent time.Time) Snapshot {
	views := t.Views()
	entries := make([]OrderEntry, 0, len(views))
	for _, v := range views {
		entries = append(entries, OrderEntry{
			OrderID:  v.Order.OrderID,
			Alpha:    v.Order.Alpha,
			Exchange: v.Order.Exchange,
			Side:     v.Order.Side.String(),
			Qty:      v.Order.Qty,
			Price:    v.Order.Price,
			Status:   v.Status.String(),
			Filled:   v.Filled,
			FillIDs:  v.FillIDs,
		})
	}
	var last int64
	if !lastEvent.IsZero() {
		last = lastEvent.UTC().UnixNano()
	}
	return Snapshot{
		Timestamp:   time.Now().UTC().UnixNano(),
		LastEventTs: last,
		Provisional: t.Provisional(),
		Orders:      entries,
	}
}

// WriteSnapshot writes a snapshot to disk as JSON.
func WriteSnapshot(path string, snapshot Snapshot) error {
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0o644)
}

// ReadSnapshot loads a snapshot from disk.
func ReadSnapshot(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot %s: %w", path, err)
	}
	return snap, nil
}

// CompareSnapshots checks if two snapshots hold the same orders. Capture
// times are ignored.
func CompareSnapshots(expected, actual Snapshot) error {
	if len(expected.Orders) != len(actual.Orders) {
		return fmt.Errorf("snapshot length mismatch: expected=%d actual=%d", len(expected.Orders), len(actual.Orders))
	}
	expectedMap := make(map[string]OrderEntry, len(expected.Orders))
	for _, entry := range expected.Orders {
		expectedMap[entry.OrderID] = entry
	}
	for _, entry := range actual.Orders {
		want, ok := expectedMap[entry.OrderID]
		if !ok {
			return fmt.Errorf("snapshot unexpected order: %s", entry.OrderID)
		}
		switch {
		case want.Status != entry.Status:
			return fmt.Errorf("snapshot status mismatch: order=%s expected=%s actual=%s", entry.OrderID, want.Status, entry.Status)
		case want.Filled != entry.Filled:
			return fmt.Errorf("snapshot filled mismatch: order=%s expected=%v actual=%v", entry.OrderID, want.Filled, entry.Filled)
		case !slices.Equal(want.FillIDs, entry.FillIDs):
			return fmt.Errorf("snapshot fills mismatch: order=%s expected=%v actual=%v", entry.OrderID, want.FillIDs, entry.FillIDs)
		case want.Alpha != entry.Alpha, want.Exchange != entry.Exchange, want.Side != entry.Side, want.Qty != entry.Qty, want.Price != entry.Price:
			return fmt.Errorf("snapshot order mismatch: order=%s expected=%+v actual=%+v", entry.OrderID, want, entry)
		}
	}
	if expected.Provisional != actual.Provisional {
		return fmt.Errorf("snapshot provisional mismatch: expected=%d actual=%d", expected.Provisional, actual.Provisional)
	}
	return nil
}
