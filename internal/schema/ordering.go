package schema

import (
	"cmp"
	"sort"
	"strings"
	"time"
)

func kindRank(k EventKind) uint8 {
	switch k {
	case KindTick:
		return 0
	case KindCandle:
		return 1
	case KindOrder:
		return 2
	case KindFill:
		return 3
	default:
		return 4
	}
}

// SortKey is everything Compare looks at: timestamp, kind rank, then a
// per-kind identity. Status and order id for orders, fill id then order id
// for fills, symbol then timeframe for market data.
type SortKey struct {
	Timestamp time.Time
	Rank      uint8
	Status    OrderStatus
	ID        string
	Sub       string
}

// SortKey extracts the ordering key of e.
func (e Event) SortKey() SortKey {
	k := SortKey{Timestamp: e.Timestamp(), Rank: kindRank(e.Kind)}
	switch e.Kind {
	case KindOrder:
		k.Status, k.ID = e.Order.Status, e.Order.OrderID
	case KindFill:
		k.ID, k.Sub = e.Fill.FillID, e.Fill.OrderID
	case KindCandle:
		k.ID, k.Sub = e.Candle.Symbol, string(e.Candle.Timeframe)
	case KindTick:
		k.ID = e.Tick.Symbol
	}
	return k
}

// Compare orders keys; it returns -1, 0 or +1.
func (k SortKey) Compare(o SortKey) int {
	if c := k.Timestamp.Compare(o.Timestamp); c != 0 {
		return c
	}
	if k.Rank != o.Rank {
		return cmp.Compare(k.Rank, o.Rank)
	}
	if k.Status != o.Status {
		return cmp.Compare(k.Status, o.Status)
	}
	if c := strings.Compare(k.ID, o.ID); c != 0 {
		return c
	}
	return strings.Compare(k.Sub, o.Sub)
}

// Compare orders events by timestamp, then kind (orders before fills), then
// the per-kind identity of SortKey. It returns -1, 0 or +1.
func Compare(a, b Event) int {
	return a.SortKey().Compare(b.SortKey())
}

// Less is Compare(a, b) < 0.
func Less(a, b Event) bool {
	return Compare(a, b) < 0
}

// SortEvents sorts in place, keeping arrival order for equal keys.
func SortEvents(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return Less(events[i], events[j])
	})
}
