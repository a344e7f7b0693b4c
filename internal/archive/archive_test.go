package archive

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradelog/internal/schema"
	"tradelog/pkg/conn"
)

var start = time.Date(2024, 3, 8, 9, 15, 0, 0, time.UTC)

func newArchive(t *testing.T) *Archive {
	t.Helper()
	c, err := conn.New(conn.Option{Driver: conn.DriverSQLite, Path: "file::memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	a, err := New(c.DB())
	require.NoError(t, err)
	return a
}

func TestArchiveMirrorsEvents(t *testing.T) {
	a := newArchive(t)
	ctx := context.Background()

	order := schema.Order{Timestamp: start, OrderID: "momo:1", Alpha: "momo", Side: schema.SideBuy, Qty: 2, Price: 10, Status: schema.StatusNew, Exchange: "paper"}
	fill := schema.Fill{Timestamp: start.Add(time.Second), FillID: "F1", OrderID: "momo:1", Alpha: "momo", Symbol: "AAPL", Qty: 2, Price: 10, Exchange: "paper"}
	events := []schema.Event{
		schema.TickEvent(schema.Tick{Timestamp: start, Symbol: "AAPL", Price: 10, Volume: 1, Exchange: "paper"}),
		schema.CandleEvent(schema.Candle{Timestamp: start, Symbol: "AAPL", Open: 10, High: 11, Low: 9, Close: 10, Volume: 3, Exchange: "paper", Timeframe: schema.TF1m, Closed: true}),
		schema.OrderEvent(order),
		schema.FillEvent(fill),
		schema.FillEvent(fill),
	}
	for _, e := range events {
		require.NoError(t, a.OnEvent(ctx, e))
	}

	orders, err := a.Orders(ctx, "momo:1")
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "NEW", orders[0].Status)
	assert.Equal(t, "BUY", orders[0].Side)

	fills, err := a.Fills(ctx, "momo:1")
	require.NoError(t, err)
	require.Len(t, fills, 1, "redelivered fill is mirrored once")
	assert.Equal(t, 2.0, fills[0].Qty)

	var candles int64
	require.NoError(t, a.db.Model(&CandleRow{}).Count(&candles).Error)
	assert.Equal(t, int64(1), candles)
}

func TestArchiveFailureDoesNotFailPipeline(t *testing.T) {
	a := newArchive(t)
	assert.NoError(t, a.OnEvent(context.Background(), schema.Event{}))
	assert.Error(t, a.Save(context.Background(), schema.Event{}))

	_, err := New(nil)
	assert.Error(t, err)
}
