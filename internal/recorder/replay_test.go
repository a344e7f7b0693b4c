package recorder

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradelog/internal/schema"
	"tradelog/pkg/exception"
)

func TestReaderDiscardsTrailingPartialRecord(t *testing.T) {
	content := "timestamp_utc,price,volume,exchange,raw_json\n" +
		"2024-03-08T09:15:00Z,100,1,binance,\"{\n\"\"multi\"\": \"\"line\"\"}\"\n" +
		"2024-03-08T09:15:01Z,101,1,binance,\"{\"\"cut"
	r := NewReader(strings.NewReader(content), schema.LogKey{Exchange: "binance", Symbol: "BTCUSDT", Kind: schema.KindTick})

	e, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, 100.0, e.Tick.Price)
	assert.Equal(t, "{\n\"multi\": \"line\"}", e.Tick.Raw)
	assert.Equal(t, "BTCUSDT", e.Tick.Symbol)

	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
	assert.True(t, r.Truncated())
}

func TestReaderRejectsWrongHeader(t *testing.T) {
	r := NewReader(strings.NewReader("a,b,c\n"), schema.LogKey{Kind: schema.KindOrder})
	_, err := r.Next()
	assert.ErrorIs(t, err, exception.ErrHeaderMismatch)
}

func TestReaderEmptyLog(t *testing.T) {
	r := NewReader(strings.NewReader(""), schema.LogKey{Kind: schema.KindFill})
	_, err := r.Next()
	assert.ErrorIs(t, err, io.EOF)
	assert.False(t, r.Truncated())
}

func writeEvents(t *testing.T, dir string, events ...schema.Event) {
	t.Helper()
	w, err := NewWriter(Config{Dir: dir, NoSync: true})
	require.NoError(t, err)
	for _, e := range events {
		require.NoError(t, w.Append(context.Background(), e))
	}
	require.NoError(t, w.Close())
}

func TestReplayRoundTripAndOrdering(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	in := []schema.Event{tick(3), tick(1), tick(2), tick(0)}
	writeEvents(t, dir, in...)

	p, err := NewReplayer(ReplayConfig{Dir: dir})
	require.NoError(t, err)
	q := Query{Exchange: "binance", Symbol: "BTCUSDT", Kind: schema.KindTick}

	for run := 0; run < 2; run++ {
		s, err := p.Replay(ctx, q)
		require.NoError(t, err)
		got, err := schema.Collect(ctx, s)
		require.NoError(t, err)
		require.NoError(t, s.Close())

		require.Len(t, got, 4)
		for i, e := range got {
			want := tick(i)
			assert.Truef(t, want.Equal(e), "run %d event %d: got %+v want %+v", run, i, e.Tick, want.Tick)
		}
	}
}

func TestReplayTimeWindowIsHalfOpen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	writeEvents(t, dir, tick(0), tick(1), tick(2), tick(3))

	p, err := NewReplayer(ReplayConfig{Dir: dir})
	require.NoError(t, err)
	s, err := p.Replay(ctx, Query{
		Exchange: "binance", Symbol: "BTCUSDT", Kind: schema.KindTick,
		From: base.Add(time.Millisecond), To: base.Add(3 * time.Millisecond),
	})
	require.NoError(t, err)
	defer s.Close()
	got, err := schema.Collect(ctx, s)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, tick(1).Equal(got[0]))
	assert.True(t, tick(2).Equal(got[1]))
}

func TestReplayMissingLogIsEmpty(t *testing.T) {
	p, err := NewReplayer(ReplayConfig{Dir: t.TempDir()})
	require.NoError(t, err)
	s, err := p.Replay(context.Background(), Query{Kind: schema.KindOrder})
	require.NoError(t, err)
	_, err = s.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestReplayExcludesPartialTrailingRecord(t *testing.T) {
	dir := t.TempDir()
	writeEvents(t, dir, tick(0), tick(1))
	path := filepath.Join(dir, "binance_BTCUSDT_ticks.csv")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("2024-03-08T09:15:09Z,1,1,binance,\"{")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	p, err := NewReplayer(ReplayConfig{Dir: dir})
	require.NoError(t, err)
	s, err := p.Replay(context.Background(), Query{Exchange: "binance", Symbol: "BTCUSDT", Kind: schema.KindTick})
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, 2, s.Len())
	assert.True(t, s.Truncated())
}

func TestMergePutsOrdersBeforeFills(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	order := schema.OrderEvent(schema.Order{
		Timestamp: base, OrderID: "o-1", Alpha: "a", Side: schema.SideBuy, Qty: 2, Price: 10,
		Status: schema.StatusNew, Exchange: "paper",
	})
	fill := func(id string, ts time.Time) schema.Event {
		return schema.FillEvent(schema.Fill{
			Timestamp: ts, FillID: id, OrderID: "o-1", Alpha: "a", Symbol: "AAPL",
			Qty: 1, Price: 10, Exchange: "paper",
		})
	}
	// fills hit the log before the order
	writeEvents(t, dir, fill("f-2", base), fill("f-1", base), order, fill("f-0", base.Add(-time.Second)))

	p, err := NewReplayer(ReplayConfig{Dir: dir})
	require.NoError(t, err)
	orders, err := p.Replay(ctx, Query{Exchange: "paper", Kind: schema.KindOrder})
	require.NoError(t, err)
	fills, err := p.Replay(ctx, Query{Exchange: "paper", Symbol: "AAPL", Kind: schema.KindFill})
	require.NoError(t, err)
	m := Merge(fills, orders)
	defer m.Close()

	got, err := schema.Collect(ctx, m)
	require.NoError(t, err)
	var ids []string
	for _, e := range got {
		if e.Kind == schema.KindOrder {
			ids = append(ids, e.Order.OrderID)
		} else {
			ids = append(ids, e.Fill.FillID)
		}
	}
	assert.Equal(t, []string{"f-0", "o-1", "f-1", "f-2"}, ids)
}

type recordingClock struct{ slept []time.Duration }

func (c *recordingClock) Sleep(_ context.Context, d time.Duration) error {
	c.slept = append(c.slept, d)
	return nil
}

func TestReplayPacing(t *testing.T) {
	dir := t.TempDir()
	writeEvents(t, dir, tick(0), tick(10), tick(30))

	clock := &recordingClock{}
	p, err := NewReplayer(ReplayConfig{Dir: dir, Speed: 2})
	require.NoError(t, err)
	p.WithClock(clock)
	s, err := p.Replay(context.Background(), Query{Exchange: "binance", Symbol: "BTCUSDT", Kind: schema.KindTick})
	require.NoError(t, err)
	defer s.Close()
	_, err = schema.Collect(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{5 * time.Millisecond, 10 * time.Millisecond}, clock.slept)
}

func TestParseLogName(t *testing.T) {
	key, ok := ParseLogName("zerodha_RELIANCE_candles.csv")
	require.True(t, ok)
	assert.Equal(t, schema.LogKey{Exchange: "zerodha", Symbol: "RELIANCE", Kind: schema.KindCandle}, key)

	key, ok = ParseLogName("orders.csv")
	require.True(t, ok)
	assert.Equal(t, schema.KindOrder, key.Kind)

	_, ok = ParseLogName("notes.txt")
	assert.False(t, ok)
}

func TestReplayKeepsCarriageReturnsInRaw(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	raws := []string{
		"{\"p\":\"1\",\r\n\"q\":\"2\"}",
		"{\"p\":\"1\",\r\"q\":\"2\"}",
		"{\"p\":\"1\"}\r\n",
		"\r",
	}
	var in []schema.Event
	for i, raw := range raws {
		e := tick(i)
		e.Tick.Raw = raw
		in = append(in, e)
	}
	writeEvents(t, dir, in...)

	p, err := NewReplayer(ReplayConfig{Dir: dir})
	require.NoError(t, err)
	s, err := p.Replay(ctx, Query{Exchange: "binance", Symbol: "BTCUSDT", Kind: schema.KindTick})
	require.NoError(t, err)
	defer s.Close()
	got, err := schema.Collect(ctx, s)
	require.NoError(t, err)
	require.Len(t, got, len(in))
	for i := range in {
		assert.Equal(t, raws[i], got[i].Tick.Raw)
		assert.True(t, in[i].Equal(got[i]), "event %d", i)
	}

	f, err := os.Open(filepath.Join(dir, "binance_BTCUSDT_ticks.csv"))
	require.NoError(t, err)
	defer f.Close()
	r := NewReader(f, schema.LogKey{Exchange: "binance", Symbol: "BTCUSDT", Kind: schema.KindTick})
	e, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, raws[0], e.Tick.Raw)
}

func TestReplaySeparatesLookalikeSymbols(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	underscore := schema.TickEvent(schema.Tick{Timestamp: base, Symbol: "BTC_USDT", Price: 1, Volume: 1, Exchange: "binance"})
	dash := schema.TickEvent(schema.Tick{Timestamp: base, Symbol: "BTC-USDT", Price: 3, Volume: 1, Exchange: "binance"})
	writeEvents(t, dir, underscore, dash)

	p, err := NewReplayer(ReplayConfig{Dir: dir})
	require.NoError(t, err)
	for _, want := range []schema.Event{underscore, dash} {
		s, err := p.Replay(ctx, Query{Exchange: "binance", Symbol: want.Tick.Symbol, Kind: schema.KindTick})
		require.NoError(t, err)
		got, err := schema.Collect(ctx, s)
		require.NoError(t, err)
		require.NoError(t, s.Close())
		require.Len(t, got, 1, want.Tick.Symbol)
		assert.True(t, want.Equal(got[0]))
	}

	keys, err := p.Logs()
	require.NoError(t, err)
	assert.ElementsMatch(t, []schema.LogKey{
		{Exchange: "binance", Symbol: "BTC_USDT", Kind: schema.KindTick},
		{Exchange: "binance", Symbol: "BTC-USDT", Kind: schema.KindTick},
	}, keys)
}

func TestReplayOrdersCandlesByTimeframe(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	bar := func(tf schema.Timeframe, ts time.Time) schema.Event {
		return schema.CandleEvent(schema.Candle{Timestamp: ts, Symbol: "BTCUSDT", Exchange: "binance", Timeframe: tf, Closed: true, Open: 1, High: 2, Low: 1, Close: 2, Volume: 1})
	}
	writeEvents(t, dir, bar(schema.TF5m, base), bar(schema.TF1m, base.Add(time.Minute)), bar(schema.TF1m, base))

	p, err := NewReplayer(ReplayConfig{Dir: dir})
	require.NoError(t, err)
	s, err := p.Replay(ctx, Query{Exchange: "binance", Symbol: "BTCUSDT", Kind: schema.KindCandle})
	require.NoError(t, err)
	defer s.Close()
	got, err := schema.Collect(ctx, s)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, schema.TF1m, got[0].Candle.Timeframe)
	assert.Equal(t, schema.TF5m, got[1].Candle.Timeframe)
	assert.Equal(t, base.Add(time.Minute), got[2].Candle.Timestamp)
}
