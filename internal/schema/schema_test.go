package schema

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradelog/pkg/exception"
)

var t0 = time.Date(2024, 3, 8, 9, 15, 0, 0, time.UTC)

func TestCandleValidate(t *testing.T) {
	base := Candle{
		Timestamp: t0, Symbol: "BTCUSDT", Exchange: "binance", Timeframe: TF1m, Closed: true,
		Open: 10, High: 12, Low: 9, Close: 11, Volume: 3,
	}
	require.NoError(t, base.Validate())

	testCases := []struct {
		desc   string
		mutate func(c *Candle)
	}{
		{"low above high", func(c *Candle) { c.Low, c.High = 13, 12 }},
		{"open above high", func(c *Candle) { c.Open = 12.5 }},
		{"close below low", func(c *Candle) { c.Close = 8 }},
		{"unaligned timestamp", func(c *Candle) { c.Timestamp = t0.Add(30 * time.Second) }},
		{"unknown timeframe", func(c *Candle) { c.Timeframe = "7m" }},
		{"non utc", func(c *Candle) { c.Timestamp = t0.In(time.FixedZone("IST", 19800)) }},
		{"negative volume", func(c *Candle) { c.Volume = -1 }},
	}
	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			c := base
			tc.mutate(&c)
			err := c.Validate()
			assert.ErrorIs(t, err, exception.ErrSchemaViolation)
		})
	}
}

func TestOrderAndFillValidate(t *testing.T) {
	o := Order{Timestamp: t0, OrderID: "o1", Side: SideBuy, Qty: 1, Status: StatusNew, Exchange: "paper"}
	require.NoError(t, o.Validate())

	o.Qty = 0
	assert.ErrorIs(t, o.Validate(), exception.ErrSchemaViolation)

	f := Fill{Timestamp: t0, FillID: "f1", OrderID: "o1", Symbol: "AAPL", Qty: 1, Price: 10, Exchange: "paper"}
	require.NoError(t, f.Validate())

	f.Commission = -0.1
	assert.ErrorIs(t, f.Validate(), exception.ErrSchemaViolation)
}

func TestCompareTieBreak(t *testing.T) {
	order := OrderEvent(Order{Timestamp: t0, OrderID: "o1", Status: StatusNew})
	cancel := OrderEvent(Order{Timestamp: t0, OrderID: "o1", Status: StatusCanceled})
	f1 := FillEvent(Fill{Timestamp: t0, FillID: "f1", OrderID: "o1"})
	f2 := FillEvent(Fill{Timestamp: t0, FillID: "f2", OrderID: "o1"})
	early := FillEvent(Fill{Timestamp: t0.Add(-time.Millisecond), FillID: "f9", OrderID: "o1"})

	events := []Event{f2, cancel, f1, order, early}
	SortEvents(events)

	got := make([]string, 0, len(events))
	for _, e := range events {
		if e.Kind == KindOrder {
			got = append(got, e.Order.Status.String())
		} else {
			got = append(got, e.Fill.FillID)
		}
	}
	assert.Equal(t, []string{"f9", "NEW", "CANCELED", "f1", "f2"}, got)
}

func TestSortKeyCarriesOnlyOrderingFields(t *testing.T) {
	bar := CandleEvent(Candle{Timestamp: t0, Symbol: "AAPL", Timeframe: TF5m, Raw: `{"big":"payload"}`})
	assert.Equal(t, SortKey{Timestamp: t0, Rank: 1, ID: "AAPL", Sub: "5m"}, bar.SortKey())

	fill := FillEvent(Fill{Timestamp: t0, FillID: "f1", OrderID: "o1", Raw: "{}"})
	assert.Equal(t, SortKey{Timestamp: t0, Rank: 3, ID: "f1", Sub: "o1"}, fill.SortKey())

	oneMin := CandleEvent(Candle{Timestamp: t0, Symbol: "AAPL", Timeframe: TF1m})
	assert.Negative(t, oneMin.SortKey().Compare(bar.SortKey()))
	assert.Equal(t, Compare(oneMin, bar), oneMin.SortKey().Compare(bar.SortKey()))
	assert.Negative(t, bar.SortKey().Compare(fill.SortKey()))
}

func TestSortEventsStableForEqualKeys(t *testing.T) {
	a := TickEvent(Tick{Timestamp: t0, Symbol: "X", Price: 1, Raw: "a"})
	b := TickEvent(Tick{Timestamp: t0, Symbol: "X", Price: 2, Raw: "b"})
	events := []Event{a, b}
	SortEvents(events)
	assert.Equal(t, "a", events[0].Raw())
	assert.Equal(t, "b", events[1].Raw())
}

func TestLogKeyFileName(t *testing.T) {
	tick := TickEvent(Tick{Exchange: "binance", Symbol: "BTC/USDT"})
	assert.Equal(t, "binance_BTC%2FUSDT_ticks.csv", tick.Key().FileName())

	candle := CandleEvent(Candle{Exchange: "zerodha", Symbol: "RELIANCE"})
	assert.Equal(t, "zerodha_RELIANCE_candles.csv", candle.Key().FileName())

	assert.Equal(t, "orders.csv", OrderEvent(Order{Exchange: "x"}).Key().FileName())
	assert.Equal(t, "fills.csv", FillEvent(Fill{Exchange: "x"}).Key().FileName())
}

func TestTimeframeBucket(t *testing.T) {
	ts := time.Date(2024, 3, 8, 9, 17, 42, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 3, 8, 9, 15, 0, 0, time.UTC), TF5m.Bucket(ts))
	assert.Equal(t, time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC), TF1d.Bucket(ts))
	assert.True(t, TF1h.Aligned(time.Date(2024, 3, 8, 9, 0, 0, 0, time.UTC)))
	assert.False(t, TF1h.Aligned(ts))
}

func TestVenueBarGrid(t *testing.T) {
	ist := time.FixedZone("IST", 5*3600+1800)
	zerodha := Venue{Name: "zerodha", Offset: 5*time.Hour + 30*time.Minute, SessionOpen: 9*time.Hour + 15*time.Minute}

	for _, tc := range []struct {
		name    string
		tf      Timeframe
		at      time.Time
		aligned bool
	}{
		{"day at local midnight", TF1d, time.Date(2024, 3, 8, 0, 0, 0, 0, ist), true},
		{"day at utc midnight", TF1d, time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC), false},
		{"60minute at session open", TF1h, time.Date(2024, 3, 8, 9, 15, 0, 0, ist), true},
		{"60minute an hour in", TF1h, time.Date(2024, 3, 8, 10, 15, 0, 0, ist), true},
		{"60minute on the clock hour", TF1h, time.Date(2024, 3, 8, 10, 0, 0, 0, ist), false},
		{"30minute at session open", TF30m, time.Date(2024, 3, 8, 9, 15, 0, 0, ist), true},
		{"30minute half an hour in", TF30m, time.Date(2024, 3, 8, 9, 45, 0, 0, ist), true},
		{"30minute off grid", TF30m, time.Date(2024, 3, 8, 10, 0, 0, 0, ist), false},
		{"5m", TF5m, time.Date(2024, 3, 8, 9, 20, 0, 0, ist), true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.aligned, zerodha.Aligned(tc.tf, tc.at))
		})
	}

	assert.Equal(t, time.Date(2024, 3, 8, 10, 15, 0, 0, ist).UTC(), zerodha.Bucket(TF1h, time.Date(2024, 3, 8, 10, 40, 0, 0, ist)))
	assert.Equal(t, time.Date(2024, 3, 7, 18, 30, 0, 0, time.UTC), zerodha.Bucket(TF1d, time.Date(2024, 3, 8, 2, 0, 0, 0, ist)))
	assert.Equal(t, TF1h.Bucket(time.Date(2024, 3, 8, 10, 40, 0, 0, time.UTC)), Venue{}.Bucket(TF1h, time.Date(2024, 3, 8, 10, 40, 0, 0, time.UTC)))

	day := Candle{
		Timestamp: time.Date(2024, 3, 8, 0, 0, 0, 0, ist).UTC(), Symbol: "RELIANCE", Exchange: "zerodha", Timeframe: TF1d,
		Open: 1, High: 2, Low: 1, Close: 2, Closed: true,
	}
	require.NoError(t, day.ValidateOn(zerodha))
	assert.ErrorIs(t, day.ValidateOn(Venue{Name: "binance"}), exception.ErrSchemaViolation)
}

func TestSetSessionOpen(t *testing.T) {
	r := NewRegistry()
	_, err := r.AddVenue("zerodha", "", 5*time.Hour+30*time.Minute)
	require.NoError(t, err)

	require.NoError(t, r.SetSessionOpen("zerodha", 9*time.Hour+15*time.Minute))
	v, _ := r.Venue("zerodha")
	assert.Equal(t, 9*time.Hour+15*time.Minute, v.SessionOpen)

	assert.Error(t, r.SetSessionOpen("zerodha", 24*time.Hour))
	assert.Error(t, r.SetSessionOpen("nse", 0))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	_, err := r.AddVenue("zerodha", "", 5*time.Hour+30*time.Minute)
	require.NoError(t, err)
	_, err = r.AddVenue("zerodha", "", 0)
	require.Error(t, err)

	_, err = r.AddSymbol("zerodha", "RELIANCE")
	require.NoError(t, err)
	_, err = r.AddSymbol("nowhere", "RELIANCE")
	require.Error(t, err)

	v, ok := r.Venue("zerodha")
	require.True(t, ok)
	assert.Equal(t, "zerodha", v.Profile)
	assert.Equal(t, 19800, func() int { _, off := t0.In(v.Location()).Zone(); return off }())
	assert.True(t, r.HasSymbol("zerodha", "RELIANCE"))
	assert.Equal(t, []string{"RELIANCE"}, r.Symbols("zerodha"))
}

func TestDrainStopsOnConsumerError(t *testing.T) {
	boom := errors.New("boom")
	s := NewSliceStream([]Event{TickEvent(Tick{}), TickEvent(Tick{})})
	calls := 0
	err := Drain(context.Background(), s, ConsumerFunc(func(context.Context, Event) error {
		calls++
		return boom
	}))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestLogKeyFileNamesAreDistinct(t *testing.T) {
	names := map[string]string{}
	for _, sym := range []string{"BTC_USDT", "BTC-USDT", "BTC/USDT", "BTC:USDT", "BTC USDT", "BTC%2DUSDT"} {
		name := TickEvent(Tick{Exchange: "binance", Symbol: sym}).Key().FileName()
		prev, dup := names[name]
		require.False(t, dup, "%q and %q share %s", prev, sym, name)
		names[name] = sym
	}
}

func TestParseFileToken(t *testing.T) {
	testCases := []struct {
		tok  string
		want string
		ok   bool
	}{
		{"BTCUSDT", "BTCUSDT", true},
		{"BTC%5FUSDT", "BTC_USDT", true},
		{"NIFTY%2050", "NIFTY 50", true},
		{"BTC-USDT", "BTC-USDT", true},
		{"BTC_USDT", "", false},
		{"BTC%5fUSDT", "", false},
		{"BTC%2", "", false},
		{"BTC%2D", "", false},
	}
	for _, tc := range testCases {
		t.Run(tc.tok, func(t *testing.T) {
			got, ok := ParseFileToken(tc.tok)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}
