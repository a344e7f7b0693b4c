package normalize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradelog/internal/schema"
	"tradelog/pkg/exception"
)

func testRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	reg := schema.NewRegistry()
	for _, v := range []struct {
		name   string
		offset time.Duration
	}{
		{"binance", 0},
		{"zerodha", 5*time.Hour + 30*time.Minute},
		{"ibkr", 0},
		{"paper", 0},
	} {
		_, err := reg.AddVenue(v.name, "", v.offset)
		require.NoError(t, err)
	}
	require.NoError(t, reg.SetSessionOpen("zerodha", 9*time.Hour+15*time.Minute))
	return reg
}

func TestBinanceTrade(t *testing.T) {
	n := NewNormalizer(testRegistry(t), Config{})
	raw := []byte(`{"e":"trade","E":1709889301001,"s":"BTCUSDT","t":12345,"p":"67000.10","q":"0.015","T":1709889301000}`)

	e, err := n.Normalize("binance", raw)
	require.NoError(t, err)
	require.Equal(t, schema.KindTick, e.Kind)
	assert.Equal(t, time.Date(2024, 3, 8, 9, 15, 1, 0, time.UTC), e.Tick.Timestamp)
	assert.Equal(t, "BTCUSDT", e.Tick.Symbol)
	assert.Equal(t, 67000.10, e.Tick.Price)
	assert.Equal(t, 0.015, e.Tick.Volume)
	assert.Equal(t, "binance", e.Tick.Exchange)
	assert.Equal(t, string(raw), e.Tick.Raw, "raw payload kept verbatim")
}

func TestNormalizeIsDeterministic(t *testing.T) {
	n := NewNormalizer(testRegistry(t), Config{})
	raw := []byte(`{"stream":"btcusdt@kline_1m","data":{"e":"kline","E":1709889360001,"s":"BTCUSDT","k":{"t":1709889300000,"T":1709889359999,"s":"BTCUSDT","i":"1m","o":"1","c":"2","h":"3","l":"0.5","v":"10","x":true}}}`)
	a, err := n.Normalize("binance", raw)
	require.NoError(t, err)
	b, err := n.Normalize("binance", raw)
	require.NoError(t, err)
	assert.True(t, a.Equal(b))
	assert.Equal(t, schema.TF1m, a.Candle.Timeframe)
	assert.True(t, a.Candle.Closed)
}

func TestFormingCandlePolicy(t *testing.T) {
	raw := []byte(`{"e":"kline","s":"BTCUSDT","k":{"t":1709889300000,"i":"1m","o":"1","c":"2","h":"3","l":"0.5","v":"10","x":false}}`)

	_, err := NewNormalizer(testRegistry(t), Config{}).Normalize("binance", raw)
	assert.ErrorIs(t, err, exception.ErrFormingCandle)
	assert.True(t, IsDroppable(err))

	e, err := NewNormalizer(testRegistry(t), Config{CandlePolicy: CandleTagForming}).Normalize("binance", raw)
	require.NoError(t, err)
	assert.False(t, e.Candle.Closed)
}

func TestBinanceKlineRowUsesHints(t *testing.T) {
	n := NewNormalizer(testRegistry(t), Config{})
	row := []byte(`[1709889300000,"1.0","3.0","0.5","2.0","10.0",1709889359999,"20.0",5,"1","2","0"]`)

	_, err := n.Normalize("binance", row)
	assert.ErrorIs(t, err, exception.ErrMalformedPayload, "row without symbol hint")

	e, err := n.NormalizeInput(Input{Venue: "binance", Symbol: "ETHUSDT", Timeframe: schema.TF1m, Raw: row})
	require.NoError(t, err)
	assert.Equal(t, "ETHUSDT", e.Candle.Symbol)
	assert.Equal(t, 3.0, e.Candle.High)
}

func TestBinanceExecutionReport(t *testing.T) {
	n := NewNormalizer(testRegistry(t), Config{})

	e, err := n.Normalize("binance", []byte(`{"e":"executionReport","E":1709889301001,"s":"BTCUSDT","c":"meanrev:abc","S":"BUY","o":"LIMIT","q":"1.5","p":"100","x":"NEW","X":"NEW","T":1709889301000}`))
	require.NoError(t, err)
	require.Equal(t, schema.KindOrder, e.Kind)
	assert.Equal(t, "meanrev:abc", e.Order.OrderID)
	assert.Equal(t, "meanrev", e.Order.Alpha)
	assert.Equal(t, schema.StatusNew, e.Order.Status)

	e, err = n.Normalize("binance", []byte(`{"e":"executionReport","s":"BTCUSDT","c":"cxl-1","C":"meanrev:abc","S":"BUY","q":"1.5","p":"100","x":"CANCELED","T":1709889302000}`))
	require.NoError(t, err)
	assert.Equal(t, "meanrev:abc", e.Order.OrderID)
	assert.Equal(t, schema.StatusCanceled, e.Order.Status)

	e, err = n.Normalize("binance", []byte(`{"e":"executionReport","s":"BTCUSDT","c":"meanrev:abc","S":"BUY","q":"1.5","p":"100","x":"TRADE","t":77,"l":"0.5","L":"99.9","n":"0.001","T":1709889303000}`))
	require.NoError(t, err)
	require.Equal(t, schema.KindFill, e.Kind)
	assert.Equal(t, "77", e.Fill.FillID)
	assert.Equal(t, 0.5, e.Fill.Qty)
	assert.Equal(t, 0.001, e.Fill.Commission)
}

func TestZerodhaLocalTimeUsesVenueOffset(t *testing.T) {
	n := NewNormalizer(testRegistry(t), Config{})
	raw := []byte(`{"instrument_token":738561,"tradingsymbol":"RELIANCE","last_price":2450.5,"last_quantity":10,"last_trade_time":"2024-03-08 09:15:01"}`)

	e, err := n.Normalize("zerodha", raw)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 8, 3, 45, 1, 0, time.UTC), e.Tick.Timestamp)
	assert.Equal(t, time.UTC, e.Tick.Timestamp.Location())
}

func TestZerodhaCandleRowAndOrders(t *testing.T) {
	n := NewNormalizer(testRegistry(t), Config{})

	e, err := n.NormalizeInput(Input{
		Venue: "zerodha", Symbol: "RELIANCE", Timeframe: schema.TF1m,
		Raw: []byte(`["2024-03-08T09:15:00+0530",2450,2455,2449,2452,12345]`),
	})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 8, 3, 45, 0, 0, time.UTC), e.Candle.Timestamp)

	e, err = n.Normalize("zerodha", []byte(`{"order_id":"240308000001","status":"CANCELLED","transaction_type":"SELL","quantity":5,"price":2451,"tag":"momo","order_timestamp":"2024-03-08 09:20:00"}`))
	require.NoError(t, err)
	assert.Equal(t, schema.StatusCanceled, e.Order.Status)
	assert.Equal(t, schema.SideSell, e.Order.Side)
	assert.Equal(t, "momo", e.Order.Alpha)

	e, err = n.Normalize("zerodha", []byte(`{"trade_id":"T1","order_id":"240308000001","tradingsymbol":"RELIANCE","quantity":2,"average_price":2451.5,"fill_timestamp":"2024-03-08 09:20:01","tag":"momo"}`))
	require.NoError(t, err)
	assert.Equal(t, schema.KindFill, e.Kind)
	assert.Equal(t, "T1", e.Fill.FillID)
	assert.Equal(t, "240308000001", e.Fill.OrderID)

	e, err = n.Normalize("zerodha", []byte(`{"trade_id":"T2","order_id":"240308000002","tradingsymbol":"RELIANCE","quantity":1,"average_price":2451,"fill_timestamp":"2024-03-08 09:21:00","tag":"momo:9f3a"}`))
	require.NoError(t, err)
	assert.Equal(t, "momo:9f3a", e.Fill.OrderID, "gateway id carried in tag")
	assert.Equal(t, "momo", e.Fill.Alpha)

	e, err = n.NormalizeInput(Input{Venue: "zerodha", OrderRef: "momo:77aa", Raw: []byte(`{"trade_id":"T3","order_id":"240308000003","tradingsymbol":"RELIANCE","quantity":1,"average_price":2452,"fill_timestamp":"2024-03-08 09:22:00"}`)})
	require.NoError(t, err)
	assert.Equal(t, "momo:77aa", e.Fill.OrderID, "untagged trade keyed by the client reference")
}

func TestZerodhaBarsFollowSessionGrid(t *testing.T) {
	n := NewNormalizer(testRegistry(t), Config{})

	for _, tc := range []struct {
		name string
		tf   schema.Timeframe
		row  string
		want time.Time
	}{
		{"day", schema.TF1d, `["2024-03-08T00:00:00+0530",2450,2470,2440,2460,900000]`, time.Date(2024, 3, 7, 18, 30, 0, 0, time.UTC)},
		{"60minute", schema.TF1h, `["2024-03-08T09:15:00+0530",2450,2458,2447,2455,120000]`, time.Date(2024, 3, 8, 3, 45, 0, 0, time.UTC)},
		{"30minute", schema.TF30m, `["2024-03-08T09:15:00+0530",2450,2456,2448,2453,60000]`, time.Date(2024, 3, 8, 3, 45, 0, 0, time.UTC)},
		{"30minute second bar", schema.TF30m, `["2024-03-08T09:45:00+0530",2453,2457,2451,2452,40000]`, time.Date(2024, 3, 8, 4, 15, 0, 0, time.UTC)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			e, err := n.NormalizeInput(Input{Venue: "zerodha", Symbol: "RELIANCE", Timeframe: tc.tf, Raw: []byte(tc.row)})
			require.NoError(t, err)
			assert.Equal(t, tc.want, e.Candle.Timestamp)
			assert.Equal(t, tc.tf, e.Candle.Timeframe)
		})
	}

	for _, tc := range []struct {
		name string
		tf   schema.Timeframe
		row  string
	}{
		{"day at utc midnight", schema.TF1d, `["2024-03-08T05:30:00+0530",2450,2470,2440,2460,900000]`},
		{"60minute on the clock hour", schema.TF1h, `["2024-03-08T10:00:00+0530",2450,2458,2447,2455,120000]`},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := n.NormalizeInput(Input{Venue: "zerodha", Symbol: "RELIANCE", Timeframe: tc.tf, Raw: []byte(tc.row)})
			assert.ErrorIs(t, err, exception.ErrMalformedPayload)
		})
	}
}

func TestIBKRBridge(t *testing.T) {
	n := NewNormalizer(testRegistry(t), Config{})

	e, err := n.Normalize("ibkr", []byte(`{"symbol":"AAPL","price":172.15,"size":100,"timestamp":1709959192.25}`))
	require.NoError(t, err)
	assert.Equal(t, time.Unix(1709959192, 250_000_000).UTC(), e.Tick.Timestamp)

	e, err = n.Normalize("ibkr", []byte(`{"type":"execution","execId":"0001f4e8.65eb","orderId":12,"orderRef":"pairs","symbol":"AAPL","shares":50,"price":172.1,"commission":0.35,"time":1709959193}`))
	require.NoError(t, err)
	assert.Equal(t, "12", e.Fill.OrderID)
	assert.Equal(t, "pairs", e.Fill.Alpha)
}

func TestMalformedPayloads(t *testing.T) {
	n := NewNormalizer(testRegistry(t), Config{})

	testCases := []struct {
		desc  string
		venue string
		raw   string
	}{
		{"not json", "binance", `{"e":"trade",`},
		{"missing price", "binance", `{"e":"trade","s":"BTCUSDT","q":"1","T":1709889301000}`},
		{"price not numeric", "binance", `{"e":"trade","s":"BTCUSDT","p":"abc","q":"1","T":1709889301000}`},
		{"missing timestamp", "ibkr", `{"symbol":"AAPL","price":1,"size":1}`},
		{"low above high", "paper", `{"type":"bar","symbol":"X","ts":"2024-03-08T09:15:00Z","tf":"1m","open":5,"high":4,"low":6,"close":5,"volume":1,"closed":true}`},
		{"zero qty fill", "paper", `{"type":"fill","fill_id":"f","order_id":"o","symbol":"X","qty":0,"price":1,"ts":"2024-03-08T09:15:00Z"}`},
		{"unknown event", "binance", `{"e":"depthUpdate"}`},
		{"bad local time", "zerodha", `{"tradingsymbol":"RELIANCE","last_price":1,"last_trade_time":"08/03/2024"}`},
	}
	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			_, err := n.Normalize(tc.venue, []byte(tc.raw))
			assert.ErrorIs(t, err, exception.ErrMalformedPayload)
		})
	}
}

func TestUnknownVenue(t *testing.T) {
	n := NewNormalizer(testRegistry(t), Config{})
	_, err := n.Normalize("kraken", []byte(`{}`))
	assert.ErrorIs(t, err, exception.ErrUnknownVenue)
	assert.False(t, IsDroppable(err))
}
