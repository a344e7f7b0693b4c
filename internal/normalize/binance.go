package normalize

import (
	"strings"

	"github.com/tidwall/gjson"

	"tradelog/internal/schema"
)

// SplitClientOrderID separates the alpha prefix from a client order id of
// the form "<alpha>:<id>". Ids without a prefix have no alpha.
func SplitClientOrderID(id string) (alpha string) {
	if i := strings.IndexByte(id, ':'); i > 0 {
		return id[:i]
	}
	return ""
}

func parseBinance(p *payload) schema.Event {
	root := p.root
	if data := root.Get("data"); data.IsObject() && root.Get("stream").Exists() {
		root = data
	}
	if root.IsArray() {
		return binanceKlineRow(p, root)
	}

	switch e := root.Get("e").String(); e {
	case "trade", "aggTrade":
		return schema.TickEvent(schema.Tick{
			Timestamp: p.epochMillis(first(root, "T", "E"), "T"),
			Symbol:    p.symbol(root.Get("s"), "s"),
			Price:     p.num(root.Get("p"), "p"),
			Volume:    p.num(root.Get("q"), "q"),
		})
	case "kline":
		k := root.Get("k")
		if !k.IsObject() {
			p.fail("kline without k")
			return schema.Event{}
		}
		return schema.CandleEvent(schema.Candle{
			Timestamp: p.epochMillis(k.Get("t"), "k.t"),
			Symbol:    p.symbol(first(root, "k.s", "s"), "k.s"),
			Open:      p.num(k.Get("o"), "k.o"),
			High:      p.num(k.Get("h"), "k.h"),
			Low:       p.num(k.Get("l"), "k.l"),
			Close:     p.num(k.Get("c"), "k.c"),
			Volume:    p.num(k.Get("v"), "k.v"),
			Timeframe: p.timeframe(k.Get("i"), "k.i"),
			Closed:    k.Get("x").Bool(),
		})
	case "executionReport":
		return binanceExecution(p, root)
	case "":
		p.fail("missing event type e")
	default:
		p.fail("unsupported event type %q", e)
	}
	return schema.Event{}
}

// binanceKlineRow reads a REST kline row:
// [openTime, open, high, low, close, volume, closeTime, ...].
// Rows are only emitted once closed, so they are closed bars.
func binanceKlineRow(p *payload, row gjson.Result) schema.Event {
	cols := row.Array()
	if len(cols) < 6 {
		p.fail("kline row has %d columns", len(cols))
		return schema.Event{}
	}
	return schema.CandleEvent(schema.Candle{
		Timestamp: p.epochMillis(cols[0], "open time"),
		Symbol:    p.symbol(gjson.Result{}, "symbol"),
		Open:      p.num(cols[1], "open"),
		High:      p.num(cols[2], "high"),
		Low:       p.num(cols[3], "low"),
		Close:     p.num(cols[4], "close"),
		Volume:    p.num(cols[5], "volume"),
		Timeframe: p.timeframe(gjson.Result{}, "timeframe"),
		Closed:    true,
	})
}

func binanceExecution(p *payload, root gjson.Result) schema.Event {
	exec := p.str(root.Get("x"), "x")
	clientID := p.optStr(root.Get("C"))
	if clientID == "" {
		clientID = p.str(root.Get("c"), "c")
	}
	ts := p.epochMillis(first(root, "T", "E"), "T")
	alpha := SplitClientOrderID(clientID)

	if exec == "TRADE" {
		return schema.FillEvent(schema.Fill{
			Timestamp:  ts,
			FillID:     p.str(root.Get("t"), "t"),
			OrderID:    clientID,
			Alpha:      alpha,
			Symbol:     p.symbol(root.Get("s"), "s"),
			Qty:        p.num(root.Get("l"), "l"),
			Price:      p.num(root.Get("L"), "L"),
			Commission: p.optNum(root.Get("n"), "n"),
		})
	}

	var status schema.OrderStatus
	switch exec {
	case "NEW":
		status = schema.StatusNew
	case "CANCELED", "EXPIRED":
		status = schema.StatusCanceled
	case "REJECTED":
		status = schema.StatusRejected
	default:
		p.fail("unsupported execution type %q", exec)
		return schema.Event{}
	}
	return schema.OrderEvent(schema.Order{
		Timestamp: ts,
		OrderID:   clientID,
		Alpha:     alpha,
		Side:      p.side(root.Get("S"), "S"),
		Qty:       p.num(root.Get("q"), "q"),
		Price:     p.optNum(root.Get("p"), "p"),
		Status:    status,
	})
}
