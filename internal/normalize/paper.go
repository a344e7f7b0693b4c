package normalize

import (
	"strings"

	"tradelog/internal/schema"
)

// parsePaper reads the canonical-shaped json emitted by the simulated venue.
func parsePaper(p *payload) schema.Event {
	root := p.root
	switch t := strings.ToLower(root.Get("type").String()); t {
	case "tick":
		return schema.TickEvent(schema.Tick{
			Timestamp: p.clock(root.Get("ts"), "ts"),
			Symbol:    p.symbol(root.Get("symbol"), "symbol"),
			Price:     p.num(root.Get("price"), "price"),
			Volume:    p.num(root.Get("volume"), "volume"),
		})
	case "bar":
		return schema.CandleEvent(schema.Candle{
			Timestamp: p.clock(root.Get("ts"), "ts"),
			Symbol:    p.symbol(root.Get("symbol"), "symbol"),
			Open:      p.num(root.Get("open"), "open"),
			High:      p.num(root.Get("high"), "high"),
			Low:       p.num(root.Get("low"), "low"),
			Close:     p.num(root.Get("close"), "close"),
			Volume:    p.num(root.Get("volume"), "volume"),
			Timeframe: p.timeframe(root.Get("tf"), "tf"),
			Closed:    root.Get("closed").Bool(),
		})
	case "order":
		status, err := schema.ParseOrderStatus(p.str(root.Get("status"), "status"))
		if err != nil && p.err == nil {
			p.fail("%v", err)
		}
		return schema.OrderEvent(schema.Order{
			Timestamp: p.clock(root.Get("ts"), "ts"),
			OrderID:   p.str(root.Get("order_id"), "order_id"),
			Alpha:     p.optStr(root.Get("alpha")),
			Side:      p.side(root.Get("side"), "side"),
			Qty:       p.num(root.Get("qty"), "qty"),
			Price:     p.optNum(root.Get("price"), "price"),
			Status:    status,
		})
	case "fill":
		return schema.FillEvent(schema.Fill{
			Timestamp:  p.clock(root.Get("ts"), "ts"),
			FillID:     p.str(root.Get("fill_id"), "fill_id"),
			OrderID:    p.str(root.Get("order_id"), "order_id"),
			Alpha:      p.optStr(root.Get("alpha")),
			Symbol:     p.symbol(root.Get("symbol"), "symbol"),
			Qty:        p.num(root.Get("qty"), "qty"),
			Price:      p.num(root.Get("price"), "price"),
			Commission: p.optNum(root.Get("commission"), "commission"),
		})
	default:
		p.fail("unsupported paper message type %q", t)
		return schema.Event{}
	}
}
