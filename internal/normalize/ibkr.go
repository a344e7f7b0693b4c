package normalize

import (
	"strings"

	"tradelog/internal/schema"
)

// Bridge payloads carry a "type" discriminator and epoch-second timestamps.
func parseIBKR(p *payload) schema.Event {
	root := p.root
	switch t := strings.ToLower(root.Get("type").String()); t {
	case "", "tick":
		return schema.TickEvent(schema.Tick{
			Timestamp: p.epochSeconds(root.Get("timestamp"), "timestamp"),
			Symbol:    p.symbol(root.Get("symbol"), "symbol"),
			Price:     p.num(root.Get("price"), "price"),
			Volume:    p.optNum(root.Get("size"), "size"),
		})
	case "bar":
		closed := true
		if c := root.Get("complete"); c.Exists() {
			closed = c.Bool()
		}
		return schema.CandleEvent(schema.Candle{
			Timestamp: p.epochSeconds(root.Get("time"), "time"),
			Symbol:    p.symbol(root.Get("symbol"), "symbol"),
			Open:      p.num(root.Get("open"), "open"),
			High:      p.num(root.Get("high"), "high"),
			Low:       p.num(root.Get("low"), "low"),
			Close:     p.num(root.Get("close"), "close"),
			Volume:    p.optNum(root.Get("volume"), "volume"),
			Timeframe: p.timeframe(root.Get("bar_size"), "bar_size"),
			Closed:    closed,
		})
	case "order":
		var status schema.OrderStatus
		switch s := p.str(root.Get("status"), "status"); s {
		case "PendingSubmit", "PreSubmitted", "Submitted", "ApiPending":
			status = schema.StatusNew
			if p.optNum(root.Get("filled"), "filled") > 0 {
				status = schema.StatusPartiallyFilled
			}
		case "Filled":
			status = schema.StatusFilled
		case "Cancelled", "ApiCancelled", "PendingCancel":
			status = schema.StatusCanceled
		case "Inactive":
			status = schema.StatusRejected
		default:
			if p.err == nil {
				p.fail("unsupported order status %q", s)
			}
			return schema.Event{}
		}
		orderID, alpha := taggedOrderID(p, root, "orderRef", "orderId")
		return schema.OrderEvent(schema.Order{
			Timestamp: p.epochSeconds(root.Get("time"), "time"),
			OrderID:   orderID,
			Alpha:     alpha,
			Side:      p.side(root.Get("action"), "action"),
			Qty:       p.num(root.Get("totalQuantity"), "totalQuantity"),
			Price:     p.optNum(root.Get("lmtPrice"), "lmtPrice"),
			Status:    status,
		})
	case "execution":
		orderID, alpha := taggedOrderID(p, root, "orderRef", "orderId")
		return schema.FillEvent(schema.Fill{
			Timestamp:  p.epochSeconds(root.Get("time"), "time"),
			FillID:     p.str(root.Get("execId"), "execId"),
			OrderID:    orderID,
			Alpha:      alpha,
			Symbol:     p.symbol(root.Get("symbol"), "symbol"),
			Qty:        p.num(root.Get("shares"), "shares"),
			Price:      p.num(root.Get("price"), "price"),
			Commission: p.optNum(root.Get("commission"), "commission"),
		})
	default:
		p.fail("unsupported bridge message type %q", t)
		return schema.Event{}
	}
}
