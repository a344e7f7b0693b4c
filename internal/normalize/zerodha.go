package normalize

import (
	"strings"

	"github.com/tidwall/gjson"

	"tradelog/internal/schema"
)

// Kite timestamps such as "2024-03-08 09:15:01" carry no zone and are read
// in the venue's declared offset.
func parseZerodha(p *payload) schema.Event {
	root := p.root
	switch {
	case root.IsArray():
		return zerodhaCandleRow(p, root)
	case root.Get("trade_id").Exists():
		orderID, alpha := taggedOrderID(p, root, "tag", "order_id")
		return schema.FillEvent(schema.Fill{
			Timestamp: p.clock(first(root, "fill_timestamp", "exchange_timestamp", "order_timestamp"), "fill_timestamp"),
			FillID:    p.str(root.Get("trade_id"), "trade_id"),
			OrderID:   orderID,
			Alpha:     alpha,
			Symbol:    p.symbol(root.Get("tradingsymbol"), "tradingsymbol"),
			Qty:       p.num(root.Get("quantity"), "quantity"),
			Price:     p.num(first(root, "average_price", "price"), "average_price"),
		})
	case root.Get("order_id").Exists() && root.Get("status").Exists():
		return zerodhaOrder(p, root)
	case root.Get("last_price").Exists():
		return schema.TickEvent(schema.Tick{
			Timestamp: p.clock(first(root, "last_trade_time", "exchange_timestamp", "timestamp"), "last_trade_time"),
			Symbol:    p.symbol(root.Get("tradingsymbol"), "tradingsymbol"),
			Price:     p.num(root.Get("last_price"), "last_price"),
			Volume:    p.optNum(first(root, "last_quantity", "last_traded_quantity"), "last_quantity"),
		})
	default:
		p.fail("unrecognised kite payload")
		return schema.Event{}
	}
}

// zerodhaCandleRow reads a historical candle: [date, open, high, low, close, volume].
func zerodhaCandleRow(p *payload, row gjson.Result) schema.Event {
	cols := row.Array()
	if len(cols) < 6 {
		p.fail("candle row has %d columns", len(cols))
		return schema.Event{}
	}
	return schema.CandleEvent(schema.Candle{
		Timestamp: p.clock(cols[0], "date"),
		Symbol:    p.symbol(gjson.Result{}, "symbol"),
		Open:      p.num(cols[1], "open"),
		High:      p.num(cols[2], "high"),
		Low:       p.num(cols[3], "low"),
		Close:     p.num(cols[4], "close"),
		Volume:    p.num(cols[5], "volume"),
		Timeframe: p.timeframe(gjson.Result{}, "interval"),
		Closed:    true,
	})
}

func zerodhaOrder(p *payload, root gjson.Result) schema.Event {
	var status schema.OrderStatus
	switch s := strings.ToUpper(p.str(root.Get("status"), "status")); s {
	case "OPEN", "TRIGGER PENDING", "OPEN PENDING", "VALIDATION PENDING", "PUT ORDER REQ RECEIVED", "MODIFIED":
		status = schema.StatusNew
		if p.optNum(root.Get("filled_quantity"), "filled_quantity") > 0 {
			status = schema.StatusPartiallyFilled
		}
	case "COMPLETE":
		status = schema.StatusFilled
	case "CANCELLED", "CANCELLED AMO":
		status = schema.StatusCanceled
	case "REJECTED":
		status = schema.StatusRejected
	default:
		if p.err == nil {
			p.fail("unsupported order status %q", s)
		}
		return schema.Event{}
	}
	orderID, alpha := taggedOrderID(p, root, "tag", "order_id")
	return schema.OrderEvent(schema.Order{
		Timestamp: p.clock(first(root, "order_timestamp", "exchange_timestamp"), "order_timestamp"),
		OrderID:   orderID,
		Alpha:     alpha,
		Side:      p.side(root.Get("transaction_type"), "transaction_type"),
		Qty:       p.num(root.Get("quantity"), "quantity"),
		Price:     p.optNum(root.Get("price"), "price"),
		Status:    status,
	})
}
