package codec

import (
	"fmt"

	"tradelog/internal/schema"
	"tradelog/pkg/exception"
)

var OrderHeader = []string{"timestamp_utc", "order_id", "alpha", "side", "qty", "price", "status", "exchange", "raw_json"}

func EncodeOrder(o schema.Order) []string {
	return []string{
		FormatTime(o.Timestamp),
		o.OrderID,
		o.Alpha,
		o.Side.String(),
		FormatFloat(o.Qty),
		FormatFloat(o.Price),
		o.Status.String(),
		o.Exchange,
		o.Raw,
	}
}

func DecodeOrder(rec []string) (schema.Order, error) {
	if err := checkWidth(rec, len(OrderHeader), schema.KindOrder); err != nil {
		return schema.Order{}, err
	}
	r := fieldReader{rec: rec}
	o := schema.Order{
		Timestamp: r.time(0, "timestamp_utc"),
		OrderID:   rec[1],
		Alpha:     rec[2],
		Qty:       r.float(4, "qty"),
		Price:     r.float(5, "price"),
		Exchange:  rec[7],
		Raw:       rec[8],
	}
	if r.err != nil {
		return o, r.err
	}
	side, err := schema.ParseSide(rec[3])
	if err != nil {
		return o, fmt.Errorf("%w: %v", exception.ErrCorruptRecord, err)
	}
	status, err := schema.ParseOrderStatus(rec[6])
	if err != nil {
		return o, fmt.Errorf("%w: %v", exception.ErrCorruptRecord, err)
	}
	o.Side, o.Status = side, status
	return o, nil
}
