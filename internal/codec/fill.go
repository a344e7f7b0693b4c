package codec

import "tradelog/internal/schema"

var FillHeader = []string{"timestamp_utc", "fill_id", "order_id", "alpha", "symbol", "qty", "price", "commission", "exchange", "raw_json"}

func EncodeFill(f schema.Fill) []string {
	return []string{
		FormatTime(f.Timestamp),
		f.FillID,
		f.OrderID,
		f.Alpha,
		f.Symbol,
		FormatFloat(f.Qty),
		FormatFloat(f.Price),
		FormatFloat(f.Commission),
		f.Exchange,
		f.Raw,
	}
}

func DecodeFill(rec []string) (schema.Fill, error) {
	if err := checkWidth(rec, len(FillHeader), schema.KindFill); err != nil {
		return schema.Fill{}, err
	}
	r := fieldReader{rec: rec}
	f := schema.Fill{
		Timestamp:  r.time(0, "timestamp_utc"),
		FillID:     rec[1],
		OrderID:    rec[2],
		Alpha:      rec[3],
		Symbol:     rec[4],
		Qty:        r.float(5, "qty"),
		Price:      r.float(6, "price"),
		Commission: r.float(7, "commission"),
		Exchange:   rec[8],
		Raw:        rec[9],
	}
	return f, r.err
}
