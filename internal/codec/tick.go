package codec

import "tradelog/internal/schema"

var TickHeader = []string{"timestamp_utc", "price", "volume", "exchange", "raw_json"}

// EncodeTick renders a tick; the symbol lives in the log name.
func EncodeTick(t schema.Tick) []string {
	return []string{
		FormatTime(t.Timestamp),
		FormatFloat(t.Price),
		FormatFloat(t.Volume),
		t.Exchange,
		t.Raw,
	}
}

func DecodeTick(symbol string, rec []string) (schema.Tick, error) {
	if err := checkWidth(rec, len(TickHeader), schema.KindTick); err != nil {
		return schema.Tick{}, err
	}
	r := fieldReader{rec: rec}
	t := schema.Tick{
		Timestamp: r.time(0, "timestamp_utc"),
		Symbol:    symbol,
		Price:     r.float(1, "price"),
		Volume:    r.float(2, "volume"),
		Exchange:  rec[3],
		Raw:       rec[4],
	}
	return t, r.err
}
