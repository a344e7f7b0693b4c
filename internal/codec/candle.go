package codec

import "tradelog/internal/schema"

var CandleHeader = []string{"timestamp_utc", "open", "high", "low", "close", "volume", "exchange", "tf", "raw_json"}

// EncodeCandle renders a closed bar; the symbol lives in the log name.
func EncodeCandle(c schema.Candle) []string {
	return []string{
		FormatTime(c.Timestamp),
		FormatFloat(c.Open),
		FormatFloat(c.High),
		FormatFloat(c.Low),
		FormatFloat(c.Close),
		FormatFloat(c.Volume),
		c.Exchange,
		string(c.Timeframe),
		c.Raw,
	}
}

// DecodeCandle parses a persisted bar. Persisted bars are always closed.
func DecodeCandle(symbol string, rec []string) (schema.Candle, error) {
	if err := checkWidth(rec, len(CandleHeader), schema.KindCandle); err != nil {
		return schema.Candle{}, err
	}
	r := fieldReader{rec: rec}
	c := schema.Candle{
		Timestamp: r.time(0, "timestamp_utc"),
		Symbol:    symbol,
		Open:      r.float(1, "open"),
		High:      r.float(2, "high"),
		Low:       r.float(3, "low"),
		Close:     r.float(4, "close"),
		Volume:    r.float(5, "volume"),
		Exchange:  rec[6],
		Timeframe: schema.Timeframe(rec[7]),
		Closed:    true,
		Raw:       rec[8],
	}
	return c, r.err
}
