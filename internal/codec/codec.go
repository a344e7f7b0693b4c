package codec

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"strconv"
	"time"

	"tradelog/internal/schema"
	"tradelog/pkg/exception"
)

// Header returns the column row of the log for a kind.
func Header(kind schema.EventKind) []string {
	switch kind {
	case schema.KindTick:
		return TickHeader
	case schema.KindCandle:
		return CandleHeader
	case schema.KindOrder:
		return OrderHeader
	case schema.KindFill:
		return FillHeader
	default:
		return nil
	}
}

// Encode serializes an event into its csv columns.
func Encode(e schema.Event) ([]string, error) {
	switch e.Kind {
	case schema.KindTick:
		return EncodeTick(e.Tick), nil
	case schema.KindCandle:
		return EncodeCandle(e.Candle), nil
	case schema.KindOrder:
		return EncodeOrder(e.Order), nil
	case schema.KindFill:
		return EncodeFill(e.Fill), nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %d", exception.ErrSchemaViolation, e.Kind)
	}
}

// Decode parses csv columns read from the log identified by key.
func Decode(key schema.LogKey, rec []string) (schema.Event, error) {
	switch key.Kind {
	case schema.KindTick:
		t, err := DecodeTick(key.Symbol, rec)
		return schema.TickEvent(t), err
	case schema.KindCandle:
		c, err := DecodeCandle(key.Symbol, rec)
		return schema.CandleEvent(c), err
	case schema.KindOrder:
		o, err := DecodeOrder(rec)
		return schema.OrderEvent(o), err
	case schema.KindFill:
		f, err := DecodeFill(rec)
		return schema.FillEvent(f), err
	default:
		return schema.Event{}, fmt.Errorf("%w: unknown kind %d", exception.ErrCorruptRecord, key.Kind)
	}
}

// AppendRecord appends one csv-encoded line, quoting as needed, to dst.
func AppendRecord(dst *bytes.Buffer, cols []string) error {
	w := csv.NewWriter(dst)
	if err := w.Write(cols); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}

// ParseRecord splits one AppendRecord line back into its columns. Quoted
// fields keep every byte, carriage returns included; csv.Reader would fold
// a quoted "\r\n" into "\n".
func ParseRecord(rec []byte) ([]string, error) {
	rec = bytes.TrimSuffix(rec, []byte{'\n'})
	var (
		cols  []string
		field []byte
	)
	for i := 0; ; {
		field = field[:0]
		if i < len(rec) && rec[i] == '"' {
			i++
			for {
				j := bytes.IndexByte(rec[i:], '"')
				if j < 0 {
					return nil, errors.New("unterminated quoted field")
				}
				field = append(field, rec[i:i+j]...)
				i += j + 1
				if i < len(rec) && rec[i] == '"' {
					field = append(field, '"')
					i++
					continue
				}
				break
			}
			if i < len(rec) && rec[i] != ',' {
				return nil, fmt.Errorf("unexpected %q after quoted field %d", rec[i], len(cols)+1)
			}
		} else {
			j := bytes.IndexByte(rec[i:], ',')
			if j < 0 {
				j = len(rec) - i
			}
			if bytes.IndexByte(rec[i:i+j], '"') >= 0 {
				return nil, fmt.Errorf("bare quote in field %d", len(cols)+1)
			}
			field = append(field, rec[i:i+j]...)
			i += j
		}
		cols = append(cols, string(field))
		if i >= len(rec) {
			return cols, nil
		}
		i++
	}
}

// FormatTime renders a UTC timestamp with nanosecond precision.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTime parses a FormatTime value back into UTC.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// FormatFloat uses the shortest representation that parses back exactly.
func FormatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func ParseFloat(s string) (float64, error) {
	return strconv.ParseFloat(s, 64)
}

type fieldReader struct {
	rec []string
	err error
}

func (r *fieldReader) time(i int, name string) time.Time {
	if r.err != nil {
		return time.Time{}
	}
	t, err := ParseTime(r.rec[i])
	if err != nil {
		r.err = fmt.Errorf("%w: %s %q: %v", exception.ErrCorruptRecord, name, r.rec[i], err)
	}
	return t
}

func (r *fieldReader) float(i int, name string) float64 {
	if r.err != nil {
		return 0
	}
	v, err := ParseFloat(r.rec[i])
	if err != nil {
		r.err = fmt.Errorf("%w: %s %q: %v", exception.ErrCorruptRecord, name, r.rec[i], err)
	}
	return v
}

func checkWidth(rec []string, want int, kind schema.EventKind) error {
	if len(rec) != want {
		return fmt.Errorf("%w: %s record has %d columns, want %d", exception.ErrCorruptRecord, kind, len(rec), want)
	}
	return nil
}
