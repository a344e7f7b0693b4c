package schema

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SchemaVersion is the current canonical event schema version.
const SchemaVersion uint16 = 1

// EventKind defines the category of a canonical event.
type EventKind uint8

const (
	_kindBeg EventKind = iota
	KindTick
	KindCandle
	KindOrder
	KindFill
	_kindEnd
)

// IsAvailable reports whether the kind is one of the four canonical kinds.
func (k EventKind) IsAvailable() bool {
	return k > _kindBeg && k < _kindEnd
}

func (k EventKind) String() string {
	switch k {
	case KindTick:
		return "tick"
	case KindCandle:
		return "candle"
	case KindOrder:
		return "order"
	case KindFill:
		return "fill"
	default:
		return "unknown"
	}
}

// ParseEventKind parses the lowercase name of a kind.
func ParseEventKind(s string) (EventKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "tick", "ticks":
		return KindTick, nil
	case "candle", "candles":
		return KindCandle, nil
	case "order", "orders":
		return KindOrder, nil
	case "fill", "fills":
		return KindFill, nil
	default:
		return 0, fmt.Errorf("unknown event kind %q", s)
	}
}

// Event is the tagged variant over the four canonical kinds. Only the field
// matching Kind is meaningful.
type Event struct {
	Kind   EventKind
	Tick   Tick
	Candle Candle
	Order  Order
	Fill   Fill
}

func TickEvent(t Tick) Event     { return Event{Kind: KindTick, Tick: t} }
func CandleEvent(c Candle) Event { return Event{Kind: KindCandle, Candle: c} }
func OrderEvent(o Order) Event   { return Event{Kind: KindOrder, Order: o} }
func FillEvent(f Fill) Event     { return Event{Kind: KindFill, Fill: f} }

// Timestamp returns the event time in UTC.
func (e Event) Timestamp() time.Time {
	switch e.Kind {
	case KindTick:
		return e.Tick.Timestamp
	case KindCandle:
		return e.Candle.Timestamp
	case KindOrder:
		return e.Order.Timestamp
	case KindFill:
		return e.Fill.Timestamp
	default:
		return time.Time{}
	}
}

// Exchange returns the venue the event originated from.
func (e Event) Exchange() string {
	switch e.Kind {
	case KindTick:
		return e.Tick.Exchange
	case KindCandle:
		return e.Candle.Exchange
	case KindOrder:
		return e.Order.Exchange
	case KindFill:
		return e.Fill.Exchange
	default:
		return ""
	}
}

// Symbol returns the instrument. Orders carry no symbol.
func (e Event) Symbol() string {
	switch e.Kind {
	case KindTick:
		return e.Tick.Symbol
	case KindCandle:
		return e.Candle.Symbol
	case KindFill:
		return e.Fill.Symbol
	default:
		return ""
	}
}

// Raw returns the original venue payload.
func (e Event) Raw() string {
	switch e.Kind {
	case KindTick:
		return e.Tick.Raw
	case KindCandle:
		return e.Candle.Raw
	case KindOrder:
		return e.Order.Raw
	case KindFill:
		return e.Fill.Raw
	default:
		return ""
	}
}

// Validate checks the data-model invariants of the active payload.
func (e Event) Validate() error {
	switch e.Kind {
	case KindTick:
		return e.Tick.Validate()
	case KindCandle:
		return e.Candle.Validate()
	case KindOrder:
		return e.Order.Validate()
	case KindFill:
		return e.Fill.Validate()
	default:
		return violation("unknown event kind %d", e.Kind)
	}
}

// ValidateOn is Validate with candles also checked against the venue's bar
// grid.
func (e Event) ValidateOn(v Venue) error {
	if e.Kind == KindCandle {
		return e.Candle.ValidateOn(v)
	}
	return e.Validate()
}

// Equal reports whether both events carry identical content.
func (e Event) Equal(o Event) bool {
	if e.Kind != o.Kind {
		return false
	}
	switch e.Kind {
	case KindTick:
		return e.Tick.Equal(o.Tick)
	case KindCandle:
		return e.Candle.Equal(o.Candle)
	case KindOrder:
		return e.Order.Equal(o.Order)
	case KindFill:
		return e.Fill.Equal(o.Fill)
	default:
		return true
	}
}

// Key returns the log the event belongs to.
func (e Event) Key() LogKey {
	switch e.Kind {
	case KindTick, KindCandle:
		return LogKey{Exchange: e.Exchange(), Symbol: e.Symbol(), Kind: e.Kind}
	default:
		return LogKey{Kind: e.Kind}
	}
}

func (e Event) String() string {
	return fmt.Sprintf("%s %s %s %s", e.Kind, e.Exchange(), e.Symbol(), e.Timestamp().Format(time.RFC3339Nano))
}

// LogKey identifies one append-only log. Orders and fills share a single log
// per kind, so Exchange and Symbol are empty for them.
type LogKey struct {
	Exchange string
	Symbol   string
	Kind     EventKind
}

func (k LogKey) String() string {
	switch k.Kind {
	case KindTick:
		return fileToken(k.Exchange) + "_" + fileToken(k.Symbol) + "_ticks"
	case KindCandle:
		return fileToken(k.Exchange) + "_" + fileToken(k.Symbol) + "_candles"
	case KindOrder:
		return "orders"
	case KindFill:
		return "fills"
	default:
		return "unknown"
	}
}

// FileName returns the csv file name for the log.
func (k LogKey) FileName() string {
	return k.String() + ".csv"
}

// fileToken percent-encodes every byte outside [A-Za-z0-9.-], so distinct
// names never share a file and the token parses back.
func fileToken(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if c := s[i]; plainFileByte(c) {
			b.WriteByte(c)
		} else {
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

func plainFileByte(c byte) bool {
	return 'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z' || '0' <= c && c <= '9' || c == '.' || c == '-'
}

// ParseFileToken reverses the escaping LogKey applies to exchange and
// symbol names. Only the exact encoding LogKey produces is accepted.
func ParseFileToken(tok string) (string, bool) {
	var b strings.Builder
	for i := 0; i < len(tok); i++ {
		c := tok[i]
		if c != '%' {
			if !plainFileByte(c) {
				return "", false
			}
			b.WriteByte(c)
			continue
		}
		if i+2 >= len(tok) {
			return "", false
		}
		v, err := strconv.ParseUint(tok[i+1:i+3], 16, 8)
		if err != nil {
			return "", false
		}
		b.WriteByte(byte(v))
		i += 2
	}
	out := b.String()
	if fileToken(out) != tok {
		return "", false
	}
	return out, true
}
