package normalize

import (
	"errors"
	"fmt"

	"github.com/tidwall/gjson"

	"tradelog/internal/schema"
	"tradelog/pkg/exception"
)

// CandlePolicy decides what happens to bars that are still forming.
type CandlePolicy uint8

const (
	// CandleClosedOnly rejects forming bars with ErrFormingCandle.
	CandleClosedOnly CandlePolicy = iota
	// CandleTagForming emits forming bars with Closed=false. The event log
	// still refuses them.
	CandleTagForming
)

// ParseCandlePolicy maps "closed_only" and "tag_forming".
func ParseCandlePolicy(s string) (CandlePolicy, error) {
	switch s {
	case "", "closed_only":
		return CandleClosedOnly, nil
	case "tag_forming":
		return CandleTagForming, nil
	default:
		return 0, fmt.Errorf("unknown candle policy %q", s)
	}
}

// Config tunes the normalizer.
type Config struct {
	CandlePolicy CandlePolicy
}

// Input is a raw venue payload plus the identity hints a data client knows
// but the payload itself may not carry, such as the symbol of a REST kline
// row.
type Input struct {
	Venue     string
	Symbol    string
	Timeframe schema.Timeframe
	OrderRef  string
	Raw       []byte
}

type parser func(p *payload) schema.Event

var profiles = map[string]parser{
	"binance": parseBinance,
	"zerodha": parseZerodha,
	"ibkr":    parseIBKR,
	"paper":   parsePaper,
}

// Normalizer maps raw venue payloads to canonical events. It is a pure
// function of the registry, its config and the input; safe for concurrent
// use.
type Normalizer struct {
	reg *schema.Registry
	cfg Config
}

// NewNormalizer creates a normalizer for a registry.
func NewNormalizer(reg *schema.Registry, cfg Config) *Normalizer {
	return &Normalizer{reg: reg, cfg: cfg}
}

// Normalize converts one raw payload from venue into a canonical event.
func (n *Normalizer) Normalize(venue string, raw []byte) (schema.Event, error) {
	return n.NormalizeInput(Input{Venue: venue, Raw: raw})
}

// NormalizeInput converts one raw payload using the attached hints.
func (n *Normalizer) NormalizeInput(in Input) (schema.Event, error) {
	if n.reg == nil {
		return schema.Event{}, fmt.Errorf("%w: registry is nil", exception.ErrUnknownVenue)
	}
	v, ok := n.reg.Venue(in.Venue)
	if !ok {
		return schema.Event{}, fmt.Errorf("%w: %s", exception.ErrUnknownVenue, in.Venue)
	}
	parse, ok := profiles[v.Profile]
	if !ok {
		return schema.Event{}, fmt.Errorf("%w: %s has no payload profile %q", exception.ErrUnknownVenue, v.Name, v.Profile)
	}
	if !gjson.ValidBytes(in.Raw) {
		return schema.Event{}, fmt.Errorf("%w: %s payload is not valid json", exception.ErrMalformedPayload, v.Name)
	}

	p := &payload{venue: v, in: in, root: gjson.ParseBytes(in.Raw)}
	e := parse(p)
	if p.err != nil {
		return schema.Event{}, p.err
	}
	e = stamp(e, v.Name, string(in.Raw))

	if err := e.ValidateOn(v); err != nil {
		return schema.Event{}, fmt.Errorf("%w: %w", exception.ErrMalformedPayload, err)
	}
	if e.Kind == schema.KindCandle && !e.Candle.Closed && n.cfg.CandlePolicy == CandleClosedOnly {
		return schema.Event{}, fmt.Errorf("%w: %s %s %s", exception.ErrFormingCandle, v.Name, e.Candle.Symbol, e.Candle.Timeframe)
	}
	return e, nil
}

// IsDroppable reports errors that skip a record without stopping the stream.
func IsDroppable(err error) bool {
	return errors.Is(err, exception.ErrMalformedPayload) || errors.Is(err, exception.ErrFormingCandle)
}

func stamp(e schema.Event, exchange, raw string) schema.Event {
	switch e.Kind {
	case schema.KindTick:
		e.Tick.Exchange, e.Tick.Raw = exchange, raw
	case schema.KindCandle:
		e.Candle.Exchange, e.Candle.Raw = exchange, raw
	case schema.KindOrder:
		e.Order.Exchange, e.Order.Raw = exchange, raw
	case schema.KindFill:
		e.Fill.Exchange, e.Fill.Raw = exchange, raw
	}
	return e
}
