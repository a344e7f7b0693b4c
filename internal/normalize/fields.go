package normalize

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"tradelog/internal/schema"
	"tradelog/pkg/exception"
)

// payload carries one parse. The first extraction error sticks in err and
// later extractions become no-ops.
type payload struct {
	venue schema.Venue
	in    Input
	root  gjson.Result
	err   error
}

func (p *payload) fail(format string, args ...any) {
	if p.err == nil {
		p.err = fmt.Errorf("%w: %s: %s", exception.ErrMalformedPayload, p.venue.Name, fmt.Sprintf(format, args...))
	}
}

func (p *payload) str(r gjson.Result, name string) string {
	if p.err != nil {
		return ""
	}
	if !r.Exists() || r.Type == gjson.Null {
		p.fail("missing %s", name)
		return ""
	}
	s := strings.TrimSpace(r.String())
	if s == "" {
		p.fail("empty %s", name)
	}
	return s
}

func (p *payload) optStr(r gjson.Result) string {
	if !r.Exists() || r.Type == gjson.Null {
		return ""
	}
	return strings.TrimSpace(r.String())
}

// num accepts json numbers and numeric strings, as venues send both.
func (p *payload) num(r gjson.Result, name string) float64 {
	if p.err != nil {
		return 0
	}
	switch r.Type {
	case gjson.Number:
		v, err := strconv.ParseFloat(r.Raw, 64)
		if err != nil {
			p.fail("%s %q: %v", name, r.Raw, err)
		}
		return v
	case gjson.String:
		v, err := strconv.ParseFloat(strings.TrimSpace(r.Str), 64)
		if err != nil {
			p.fail("%s %q is not a number", name, r.Str)
			return 0
		}
		return v
	default:
		if !r.Exists() {
			p.fail("missing %s", name)
		} else {
			p.fail("%s has type %s", name, r.Type)
		}
		return 0
	}
}

func (p *payload) optNum(r gjson.Result, name string) float64 {
	if !r.Exists() || r.Type == gjson.Null {
		return 0
	}
	return p.num(r, name)
}

func (p *payload) side(r gjson.Result, name string) schema.Side {
	s := p.str(r, name)
	if p.err != nil {
		return 0
	}
	side, err := schema.ParseSide(s)
	if err != nil {
		p.fail("%s: %v", name, err)
	}
	return side
}

func (p *payload) timeframe(r gjson.Result, name string) schema.Timeframe {
	s := p.optStr(r)
	if s == "" {
		s = string(p.in.Timeframe)
	}
	if s == "" {
		p.fail("missing %s", name)
		return ""
	}
	tf, err := schema.ParseTimeframe(s)
	if err != nil {
		p.fail("%s: %v", name, err)
	}
	return tf
}

// symbol prefers the payload's own symbol and falls back to the hint.
func (p *payload) symbol(r gjson.Result, name string) string {
	if s := p.optStr(r); s != "" {
		return s
	}
	if p.in.Symbol != "" {
		return p.in.Symbol
	}
	p.fail("missing %s", name)
	return ""
}

func (p *payload) integer(r gjson.Result, name string) int64 {
	if p.err != nil {
		return 0
	}
	var raw string
	switch r.Type {
	case gjson.Number:
		raw = r.Raw
	case gjson.String:
		raw = strings.TrimSpace(r.Str)
	default:
		p.fail("missing %s", name)
		return 0
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		p.fail("%s %q is not an integer", name, raw)
	}
	return v
}

func (p *payload) epochMillis(r gjson.Result, name string) time.Time {
	ms := p.integer(r, name)
	if p.err != nil {
		return time.Time{}
	}
	if ms <= 0 {
		p.fail("%s %d is not a valid epoch", name, ms)
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// epochSeconds accepts fractional seconds and keeps microsecond precision.
func (p *payload) epochSeconds(r gjson.Result, name string) time.Time {
	v := p.num(r, name)
	if p.err != nil {
		return time.Time{}
	}
	if v <= 0 || !finite(v) {
		p.fail("%s %v is not a valid epoch", name, v)
		return time.Time{}
	}
	sec, frac := math.Modf(v)
	micros := int64(math.Round(frac * 1e6))
	return time.Unix(int64(sec), micros*int64(time.Microsecond)).UTC()
}

var zonedLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05-0700",
	"2006-01-02 15:04:05-07:00",
	"2006-01-02 15:04:05-0700",
}

var localLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
}

// clock parses a textual timestamp. Zoned strings keep their own offset;
// zone-less strings are read in the venue's declared offset.
func (p *payload) clock(r gjson.Result, name string) time.Time {
	s := p.str(r, name)
	if p.err != nil {
		return time.Time{}
	}
	for _, layout := range zonedLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	loc := p.venue.Location()
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t.UTC()
		}
	}
	p.fail("%s %q is not a recognised timestamp", name, s)
	return time.Time{}
}

// first returns the first present field among paths.
func first(r gjson.Result, paths ...string) gjson.Result {
	for _, path := range paths {
		if v := r.Get(path); v.Exists() && v.Type != gjson.Null {
			return v
		}
	}
	return gjson.Result{}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// taggedOrderID resolves the canonical order id. Orders placed through the
// gateway carry "<alpha>:<id>" in the venue's free-text tag field, or in the
// OrderRef hint when the report has no tag, and are keyed by it; anything
// else is keyed by the venue order id with the tag as the alpha.
func taggedOrderID(p *payload, root gjson.Result, tagField, idField string) (orderID, alpha string) {
	tag := p.optStr(root.Get(tagField))
	if a := SplitClientOrderID(tag); a != "" {
		return tag, a
	}
	if a := SplitClientOrderID(p.in.OrderRef); a != "" && tag == "" {
		return p.in.OrderRef, a
	}
	return p.str(root.Get(idField), idField), tag
}
