package schema

import (
	"fmt"
	"math"
	"time"

	"tradelog/pkg/exception"
)

// Tick is one trade print.
type Tick struct {
	Timestamp time.Time
	Symbol    string
	Price     float64
	Volume    float64
	Exchange  string
	Raw       string
}

// Candle is one OHLCV bar. Closed is false only for bars that are still
// forming; those never reach the event log.
type Candle struct {
	Timestamp time.Time
	Symbol    string
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	Exchange  string
	Timeframe Timeframe
	Closed    bool
	Raw       string
}

// Order is one order lifecycle record. Price zero means a market order.
type Order struct {
	Timestamp time.Time
	OrderID   string
	Alpha     string
	Side      Side
	Qty       float64
	Price     float64
	Status    OrderStatus
	Exchange  string
	Raw       string
}

// Fill is one execution against an order.
type Fill struct {
	Timestamp  time.Time
	FillID     string
	OrderID    string
	Alpha      string
	Symbol     string
	Qty        float64
	Price      float64
	Commission float64
	Exchange   string
	Raw        string
}

func violation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", exception.ErrSchemaViolation, fmt.Sprintf(format, args...))
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func validTimestamp(ts time.Time) error {
	if ts.IsZero() {
		return violation("timestamp is zero")
	}
	if ts.Location() != time.UTC {
		return violation("timestamp %s is not UTC", ts)
	}
	return nil
}

func (t Tick) Validate() error {
	if err := validTimestamp(t.Timestamp); err != nil {
		return err
	}
	if t.Symbol == "" || t.Exchange == "" {
		return violation("tick symbol and exchange are required")
	}
	if !finite(t.Price) || t.Price < 0 {
		return violation("tick price %v must be >= 0", t.Price)
	}
	if !finite(t.Volume) || t.Volume < 0 {
		return violation("tick volume %v must be >= 0", t.Volume)
	}
	return nil
}

func (c Candle) Validate() error {
	if err := validTimestamp(c.Timestamp); err != nil {
		return err
	}
	if c.Symbol == "" || c.Exchange == "" {
		return violation("candle symbol and exchange are required")
	}
	if !c.Timeframe.IsAvailable() {
		return violation("candle timeframe %q unsupported", c.Timeframe)
	}
	if !c.Timestamp.Truncate(time.Minute).Equal(c.Timestamp) {
		return violation("candle timestamp %s not on a whole minute", c.Timestamp.Format(time.RFC3339))
	}
	for _, v := range []float64{c.Open, c.High, c.Low, c.Close, c.Volume} {
		if !finite(v) || v < 0 {
			return violation("candle field %v must be finite and >= 0", v)
		}
	}
	if c.Low > c.High {
		return violation("candle low %v above high %v", c.Low, c.High)
	}
	if c.Open < c.Low || c.Open > c.High || c.Close < c.Low || c.Close > c.High {
		return violation("candle open/close outside [%v, %v]", c.Low, c.High)
	}
	return nil
}

// ValidateOn checks the candle and its alignment to the venue's bar grid.
func (c Candle) ValidateOn(v Venue) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if !v.Aligned(c.Timeframe, c.Timestamp) {
		return violation("candle timestamp %s not aligned to %s on %s", c.Timestamp.Format(time.RFC3339), c.Timeframe, v.Name)
	}
	return nil
}

func (o Order) Validate() error {
	if err := validTimestamp(o.Timestamp); err != nil {
		return err
	}
	if o.OrderID == "" || o.Exchange == "" {
		return violation("order id and exchange are required")
	}
	if !o.Side.IsAvailable() {
		return violation("order %s has no side", o.OrderID)
	}
	if !o.Status.IsAvailable() {
		return violation("order %s has no status", o.OrderID)
	}
	if !finite(o.Qty) || o.Qty <= 0 {
		return violation("order %s qty %v must be > 0", o.OrderID, o.Qty)
	}
	if !finite(o.Price) || o.Price < 0 {
		return violation("order %s price %v must be >= 0", o.OrderID, o.Price)
	}
	return nil
}

func (f Fill) Validate() error {
	if err := validTimestamp(f.Timestamp); err != nil {
		return err
	}
	if f.FillID == "" || f.OrderID == "" || f.Exchange == "" {
		return violation("fill id, order id and exchange are required")
	}
	if f.Symbol == "" {
		return violation("fill %s has no symbol", f.FillID)
	}
	if !finite(f.Qty) || f.Qty <= 0 {
		return violation("fill %s qty %v must be > 0", f.FillID, f.Qty)
	}
	if !finite(f.Price) || f.Price < 0 {
		return violation("fill %s price %v must be >= 0", f.FillID, f.Price)
	}
	if !finite(f.Commission) || f.Commission < 0 {
		return violation("fill %s commission %v must be >= 0", f.FillID, f.Commission)
	}
	return nil
}

func (t Tick) Equal(o Tick) bool {
	return t.Timestamp.Equal(o.Timestamp) &&
		t.Symbol == o.Symbol &&
		t.Price == o.Price &&
		t.Volume == o.Volume &&
		t.Exchange == o.Exchange &&
		t.Raw == o.Raw
}

func (c Candle) Equal(o Candle) bool {
	return c.Timestamp.Equal(o.Timestamp) &&
		c.Symbol == o.Symbol &&
		c.Open == o.Open &&
		c.High == o.High &&
		c.Low == o.Low &&
		c.Close == o.Close &&
		c.Volume == o.Volume &&
		c.Exchange == o.Exchange &&
		c.Timeframe == o.Timeframe &&
		c.Closed == o.Closed &&
		c.Raw == o.Raw
}

func (o Order) Equal(p Order) bool {
	return o.Timestamp.Equal(p.Timestamp) &&
		o.OrderID == p.OrderID &&
		o.Alpha == p.Alpha &&
		o.Side == p.Side &&
		o.Qty == p.Qty &&
		o.Price == p.Price &&
		o.Status == p.Status &&
		o.Exchange == p.Exchange &&
		o.Raw == p.Raw
}

func (f Fill) Equal(o Fill) bool {
	return f.Timestamp.Equal(o.Timestamp) &&
		f.FillID == o.FillID &&
		f.OrderID == o.OrderID &&
		f.Alpha == o.Alpha &&
		f.Symbol == o.Symbol &&
		f.Qty == o.Qty &&
		f.Price == o.Price &&
		f.Commission == o.Commission &&
		f.Exchange == o.Exchange &&
		f.Raw == o.Raw
}
