package schema

import (
	"fmt"
	"strings"
	"time"
)

// Side is the direction of an order.
type Side uint8

const (
	_sideBeg Side = iota
	SideBuy
	SideSell
	_sideEnd
)

func (s Side) IsAvailable() bool {
	return s > _sideBeg && s < _sideEnd
}

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "BUY"
	case SideSell:
		return "SELL"
	default:
		return ""
	}
}

// ParseSide accepts BUY/SELL in any case.
func ParseSide(s string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY", "B", "BID":
		return SideBuy, nil
	case "SELL", "S", "ASK", "SLD":
		return SideSell, nil
	default:
		return 0, fmt.Errorf("unknown side %q", s)
	}
}

// OrderStatus is the lifecycle state of an order.
type OrderStatus uint8

const (
	_statusBeg OrderStatus = iota
	StatusNew
	StatusPartiallyFilled
	StatusFilled
	StatusCanceled
	StatusRejected
	_statusEnd
)

func (s OrderStatus) IsAvailable() bool {
	return s > _statusBeg && s < _statusEnd
}

// IsTerminal reports whether no further transitions are accepted.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected:
		return true
	default:
		return false
	}
}

func (s OrderStatus) String() string {
	switch s {
	case StatusNew:
		return "NEW"
	case StatusPartiallyFilled:
		return "PARTIALLY_FILLED"
	case StatusFilled:
		return "FILLED"
	case StatusCanceled:
		return "CANCELED"
	case StatusRejected:
		return "REJECTED"
	default:
		return ""
	}
}

// ParseOrderStatus parses the canonical status names.
func ParseOrderStatus(s string) (OrderStatus, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "NEW":
		return StatusNew, nil
	case "PARTIALLY_FILLED":
		return StatusPartiallyFilled, nil
	case "FILLED":
		return StatusFilled, nil
	case "CANCELED", "CANCELLED":
		return StatusCanceled, nil
	case "REJECTED":
		return StatusRejected, nil
	default:
		return 0, fmt.Errorf("unknown order status %q", s)
	}
}

// Timeframe is a candle bar width such as "1m" or "1h".
type Timeframe string

const (
	TF1m  Timeframe = "1m"
	TF3m  Timeframe = "3m"
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF30m Timeframe = "30m"
	TF1h  Timeframe = "1h"
	TF2h  Timeframe = "2h"
	TF4h  Timeframe = "4h"
	TF1d  Timeframe = "1d"
)

var timeframes = map[Timeframe]time.Duration{
	TF1m:  time.Minute,
	TF3m:  3 * time.Minute,
	TF5m:  5 * time.Minute,
	TF15m: 15 * time.Minute,
	TF30m: 30 * time.Minute,
	TF1h:  time.Hour,
	TF2h:  2 * time.Hour,
	TF4h:  4 * time.Hour,
	TF1d:  24 * time.Hour,
}

func (tf Timeframe) IsAvailable() bool {
	_, ok := timeframes[tf]
	return ok
}

// Duration returns the bar width, zero when unsupported.
func (tf Timeframe) Duration() time.Duration {
	return timeframes[tf]
}

// Bucket returns the start of the bar containing t on the UTC grid.
func (tf Timeframe) Bucket(t time.Time) time.Time {
	return Venue{}.Bucket(tf, t)
}

// Aligned reports whether t is a bar boundary on the UTC grid.
func (tf Timeframe) Aligned(t time.Time) bool {
	return Venue{}.Aligned(tf, t)
}

// ParseTimeframe validates a timeframe string.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(strings.TrimSpace(s))
	if !tf.IsAvailable() {
		return "", fmt.Errorf("unsupported timeframe %q", s)
	}
	return tf, nil
}
