package aggregate

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"tradelog/internal/schema"
	"tradelog/pkg/exception"
)

// Config lists the bar timeframes built from ticks. Registry, when set,
// buckets each venue on its own bar grid; otherwise buckets are UTC.
type Config struct {
	Timeframes []schema.Timeframe
	Registry   *schema.Registry
}

func (c Config) Validate() error {
	if len(c.Timeframes) == 0 {
		return fmt.Errorf("%w: aggregator has no timeframes", exception.ErrInvalidArgument)
	}
	seen := make(map[schema.Timeframe]bool, len(c.Timeframes))
	for _, tf := range c.Timeframes {
		if !tf.IsAvailable() {
			return fmt.Errorf("%w: %s", exception.ErrUnsupportedTimeframe, tf)
		}
		if seen[tf] {
			return fmt.Errorf("%w: timeframe %s listed twice", exception.ErrInvalidArgument, tf)
		}
		seen[tf] = true
	}
	return nil
}

type barKey struct {
	exchange string
	symbol   string
	tf       schema.Timeframe
}

type bar struct {
	candle schema.Candle
	ticks  int
}

// Aggregator folds ticks into OHLCV bars per exchange, symbol and timeframe.
// A bar is emitted closed when a tick lands in a later bucket. Ticks older
// than the open bucket are counted as late and ignored. Safe for concurrent
// use.
type Aggregator struct {
	cfg Config

	mu   sync.Mutex
	bars map[barKey]*bar
	late uint64
}

func NewAggregator(cfg Config) (*Aggregator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Aggregator{cfg: cfg, bars: make(map[barKey]*bar)}, nil
}

// Add folds t into every timeframe and returns the bars it closed, ordered
// by timestamp then timeframe.
func (a *Aggregator) Add(t schema.Tick) []schema.Candle {
	a.mu.Lock()
	defer a.mu.Unlock()

	grid := schema.Venue{Name: t.Exchange}
	if a.cfg.Registry != nil {
		if v, ok := a.cfg.Registry.Venue(t.Exchange); ok {
			grid = v
		}
	}
	var closed []schema.Candle
	for _, tf := range a.cfg.Timeframes {
		key := barKey{exchange: t.Exchange, symbol: t.Symbol, tf: tf}
		start := grid.Bucket(tf, t.Timestamp)
		b, ok := a.bars[key]
		switch {
		case !ok:
			a.bars[key] = open(t, tf, start)
		case start.Before(b.candle.Timestamp):
			a.late++
		case start.After(b.candle.Timestamp):
			closed = append(closed, finish(b))
			a.bars[key] = open(t, tf, start)
		default:
			b.candle.High = max(b.candle.High, t.Price)
			b.candle.Low = min(b.candle.Low, t.Price)
			b.candle.Close = t.Price
			b.candle.Volume += t.Volume
			b.ticks++
		}
	}
	sortCandles(closed)
	return closed
}

// Forming returns the open bar of a series without closing it.
func (a *Aggregator) Forming(exchange, symbol string, tf schema.Timeframe) (schema.Candle, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.bars[barKey{exchange: exchange, symbol: symbol, tf: tf}]
	if !ok {
		return schema.Candle{}, false
	}
	return b.candle, true
}

// Flush closes every open bar, as at the end of a finite stream.
func (a *Aggregator) Flush() []schema.Candle {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]schema.Candle, 0, len(a.bars))
	for key, b := range a.bars {
		out = append(out, finish(b))
		delete(a.bars, key)
	}
	sortCandles(out)
	return out
}

// Late returns the number of ticks ignored for arriving after their bucket
// closed.
func (a *Aggregator) Late() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.late
}

func open(t schema.Tick, tf schema.Timeframe, start time.Time) *bar {
	return &bar{
		candle: schema.Candle{
			Timestamp: start,
			Symbol:    t.Symbol,
			Open:      t.Price,
			High:      t.Price,
			Low:       t.Price,
			Close:     t.Price,
			Volume:    t.Volume,
			Exchange:  t.Exchange,
			Timeframe: tf,
		},
		ticks: 1,
	}
}

type barRaw struct {
	Source    string  `json:"source"`
	Symbol    string  `json:"symbol"`
	Timeframe string  `json:"timeframe"`
	Timestamp string  `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	Ticks     int     `json:"ticks"`
	IsClosed  bool    `json:"is_closed"`
}

func finish(b *bar) schema.Candle {
	c := b.candle
	c.Closed = true
	raw, _ := json.Marshal(barRaw{
		Source:    "aggregate",
		Symbol:    c.Symbol,
		Timeframe: string(c.Timeframe),
		Timestamp: c.Timestamp.UTC().Format(time.RFC3339Nano),
		Open:      c.Open,
		High:      c.High,
		Low:       c.Low,
		Close:     c.Close,
		Volume:    c.Volume,
		Ticks:     b.ticks,
		IsClosed:  true,
	})
	c.Raw = string(raw)
	return c
}

func sortCandles(cs []schema.Candle) {
	sort.Slice(cs, func(i, j int) bool {
		if c := schema.Compare(schema.CandleEvent(cs[i]), schema.CandleEvent(cs[j])); c != 0 {
			return c < 0
		}
		return cs[i].Exchange < cs[j].Exchange
	})
}
