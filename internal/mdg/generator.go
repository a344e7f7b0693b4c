package mdg

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"tradelog/internal/schema"
)

// Config controls synthetic market data.
type Config struct {
	Seed    int64
	Symbols []string
	// Start is the event time of the first tick.
	Start time.Time
	// Step is the event-time spacing between ticks of one symbol.
	Step      time.Duration
	BasePrice float64
	BaseSize  float64
	// Volatility is the per-step move in basis points.
	Volatility float64
}

func (c Config) withDefaults() Config {
	if c.Seed == 0 {
		c.Seed = 1
	}
	if c.Start.IsZero() {
		c.Start = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	}
	if c.Step <= 0 {
		c.Step = 250 * time.Millisecond
	}
	if c.BasePrice <= 0 {
		c.BasePrice = 100
	}
	if c.BaseSize <= 0 {
		c.BaseSize = 1
	}
	if c.Volatility <= 0 {
		c.Volatility = 5
	}
	return c
}

// Quote is one synthetic trade print.
type Quote struct {
	Symbol string
	Time   time.Time
	Price  float64
	Size   float64
}

// Bar is one synthetic closed bar.
type Bar struct {
	Symbol    string
	Time      time.Time
	Timeframe schema.Timeframe
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

type walk struct {
	price   float64
	tickAt  time.Time
	barAt   map[schema.Timeframe]time.Time
	started bool
}

// Generator creates seeded random-walk market data. The same seed and call
// sequence always yield the same data.
type Generator struct {
	cfg   Config
	mu    sync.Mutex
	rng   *rand.Rand
	walks map[string]*walk
}

// NewGenerator creates a generator for the configured symbols.
func NewGenerator(cfg Config) (*Generator, error) {
	if len(cfg.Symbols) == 0 {
		return nil, fmt.Errorf("generator has no symbols")
	}
	cfg = cfg.withDefaults()
	g := &Generator{
		cfg:   cfg,
		rng:   rand.New(rand.NewSource(cfg.Seed)),
		walks: make(map[string]*walk, len(cfg.Symbols)),
	}
	for i, s := range cfg.Symbols {
		g.walks[s] = &walk{
			price:  roundCents(cfg.BasePrice * (1 + float64(i)/10)),
			tickAt: cfg.Start,
			barAt:  make(map[schema.Timeframe]time.Time),
		}
	}
	return g, nil
}

func (g *Generator) walk(symbol string) (*walk, error) {
	w, ok := g.walks[symbol]
	if !ok {
		return nil, fmt.Errorf("generator has no symbol %q", symbol)
	}
	return w, nil
}

func (g *Generator) move(price float64) float64 {
	bps := g.rng.NormFloat64() * g.cfg.Volatility
	next := roundCents(price * (1 + bps/1e4))
	if next < 0.01 {
		next = 0.01
	}
	return next
}

// NextTick advances symbol by one step.
func (g *Generator) NextTick(symbol string) (Quote, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	w, err := g.walk(symbol)
	if err != nil {
		return Quote{}, err
	}
	if w.started {
		w.tickAt = w.tickAt.Add(g.cfg.Step)
		w.price = g.move(w.price)
	}
	w.started = true
	size := roundLots(g.cfg.BaseSize * (0.5 + g.rng.Float64()))
	return Quote{Symbol: symbol, Time: w.tickAt, Price: w.price, Size: size}, nil
}

// NextBar returns the next closed bar of symbol at timeframe tf.
func (g *Generator) NextBar(symbol string, tf schema.Timeframe) (Bar, error) {
	if !tf.IsAvailable() {
		return Bar{}, fmt.Errorf("unsupported timeframe %q", tf)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	w, err := g.walk(symbol)
	if err != nil {
		return Bar{}, err
	}
	at, ok := w.barAt[tf]
	if !ok {
		at = tf.Bucket(g.cfg.Start)
	} else {
		at = at.Add(tf.Duration())
	}
	w.barAt[tf] = at

	open := w.price
	high, low, price := open, open, open
	for i := 0; i < 4; i++ {
		price = g.move(price)
		high = math.Max(high, price)
		low = math.Min(low, price)
	}
	w.price = price
	return Bar{
		Symbol:    symbol,
		Time:      at,
		Timeframe: tf,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     price,
		Volume:    roundLots(g.cfg.BaseSize * 4 * (0.5 + g.rng.Float64())),
	}, nil
}

// Last returns the latest price of symbol.
func (g *Generator) Last(symbol string) (float64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	w, ok := g.walks[symbol]
	if !ok {
		return 0, false
	}
	return w.price, true
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}

func roundLots(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}

type tickPayload struct {
	Type   string  `json:"type"`
	Symbol string  `json:"symbol"`
	TS     string  `json:"ts"`
	Price  float64 `json:"price"`
	Volume float64 `json:"volume"`
}

type barPayload struct {
	Type   string  `json:"type"`
	Symbol string  `json:"symbol"`
	TS     string  `json:"ts"`
	TF     string  `json:"tf"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
	Closed bool    `json:"closed"`
}

// JSON renders the quote as a paper venue payload.
func (q Quote) JSON() []byte {
	b, _ := json.Marshal(tickPayload{
		Type:   "tick",
		Symbol: q.Symbol,
		TS:     q.Time.UTC().Format(time.RFC3339Nano),
		Price:  q.Price,
		Volume: q.Size,
	})
	return b
}

// JSON renders the bar as a paper venue payload.
func (b Bar) JSON() []byte {
	out, _ := json.Marshal(barPayload{
		Type:   "bar",
		Symbol: b.Symbol,
		TS:     b.Time.UTC().Format(time.RFC3339Nano),
		TF:     string(b.Timeframe),
		Open:   b.Open,
		High:   b.High,
		Low:    b.Low,
		Close:  b.Close,
		Volume: b.Volume,
		Closed: true,
	})
	return out
}
