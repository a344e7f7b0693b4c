package paper

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"tradelog/internal/chaos"
	"tradelog/internal/ingest"
	"tradelog/internal/mdg"
	"tradelog/internal/schema"
	"tradelog/pkg/exception"
)

const (
	defaultFillParts = 2
	defaultBuffer    = 256
)

// Config controls the simulated venue.
type Config struct {
	Name      string
	Generator mdg.Config
	// Ticks and Bars bound each stream; zero streams forever.
	Ticks int
	Bars  int
	// Pace is the wall-clock gap between payloads.
	Pace          time.Duration
	FillParts     int
	SlippageBps   float64
	CommissionBps float64
	// MaxQty rejects larger orders; zero accepts any size.
	MaxQty float64
	Chaos  chaos.Config
	Now    func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "paper"
	}
	if c.FillParts <= 0 {
		c.FillParts = defaultFillParts
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Venue is an in-process exchange driven by the synthetic generator.
// Accepted orders are acknowledged and filled in FillParts slices against
// the generator's last price.
type Venue struct {
	cfg   Config
	gen   *mdg.Generator
	execs chan ingest.RawPayload
	down  atomic.Bool
	seq   atomic.Uint64

	mu     sync.Mutex
	orders map[string]bool
}

var (
	_ ingest.Client            = (*Venue)(nil)
	_ ingest.ExecutionReporter = (*Venue)(nil)
)

func New(cfg Config) (*Venue, error) {
	cfg = cfg.withDefaults()
	if cfg.Chaos.Enabled() {
		if _, err := chaos.NewEngine(cfg.Chaos); err != nil {
			return nil, err
		}
	}
	gen, err := mdg.NewGenerator(cfg.Generator)
	if err != nil {
		return nil, err
	}
	return &Venue{
		cfg:    cfg,
		gen:    gen,
		execs:  make(chan ingest.RawPayload, 4096),
		orders: make(map[string]bool),
	}, nil
}

// SetDown simulates losing or regaining the venue connection.
func (v *Venue) SetDown(down bool) {
	v.down.Store(down)
}

func (v *Venue) FetchRawTicks(ctx context.Context, symbol string) (ingest.RawStream, error) {
	if _, ok := v.gen.Last(symbol); !ok {
		return nil, fmt.Errorf("%w: %s has no symbol %s", exception.ErrInvalidArgument, v.cfg.Name, symbol)
	}
	s := ingest.Pump(ctx, defaultBuffer, func(ctx context.Context, emit func(ingest.RawPayload) bool) error {
		for i := 0; v.cfg.Ticks == 0 || i < v.cfg.Ticks; i++ {
			q, err := v.gen.NextTick(symbol)
			if err != nil {
				return err
			}
			if !emit(v.payload(symbol, "", q.JSON())) {
				return ctx.Err()
			}
			if err := v.pace(ctx); err != nil {
				return err
			}
		}
		return nil
	})
	return v.withChaos(s)
}

func (v *Venue) FetchRawCandles(ctx context.Context, symbol string, tf schema.Timeframe) (ingest.RawStream, error) {
	if _, ok := v.gen.Last(symbol); !ok {
		return nil, fmt.Errorf("%w: %s has no symbol %s", exception.ErrInvalidArgument, v.cfg.Name, symbol)
	}
	if !tf.IsAvailable() {
		return nil, fmt.Errorf("%w: %s", exception.ErrUnsupportedTimeframe, tf)
	}
	s := ingest.Pump(ctx, defaultBuffer, func(ctx context.Context, emit func(ingest.RawPayload) bool) error {
		for i := 0; v.cfg.Bars == 0 || i < v.cfg.Bars; i++ {
			bar, err := v.gen.NextBar(symbol, tf)
			if err != nil {
				return err
			}
			if !emit(v.payload(symbol, tf, bar.JSON())) {
				return ctx.Err()
			}
			if err := v.pace(ctx); err != nil {
				return err
			}
		}
		return nil
	})
	return v.withChaos(s)
}

// FetchRawExecutions streams order acknowledgements and fills. The venue
// has one execution queue; concurrent readers split it.
func (v *Venue) FetchRawExecutions(ctx context.Context) (ingest.RawStream, error) {
	s := ingest.Pump(ctx, 0, func(ctx context.Context, emit func(ingest.RawPayload) bool) error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case p := <-v.execs:
				if !emit(p) {
					return ctx.Err()
				}
			}
		}
	})
	return v.withChaos(s)
}

// SubmitOrder accepts the order, queues its acknowledgement and fills at the
// last generated price, and returns the client order id. Resubmitting an
// accepted id is acknowledged without new fills.
func (v *Venue) SubmitOrder(ctx context.Context, in ingest.OrderIntent) (string, error) {
	if v.down.Load() {
		return "", fmt.Errorf("%w: %s is down", exception.ErrConnectivity, v.cfg.Name)
	}
	if err := in.Validate(); err != nil {
		return "", fmt.Errorf("%w: %w", exception.ErrRejectedByVenue, err)
	}
	ref, ok := v.gen.Last(in.Symbol)
	if !ok {
		return "", fmt.Errorf("%w: unknown symbol %s", exception.ErrRejectedByVenue, in.Symbol)
	}
	if v.cfg.MaxQty > 0 && in.Qty > v.cfg.MaxQty {
		return "", fmt.Errorf("%w: qty %v above limit %v", exception.ErrRejectedByVenue, in.Qty, v.cfg.MaxQty)
	}

	v.mu.Lock()
	if v.orders[in.OrderID] {
		v.mu.Unlock()
		return in.OrderID, nil
	}
	v.orders[in.OrderID] = true
	v.mu.Unlock()

	now := v.cfg.Now().UTC()
	reports := [][]byte{orderReport(in, now)}
	for i, f := range v.fills(in, ref) {
		f.TS = now.Add(time.Duration(i+1) * time.Millisecond).Format(time.RFC3339Nano)
		b, _ := json.Marshal(f)
		reports = append(reports, b)
	}
	for _, r := range reports {
		select {
		case v.execs <- v.payload(in.Symbol, "", r):
		case <-ctx.Done():
			return in.OrderID, ctx.Err()
		}
	}
	return in.OrderID, nil
}

type fillReport struct {
	Type       string  `json:"type"`
	FillID     string  `json:"fill_id"`
	OrderID    string  `json:"order_id"`
	Alpha      string  `json:"alpha,omitempty"`
	Symbol     string  `json:"symbol"`
	Qty        float64 `json:"qty"`
	Price      float64 `json:"price"`
	Commission float64 `json:"commission"`
	TS         string  `json:"ts"`
}

// fills slices the order into FillParts exact decimal parts.
func (v *Venue) fills(in ingest.OrderIntent, ref float64) []fillReport {
	qty := decimal.NewFromFloat(in.Qty)
	parts := decimal.NewFromInt(int64(v.cfg.FillParts))
	slice := qty.Div(parts).Truncate(8)
	if slice.IsZero() {
		slice, parts = qty, decimal.NewFromInt(1)
	}

	slip := decimal.NewFromFloat(v.cfg.SlippageBps).Div(decimal.NewFromInt(10000))
	price := decimal.NewFromFloat(ref)
	if in.Side == schema.SideBuy {
		price = price.Mul(decimal.NewFromInt(1).Add(slip))
	} else {
		price = price.Mul(decimal.NewFromInt(1).Sub(slip))
	}
	price = price.Round(8)
	bps := decimal.NewFromFloat(v.cfg.CommissionBps).Div(decimal.NewFromInt(10000))

	n := int(parts.IntPart())
	out := make([]fillReport, 0, n)
	remaining := qty
	for i := 0; i < n; i++ {
		q := slice
		if i == n-1 {
			q = remaining
		}
		remaining = remaining.Sub(q)
		out = append(out, fillReport{
			Type:       "fill",
			FillID:     fmt.Sprintf("%s-%06d", v.cfg.Name, v.seq.Add(1)),
			OrderID:    in.OrderID,
			Alpha:      in.Alpha,
			Symbol:     in.Symbol,
			Qty:        q.InexactFloat64(),
			Price:      price.InexactFloat64(),
			Commission: q.Mul(price).Mul(bps).Round(8).InexactFloat64(),
		})
	}
	return out
}

type orderAck struct {
	Type    string  `json:"type"`
	OrderID string  `json:"order_id"`
	Alpha   string  `json:"alpha,omitempty"`
	Side    string  `json:"side"`
	Qty     float64 `json:"qty"`
	Price   float64 `json:"price"`
	Status  string  `json:"status"`
	TS      string  `json:"ts"`
}

func orderReport(in ingest.OrderIntent, now time.Time) []byte {
	b, _ := json.Marshal(orderAck{
		Type:    "order",
		OrderID: in.OrderID,
		Alpha:   in.Alpha,
		Side:    in.Side.String(),
		Qty:     in.Qty,
		Price:   in.Price,
		Status:  schema.StatusNew.String(),
		TS:      now.Format(time.RFC3339Nano),
	})
	return b
}

func (v *Venue) payload(symbol string, tf schema.Timeframe, data []byte) ingest.RawPayload {
	return ingest.RawPayload{
		Venue:     v.cfg.Name,
		Symbol:    symbol,
		Timeframe: tf,
		Data:      data,
		Received:  v.cfg.Now().UTC(),
	}
}

func (v *Venue) pace(ctx context.Context) error {
	if v.cfg.Pace <= 0 {
		return nil
	}
	t := time.NewTimer(v.cfg.Pace)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (v *Venue) withChaos(s ingest.RawStream) (ingest.RawStream, error) {
	if !v.cfg.Chaos.Enabled() {
		return s, nil
	}
	e, err := chaos.NewEngine(v.cfg.Chaos)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return chaos.Wrap(s, e), nil
}
