package og

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/yanun0323/logs"

	"tradelog/internal/ingest"
	"tradelog/internal/schema"
	"tradelog/pkg/exception"
)

// Appender durably records an event.
type Appender interface {
	Append(ctx context.Context, e schema.Event) error
}

// Submitter sends an order to a venue.
type Submitter interface {
	SubmitOrder(ctx context.Context, intent ingest.OrderIntent) (string, error)
}

type GatewayConfig struct {
	Exchange string
	Now      func() time.Time
	// NewID returns a client order id for alpha.
	NewID func(alpha string) string
}

// NewOrderID returns "<alpha>:<12 hex>". Short alphas keep the id inside
// venue tag limits, Kite allows 20 characters.
func NewOrderID(alpha string) string {
	if alpha == "" {
		alpha = "gw"
	}
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return alpha + ":" + id[:12]
}

type pendingOrder struct {
	intent ingest.OrderIntent
	order  schema.Order
}

// Gateway submits orders log-then-act: the NEW order is appended and
// applied to the tracker before the venue sees it.
type Gateway struct {
	cfg     GatewayConfig
	venue   Submitter
	log     Appender
	tracker *Tracker

	mu      sync.Mutex
	pending map[string]pendingOrder
	queue   []string
}

func NewGateway(cfg GatewayConfig, venue Submitter, log Appender, tracker *Tracker) (*Gateway, error) {
	if venue == nil || log == nil || tracker == nil {
		return nil, exception.ErrNilInstance
	}
	if cfg.Exchange == "" {
		return nil, fmt.Errorf("%w: gateway without exchange", exception.ErrInvalidArgument)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = NewOrderID
	}
	return &Gateway{
		cfg:     cfg,
		venue:   venue,
		log:     log,
		tracker: tracker,
		pending: make(map[string]pendingOrder),
	}, nil
}

// Submit records and sends intent. The returned order is the logged NEW
// event. Venue rejections are logged as REJECTED and returned wrapped with
// exception.ErrRejectedByVenue; any other venue failure leaves the order
// pending for Reconnect.
func (g *Gateway) Submit(ctx context.Context, intent ingest.OrderIntent) (schema.Order, error) {
	if err := intent.Validate(); err != nil {
		return schema.Order{}, err
	}
	if intent.OrderID == "" {
		intent.OrderID = g.cfg.NewID(intent.Alpha)
	}
	order := schema.Order{
		Timestamp: g.cfg.Now().UTC(),
		OrderID:   intent.OrderID,
		Alpha:     intent.Alpha,
		Side:      intent.Side,
		Qty:       intent.Qty,
		Price:     intent.Price,
		Status:    schema.StatusNew,
		Exchange:  g.cfg.Exchange,
	}
	order.Raw = gatewayRaw("submit", intent, nil)

	if err := g.log.Append(ctx, schema.OrderEvent(order)); err != nil {
		return order, fmt.Errorf("log order %s: %w", order.OrderID, err)
	}
	if _, err := g.tracker.ApplyOrder(order); err != nil {
		return order, err
	}
	return order, g.send(ctx, pendingOrder{intent: intent, order: order})
}

func (g *Gateway) send(ctx context.Context, p pendingOrder) error {
	venueID, err := g.venue.SubmitOrder(ctx, p.intent)
	switch {
	case err == nil:
		g.settle(p.order.OrderID)
		if venueID != "" && venueID != p.order.OrderID {
			logs.Warnf("gateway %s: venue acked %s as %s", g.cfg.Exchange, p.order.OrderID, venueID)
		}
		return nil

	case errors.Is(err, exception.ErrRejectedByVenue):
		g.settle(p.order.OrderID)
		rejected := p.order
		rejected.Status = schema.StatusRejected
		rejected.Timestamp = g.cfg.Now().UTC()
		if rejected.Timestamp.Before(p.order.Timestamp) {
			rejected.Timestamp = p.order.Timestamp
		}
		rejected.Raw = gatewayRaw("reject", p.intent, err)
		if lerr := g.log.Append(context.WithoutCancel(ctx), schema.OrderEvent(rejected)); lerr != nil {
			return errors.Join(err, fmt.Errorf("log rejection of %s: %w", p.order.OrderID, lerr))
		}
		if _, terr := g.tracker.ApplyOrder(rejected); terr != nil {
			return errors.Join(err, terr)
		}
		return err

	default:
		g.hold(p)
		if !errors.Is(err, exception.ErrConnectivity) {
			err = fmt.Errorf("%w: %w", exception.ErrConnectivity, err)
		}
		return err
	}
}

// Reconnect resubmits pending orders in submission order with their
// original ids. It stops at the first order that still cannot be sent.
func (g *Gateway) Reconnect(ctx context.Context) (int, error) {
	g.mu.Lock()
	queue := make([]pendingOrder, 0, len(g.queue))
	for _, id := range g.queue {
		queue = append(queue, g.pending[id])
	}
	g.mu.Unlock()

	sent := 0
	for _, p := range queue {
		err := g.send(ctx, p)
		if err != nil && !errors.Is(err, exception.ErrRejectedByVenue) {
			return sent, err
		}
		sent++
	}
	return sent, nil
}

// Pending lists order ids awaiting resubmission.
func (g *Gateway) Pending() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.queue))
	copy(out, g.queue)
	return out
}

func (g *Gateway) hold(p pendingOrder) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.pending[p.order.OrderID]; !ok {
		g.queue = append(g.queue, p.order.OrderID)
	}
	g.pending[p.order.OrderID] = p
}

func (g *Gateway) settle(orderID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.pending[orderID]; !ok {
		return
	}
	delete(g.pending, orderID)
	for i, id := range g.queue {
		if id == orderID {
			g.queue = append(g.queue[:i], g.queue[i+1:]...)
			break
		}
	}
}

type gatewayRecord struct {
	Source  string  `json:"source"`
	Action  string  `json:"action"`
	OrderID string  `json:"order_id"`
	Alpha   string  `json:"alpha,omitempty"`
	Symbol  string  `json:"symbol"`
	Side    string  `json:"side"`
	Qty     float64 `json:"qty"`
	Price   float64 `json:"price"`
	Error   string  `json:"error,omitempty"`
}

func gatewayRaw(action string, in ingest.OrderIntent, err error) string {
	rec := gatewayRecord{
		Source:  "gateway",
		Action:  action,
		OrderID: in.OrderID,
		Alpha:   in.Alpha,
		Symbol:  in.Symbol,
		Side:    in.Side.String(),
		Qty:     in.Qty,
		Price:   in.Price,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	b, _ := json.Marshal(rec)
	return string(b)
}
