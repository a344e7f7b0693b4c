package ibkr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"tradelog/internal/ingest"
	"tradelog/internal/schema"
	"tradelog/pkg/backoff"
	"tradelog/pkg/exception"
	"tradelog/pkg/websocket"
)

const (
	defaultStreamURL   = "ws://127.0.0.1:8765/stream"
	defaultOrderURL    = "http://127.0.0.1:8765"
	defaultHTTPTimeout = 5 * time.Second
)

// Config points at a local TWS bridge: one websocket for subscriptions and
// an HTTP endpoint for order placement.
type Config struct {
	Name        string
	StreamURL   string
	OrderURL    string
	Account     string
	HTTPTimeout time.Duration
	Backoff     backoff.Backoff
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "ibkr"
	}
	if c.StreamURL == "" {
		c.StreamURL = defaultStreamURL
	}
	if c.OrderURL == "" {
		c.OrderURL = defaultOrderURL
	}
	c.OrderURL = strings.TrimRight(c.OrderURL, "/")
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = defaultHTTPTimeout
	}
	return c
}

type Client struct {
	cfg  Config
	http *http.Client
}

var (
	_ ingest.Client            = (*Client)(nil)
	_ ingest.ExecutionReporter = (*Client)(nil)
)

func New(cfg Config) *Client {
	cfg = cfg.withDefaults()
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.HTTPTimeout}}
}

type subscription struct {
	Op      string `json:"op"`
	Channel string `json:"channel"`
	Symbol  string `json:"symbol,omitempty"`
	BarSize string `json:"bar_size,omitempty"`
}

func (c *Client) FetchRawTicks(ctx context.Context, symbol string) (ingest.RawStream, error) {
	if symbol == "" {
		return nil, fmt.Errorf("%w: empty symbol", exception.ErrInvalidArgument)
	}
	symbol = strings.ToUpper(symbol)
	sub := subscription{Op: "subscribe", Channel: "ticks", Symbol: symbol}
	return c.subscribe(ctx, sub, symbol, "", func(kind string) bool { return kind == "" || kind == "tick" })
}

func (c *Client) FetchRawCandles(ctx context.Context, symbol string, tf schema.Timeframe) (ingest.RawStream, error) {
	if symbol == "" {
		return nil, fmt.Errorf("%w: empty symbol", exception.ErrInvalidArgument)
	}
	if !tf.IsAvailable() {
		return nil, fmt.Errorf("%w: %s", exception.ErrUnsupportedTimeframe, tf)
	}
	symbol = strings.ToUpper(symbol)
	sub := subscription{Op: "subscribe", Channel: "bars", Symbol: symbol, BarSize: string(tf)}
	return c.subscribe(ctx, sub, symbol, tf, func(kind string) bool { return kind == "bar" })
}

func (c *Client) FetchRawExecutions(ctx context.Context) (ingest.RawStream, error) {
	sub := subscription{Op: "subscribe", Channel: "executions"}
	return c.subscribe(ctx, sub, "", "", func(kind string) bool { return kind == "order" || kind == "execution" })
}

// subscribe opens a bridge feed, re-sending sub on every connect, and emits
// the frames whose type passes keep. Frames for other symbols are dropped.
func (c *Client) subscribe(ctx context.Context, sub subscription, symbol string, tf schema.Timeframe, keep func(kind string) bool) (ingest.RawStream, error) {
	msg, err := json.Marshal(sub)
	if err != nil {
		return nil, err
	}
	feed, err := websocket.Open(ctx, websocket.Option{
		URL:     c.cfg.StreamURL,
		Backoff: c.cfg.Backoff,
		OnConnect: func(_ context.Context, conn websocket.Conn) error {
			return conn.WriteMessage(int(websocket.MessageText), msg)
		},
	})
	if err != nil {
		return nil, err
	}
	return ingest.Pump(ctx, 256, func(ctx context.Context, emit func(ingest.RawPayload) bool) error {
		defer feed.Close()
		for {
			fr, err := feed.Next(ctx)
			if err != nil {
				return err
			}
			root := gjson.ParseBytes(fr.Data)
			if !keep(strings.ToLower(root.Get("type").String())) {
				continue
			}
			if s := root.Get("symbol").String(); symbol != "" && s != "" && !strings.EqualFold(s, symbol) {
				continue
			}
			if !emit(ingest.RawPayload{
				Venue:     c.cfg.Name,
				Symbol:    symbol,
				Timeframe: tf,
				Data:      fr.Data,
				Received:  fr.Received,
			}) {
				return ctx.Err()
			}
		}
	}), nil
}

type orderRequest struct {
	Account       string  `json:"account,omitempty"`
	Symbol        string  `json:"symbol"`
	Action        string  `json:"action"`
	TotalQuantity float64 `json:"totalQuantity"`
	OrderType     string  `json:"orderType"`
	LmtPrice      float64 `json:"lmtPrice,omitempty"`
	TIF           string  `json:"tif"`
	OrderRef      string  `json:"orderRef"`
}

// SubmitOrder places a DAY order through the bridge with the client order
// id as orderRef and returns that id.
func (c *Client) SubmitOrder(ctx context.Context, in ingest.OrderIntent) (string, error) {
	if err := in.Validate(); err != nil {
		return "", err
	}
	req := orderRequest{
		Account:       c.cfg.Account,
		Symbol:        strings.ToUpper(in.Symbol),
		Action:        in.Side.String(),
		TotalQuantity: in.Qty,
		OrderType:     "MKT",
		TIF:           "DAY",
		OrderRef:      in.OrderID,
	}
	if in.Price > 0 {
		req.OrderType = "LMT"
		req.LmtPrice = in.Price
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	hr, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.OrderURL+"/orders", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: %w", exception.ErrInvalidArgument, err)
	}
	hr.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(hr)
	if err != nil {
		return "", fmt.Errorf("%w: %s place order: %w", exception.ErrConnectivity, c.cfg.Name, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: %s place order: %w", exception.ErrConnectivity, c.cfg.Name, err)
	}
	res := gjson.ParseBytes(raw)
	switch {
	case resp.StatusCode >= 500:
		return "", fmt.Errorf("%w: %s place order: %d %s", exception.ErrConnectivity, c.cfg.Name, resp.StatusCode, res.Get("error").String())
	case resp.StatusCode >= 400:
		return "", fmt.Errorf("%w: %s place order: %s", exception.ErrRejectedByVenue, c.cfg.Name, res.Get("error").String())
	case !res.Get("orderId").Exists():
		return "", fmt.Errorf("%w: %s order response without orderId", exception.ErrConnectivity, c.cfg.Name)
	}
	return in.OrderID, nil
}
