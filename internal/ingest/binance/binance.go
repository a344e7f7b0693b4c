package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	sdk "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/yanun0323/logs"
	"golang.org/x/time/rate"

	"tradelog/internal/ingest"
	"tradelog/internal/schema"
	"tradelog/pkg/backoff"
	"tradelog/pkg/exception"
	"tradelog/pkg/websocket"
)

const (
	defaultWSBaseURL   = "wss://stream.binance.com:9443/ws"
	defaultHTTPTimeout = 10 * time.Second
	defaultRPS         = 10
	maxHistoryLimit    = 1000
	keepaliveInterval  = 30 * time.Minute
)

type Config struct {
	Name        string
	APIKey      string
	SecretKey   string
	RESTBaseURL string
	WSBaseURL   string
	HTTPTimeout time.Duration
	// RequestsPerSecond paces REST calls.
	RequestsPerSecond float64
	// History is the number of closed klines fetched over REST before the
	// live kline stream starts.
	History     int
	HistoryOnly bool
	Backoff     backoff.Backoff
	Now         func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "binance"
	}
	if c.WSBaseURL == "" {
		c.WSBaseURL = defaultWSBaseURL
	}
	c.WSBaseURL = strings.TrimRight(c.WSBaseURL, "/")
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = defaultHTTPTimeout
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = defaultRPS
	}
	if c.History > maxHistoryLimit {
		c.History = maxHistoryLimit
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Client talks to Binance spot: websocket streams for live data, REST for
// history and orders.
type Client struct {
	cfg     Config
	rest    *sdk.Client
	limiter *rate.Limiter
}

var (
	_ ingest.Client            = (*Client)(nil)
	_ ingest.ExecutionReporter = (*Client)(nil)
)

func New(cfg Config) *Client {
	cfg = cfg.withDefaults()
	rest := sdk.NewClient(cfg.APIKey, cfg.SecretKey)
	if cfg.RESTBaseURL != "" {
		rest.BaseURL = strings.TrimRight(cfg.RESTBaseURL, "/")
	}
	rest.HTTPClient = &http.Client{Timeout: cfg.HTTPTimeout}
	return &Client{
		cfg:     cfg,
		rest:    rest,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
	}
}

func streamSymbol(symbol string) string {
	return strings.ToLower(strings.TrimSpace(symbol))
}

func (c *Client) FetchRawTicks(ctx context.Context, symbol string) (ingest.RawStream, error) {
	if symbol == "" {
		return nil, fmt.Errorf("%w: empty symbol", exception.ErrInvalidArgument)
	}
	url := c.cfg.WSBaseURL + "/" + streamSymbol(symbol) + "@trade"
	return c.live(ctx, url, symbol, "", nil)
}

// FetchRawCandles emits History closed REST klines, then, unless
// HistoryOnly, the live kline stream. Rows still forming are withheld.
func (c *Client) FetchRawCandles(ctx context.Context, symbol string, tf schema.Timeframe) (ingest.RawStream, error) {
	if symbol == "" {
		return nil, fmt.Errorf("%w: empty symbol", exception.ErrInvalidArgument)
	}
	if !tf.IsAvailable() {
		return nil, fmt.Errorf("%w: %s", exception.ErrUnsupportedTimeframe, tf)
	}
	var history []ingest.RawPayload
	if c.cfg.History > 0 {
		rows, err := c.klines(ctx, symbol, tf)
		if err != nil {
			return nil, err
		}
		history = rows
	}
	if c.cfg.HistoryOnly {
		return ingest.NewSliceStream(history), nil
	}
	url := c.cfg.WSBaseURL + "/" + streamSymbol(symbol) + "@kline_" + string(tf)
	return c.live(ctx, url, symbol, tf, history)
}

func (c *Client) klines(ctx context.Context, symbol string, tf schema.Timeframe) ([]ingest.RawPayload, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	rows, err := c.rest.NewKlinesService().
		Symbol(strings.ToUpper(symbol)).
		Interval(string(tf)).
		Limit(c.cfg.History).
		Do(ctx)
	if err != nil {
		return nil, c.venueError("klines", err)
	}
	now := c.cfg.Now().UnixMilli()
	received := c.cfg.Now().UTC()
	out := make([]ingest.RawPayload, 0, len(rows))
	for _, k := range rows {
		if k == nil || k.CloseTime >= now {
			continue
		}
		out = append(out, ingest.RawPayload{
			Venue:     c.cfg.Name,
			Symbol:    strings.ToUpper(symbol),
			Timeframe: tf,
			Data:      klineRow(k),
			Received:  received,
		})
	}
	return out, nil
}

// klineRow re-renders an SDK kline as the REST row it was decoded from; the
// numeric strings are carried through unchanged.
func klineRow(k *sdk.Kline) []byte {
	b, _ := json.Marshal([]any{
		k.OpenTime, k.Open, k.High, k.Low, k.Close, k.Volume,
		k.CloseTime, k.QuoteAssetVolume, k.TradeNum,
		k.TakerBuyBaseAssetVolume, k.TakerBuyQuoteAssetVolume, "0",
	})
	return b
}

// live streams websocket frames verbatim after any preloaded payloads.
func (c *Client) live(ctx context.Context, url, symbol string, tf schema.Timeframe, preload []ingest.RawPayload) (ingest.RawStream, error) {
	feed, err := websocket.Open(ctx, websocket.Option{URL: url, Backoff: c.cfg.Backoff})
	if err != nil {
		return nil, err
	}
	return ingest.Pump(ctx, 256, func(ctx context.Context, emit func(ingest.RawPayload) bool) error {
		defer feed.Close()
		for _, p := range preload {
			if !emit(p) {
				return ctx.Err()
			}
		}
		for {
			fr, err := feed.Next(ctx)
			if err != nil {
				return err
			}
			if !emit(ingest.RawPayload{
				Venue:     c.cfg.Name,
				Symbol:    strings.ToUpper(symbol),
				Timeframe: tf,
				Data:      fr.Data,
				Received:  fr.Received,
			}) {
				return ctx.Err()
			}
		}
	}), nil
}

// FetchRawExecutions opens the user data stream. The listen key is kept
// alive for as long as the stream runs.
func (c *Client) FetchRawExecutions(ctx context.Context) (ingest.RawStream, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	key, err := c.rest.NewStartUserStreamService().Do(ctx)
	if err != nil {
		return nil, c.venueError("listen key", err)
	}
	feed, err := websocket.Open(ctx, websocket.Option{URL: c.cfg.WSBaseURL + "/" + key, Backoff: c.cfg.Backoff})
	if err != nil {
		return nil, err
	}
	return ingest.Pump(ctx, 256, func(ctx context.Context, emit func(ingest.RawPayload) bool) error {
		defer feed.Close()
		go c.keepalive(ctx, key)
		for {
			fr, err := feed.Next(ctx)
			if err != nil {
				return err
			}
			if !emit(ingest.RawPayload{Venue: c.cfg.Name, Data: fr.Data, Received: fr.Received}) {
				return ctx.Err()
			}
		}
	}), nil
}

func (c *Client) keepalive(ctx context.Context, key string) {
	t := time.NewTicker(keepaliveInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := c.rest.NewKeepaliveUserStreamService().ListenKey(key).Do(ctx); err != nil {
				logs.Warnf("binance keepalive listen key: %+v", err)
			}
		}
	}
}

// SubmitOrder places a limit GTC order, or a market order when the intent
// has no price. The client order id is the intent's order id.
func (c *Client) SubmitOrder(ctx context.Context, in ingest.OrderIntent) (string, error) {
	if err := in.Validate(); err != nil {
		return "", err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("%w: %w", exception.ErrConnectivity, err)
	}
	side := sdk.SideTypeBuy
	if in.Side == schema.SideSell {
		side = sdk.SideTypeSell
	}
	svc := c.rest.NewCreateOrderService().
		Symbol(strings.ToUpper(in.Symbol)).
		Side(side).
		Quantity(formatNum(in.Qty)).
		NewClientOrderID(in.OrderID)
	if in.Price > 0 {
		svc = svc.Type(sdk.OrderTypeLimit).TimeInForce(sdk.TimeInForceTypeGTC).Price(formatNum(in.Price))
	} else {
		svc = svc.Type(sdk.OrderTypeMarket)
	}
	resp, err := svc.Do(ctx)
	if err != nil {
		return "", c.venueError("create order", err)
	}
	if resp.ClientOrderID != "" {
		return resp.ClientOrderID, nil
	}
	return in.OrderID, nil
}

// venueError separates exchange rejections, which carry an API error code,
// from transport failures.
func (c *Client) venueError(op string, err error) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %s %s: code %d: %s", exception.ErrRejectedByVenue, c.cfg.Name, op, apiErr.Code, apiErr.Message)
	}
	return fmt.Errorf("%w: %s %s: %w", exception.ErrConnectivity, c.cfg.Name, op, err)
}

func formatNum(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
