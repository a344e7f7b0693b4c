package zerodha

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"github.com/yanun0323/logs"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"tradelog/internal/ingest"
	"tradelog/internal/schema"
	"tradelog/pkg/backoff"
	"tradelog/pkg/exception"
	"tradelog/pkg/websocket"
)

const (
	defaultBaseURL      = "https://api.kite.trade"
	defaultWSURL        = "wss://ws.kite.trade"
	defaultHTTPTimeout  = 10 * time.Second
	defaultPollInterval = time.Second
	defaultRPS          = 3
	maxTagLength        = 20
	kiteVersion         = "3"
	kiteTimeLayout      = "2006-01-02 15:04:05"
	kiteRowLayout       = "2006-01-02T15:04:05-0700"
)

var ist = time.FixedZone("IST", 5*3600+1800)

var intervals = map[schema.Timeframe]string{
	schema.TF1m:  "minute",
	schema.TF3m:  "3minute",
	schema.TF5m:  "5minute",
	schema.TF15m: "15minute",
	schema.TF30m: "30minute",
	schema.TF1h:  "60minute",
	schema.TF1d:  "day",
}

type Config struct {
	Name        string
	APIKey      string
	AccessToken string
	BaseURL     string
	WSURL       string
	Exchange    string
	Product     string
	// Instruments maps trading symbols to Kite instrument tokens, needed for
	// historical candles.
	Instruments  map[string]int64
	PollInterval time.Duration
	// RequestsPerSecond paces all REST calls of the client.
	RequestsPerSecond float64
	// Lookback is how far back the first historical candle request reaches.
	Lookback    time.Duration
	HistoryOnly bool
	HTTPTimeout time.Duration
	Backoff     backoff.Backoff
	Now         func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "zerodha"
	}
	if c.BaseURL == "" {
		c.BaseURL = defaultBaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.WSURL == "" {
		c.WSURL = defaultWSURL
	}
	if c.Exchange == "" {
		c.Exchange = "NSE"
	}
	if c.Product == "" {
		c.Product = "MIS"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = defaultRPS
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = defaultHTTPTimeout
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Client talks to Kite Connect. Quotes and candles are polled over REST,
// order updates arrive on the ticker websocket and trades are polled.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter

	mu   sync.Mutex
	refs map[string]string
}

var (
	_ ingest.Client            = (*Client)(nil)
	_ ingest.ExecutionReporter = (*Client)(nil)
)

func New(cfg Config) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.HTTPTimeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		refs:    make(map[string]string),
	}
}

func (c *Client) instrument(symbol string) string {
	return c.cfg.Exchange + ":" + strings.ToUpper(symbol)
}

// FetchRawTicks polls the full quote of symbol. A quote identical to the
// previous poll is not emitted again.
func (c *Client) FetchRawTicks(ctx context.Context, symbol string) (ingest.RawStream, error) {
	if symbol == "" {
		return nil, fmt.Errorf("%w: empty symbol", exception.ErrInvalidArgument)
	}
	symbol = strings.ToUpper(symbol)
	key := c.instrument(symbol)
	q := url.Values{"i": {key}}
	return ingest.Pump(ctx, 64, func(ctx context.Context, emit func(ingest.RawPayload) bool) error {
		var last string
		for {
			body, err := c.call(ctx, http.MethodGet, "/quote?"+q.Encode(), nil)
			if err != nil {
				logs.Warnf("%s quote %s: %+v", c.cfg.Name, key, err)
			} else {
				var quote string
				body.Get("data").ForEach(func(k, v gjson.Result) bool {
					if k.String() == key {
						quote = v.Raw
						return false
					}
					return true
				})
				if quote != "" && quote != last {
					last = quote
					if !emit(ingest.RawPayload{Venue: c.cfg.Name, Symbol: symbol, Data: []byte(quote), Received: c.cfg.Now().UTC()}) {
						return ctx.Err()
					}
				}
			}
			if err := sleep(ctx, c.cfg.PollInterval); err != nil {
				return err
			}
		}
	}), nil
}

// FetchRawCandles emits closed historical rows from Lookback ago, then, unless
// HistoryOnly, keeps polling for rows that close later.
func (c *Client) FetchRawCandles(ctx context.Context, symbol string, tf schema.Timeframe) (ingest.RawStream, error) {
	interval, ok := intervals[tf]
	if !ok {
		return nil, fmt.Errorf("%w: %s has no %s candles", exception.ErrUnsupportedTimeframe, c.cfg.Name, tf)
	}
	symbol = strings.ToUpper(symbol)
	token, ok := c.cfg.Instruments[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: no instrument token for %s", exception.ErrInvalidArgument, symbol)
	}
	path := "/instruments/historical/" + strconv.FormatInt(token, 10) + "/" + interval
	from := c.cfg.Now().Add(-c.cfg.Lookback)

	rows, last, err := c.candles(ctx, path, symbol, tf, from, time.Time{})
	if err != nil {
		return nil, err
	}
	if c.cfg.HistoryOnly {
		return ingest.NewSliceStream(rows), nil
	}
	return ingest.Pump(ctx, 64, func(ctx context.Context, emit func(ingest.RawPayload) bool) error {
		for _, p := range rows {
			if !emit(p) {
				return ctx.Err()
			}
		}
		for {
			if err := sleep(ctx, c.cfg.PollInterval); err != nil {
				return err
			}
			since := from
			if !last.IsZero() {
				since = last
			}
			next, newest, err := c.candles(ctx, path, symbol, tf, since, last)
			if err != nil {
				logs.Warnf("%s candles %s: %+v", c.cfg.Name, symbol, err)
				continue
			}
			if !newest.IsZero() {
				last = newest
			}
			for _, p := range next {
				if !emit(p) {
					return ctx.Err()
				}
			}
		}
	}), nil
}

// candles fetches rows in [from, now], keeping closed rows opened after
// after. It returns the open time of the newest kept row.
func (c *Client) candles(ctx context.Context, path, symbol string, tf schema.Timeframe, from, after time.Time) ([]ingest.RawPayload, time.Time, error) {
	now := c.cfg.Now()
	q := url.Values{
		"from": {from.In(ist).Format(kiteTimeLayout)},
		"to":   {now.In(ist).Format(kiteTimeLayout)},
	}
	body, err := c.call(ctx, http.MethodGet, path+"?"+q.Encode(), nil)
	if err != nil {
		return nil, time.Time{}, err
	}
	var (
		out    []ingest.RawPayload
		newest time.Time
	)
	received := now.UTC()
	for _, row := range body.Get("data.candles").Array() {
		open, err := time.Parse(kiteRowLayout, row.Get("0").String())
		if err != nil {
			logs.Warnf("%s candle row %s: %+v", c.cfg.Name, row.Raw, err)
			continue
		}
		if !open.After(after) || open.Add(tf.Duration()).After(now) {
			continue
		}
		out = append(out, ingest.RawPayload{
			Venue:     c.cfg.Name,
			Symbol:    symbol,
			Timeframe: tf,
			Data:      []byte(row.Raw),
			Received:  received,
		})
		newest = open
	}
	return out, newest, nil
}

// FetchRawExecutions merges order updates from the ticker websocket with
// polled trades. Trades carry no tag, so each is stamped with the client
// order id its venue order was submitted under.
func (c *Client) FetchRawExecutions(ctx context.Context) (ingest.RawStream, error) {
	q := url.Values{"api_key": {c.cfg.APIKey}, "access_token": {c.cfg.AccessToken}}
	feed, err := websocket.Open(ctx, websocket.Option{URL: c.cfg.WSURL + "?" + q.Encode(), Backoff: c.cfg.Backoff})
	if err != nil {
		return nil, err
	}
	return ingest.Pump(ctx, 256, func(ctx context.Context, emit func(ingest.RawPayload) bool) error {
		defer feed.Close()
		eg, ctx := errgroup.WithContext(ctx)
		eg.Go(func() error {
			for {
				fr, err := feed.Next(ctx)
				if err != nil {
					return err
				}
				if fr.Type != websocket.MessageText {
					continue
				}
				msg := gjson.ParseBytes(fr.Data)
				if msg.Get("type").String() != "order" {
					continue
				}
				if !emit(ingest.RawPayload{Venue: c.cfg.Name, Data: []byte(msg.Get("data").Raw), Received: fr.Received}) {
					return ctx.Err()
				}
			}
		})
		eg.Go(func() error {
			seen := make(map[string]bool)
			for {
				body, err := c.call(ctx, http.MethodGet, "/trades", nil)
				if err != nil {
					logs.Warnf("%s trades: %+v", c.cfg.Name, err)
				}
				for _, tr := range body.Get("data").Array() {
					id := tr.Get("trade_id").String()
					if id == "" || seen[id] {
						continue
					}
					seen[id] = true
					if !emit(ingest.RawPayload{
						Venue:    c.cfg.Name,
						OrderRef: c.ref(tr.Get("order_id").String()),
						Data:     []byte(tr.Raw),
						Received: c.cfg.Now().UTC(),
					}) {
						return ctx.Err()
					}
				}
				if err := sleep(ctx, c.cfg.PollInterval); err != nil {
					return err
				}
			}
		})
		return eg.Wait()
	}), nil
}

func (c *Client) ref(venueID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refs[venueID]
}

// SubmitOrder places a regular day order tagged with the client order id
// and returns that id.
func (c *Client) SubmitOrder(ctx context.Context, in ingest.OrderIntent) (string, error) {
	if err := in.Validate(); err != nil {
		return "", err
	}
	if len(in.OrderID) > maxTagLength {
		return "", fmt.Errorf("%w: %s tag %q longer than %d", exception.ErrRejectedByVenue, c.cfg.Name, in.OrderID, maxTagLength)
	}
	form := url.Values{
		"tradingsymbol":    {strings.ToUpper(in.Symbol)},
		"exchange":         {c.cfg.Exchange},
		"transaction_type": {in.Side.String()},
		"quantity":         {strconv.FormatFloat(in.Qty, 'f', -1, 64)},
		"product":          {c.cfg.Product},
		"validity":         {"DAY"},
		"tag":              {in.OrderID},
	}
	if in.Price > 0 {
		form.Set("order_type", "LIMIT")
		form.Set("price", strconv.FormatFloat(in.Price, 'f', -1, 64))
	} else {
		form.Set("order_type", "MARKET")
	}
	body, err := c.call(ctx, http.MethodPost, "/orders/regular", form)
	if err != nil {
		return "", err
	}
	venueID := body.Get("data.order_id").String()
	if venueID == "" {
		return "", fmt.Errorf("%w: %s order response without order_id", exception.ErrConnectivity, c.cfg.Name)
	}
	c.mu.Lock()
	c.refs[venueID] = in.OrderID
	c.mu.Unlock()
	return in.OrderID, nil
}

// call performs one paced REST request. Kite reports failures as
// {"status":"error","error_type":...}; network and server errors are
// connectivity failures, the rest are rejections.
func (c *Client) call(ctx context.Context, method, path string, form url.Values) (gjson.Result, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return gjson.Result{}, fmt.Errorf("%w: %w", exception.ErrConnectivity, err)
	}
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%w: %w", exception.ErrInvalidArgument, err)
	}
	req.Header.Set("X-Kite-Version", kiteVersion)
	req.Header.Set("Authorization", "token "+c.cfg.APIKey+":"+c.cfg.AccessToken)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%w: %s %s: %w", exception.ErrConnectivity, c.cfg.Name, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%w: %s %s: %w", exception.ErrConnectivity, c.cfg.Name, path, err)
	}
	res := gjson.ParseBytes(raw)
	if resp.StatusCode < 300 && res.Get("status").String() != "error" {
		return res, nil
	}
	kind := res.Get("error_type").String()
	msg := res.Get("message").String()
	if kind == "NetworkException" || resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return gjson.Result{}, fmt.Errorf("%w: %s %s: %d %s: %s", exception.ErrConnectivity, c.cfg.Name, path, resp.StatusCode, kind, msg)
	}
	return gjson.Result{}, fmt.Errorf("%w: %s %s: %s: %s", exception.ErrRejectedByVenue, c.cfg.Name, path, kind, msg)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
