package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/yanun0323/logs"
	"golang.org/x/sync/errgroup"

	"tradelog/internal/aggregate"
	"tradelog/internal/ingest"
	"tradelog/internal/normalize"
	"tradelog/internal/obs"
	"tradelog/internal/og"
	"tradelog/internal/schema"
	"tradelog/pkg/backoff"
	"tradelog/pkg/exception"
)

const (
	defaultLateness    = 2 * time.Second
	defaultExpireEvery = time.Second
	defaultMaxReopen   = 10
)

// Subscription names one venue stream. Kind is KindTick, KindCandle, or
// KindOrder for the venue's execution reports (orders and fills).
type Subscription struct {
	Venue     string
	Kind      schema.EventKind
	Symbol    string
	Timeframe schema.Timeframe
}

func (s Subscription) String() string {
	switch s.Kind {
	case schema.KindTick:
		return s.Venue + "/" + s.Symbol + "/tick"
	case schema.KindCandle:
		return s.Venue + "/" + s.Symbol + "/" + string(s.Timeframe)
	default:
		return s.Venue + "/executions"
	}
}

type Config struct {
	Subscriptions []Subscription
	// Lateness is how long the sequencer holds events for stragglers;
	// negative releases every event at once.
	Lateness time.Duration
	// ExpireEvery is the event-time step between orphan checks.
	ExpireEvery time.Duration
	// Aggregator, when set, builds bars from released ticks.
	Aggregator *aggregate.Aggregator
	// MaxReopen bounds reopen attempts of a failing stream; negative never
	// reopens.
	MaxReopen int
	Backoff   backoff.Backoff
	Sleeper   backoff.Sleeper
	Metrics   *obs.Metrics
}

func (c Config) withDefaults() Config {
	switch {
	case c.Lateness == 0:
		c.Lateness = defaultLateness
	case c.Lateness < 0:
		c.Lateness = 0
	}
	if c.ExpireEvery <= 0 {
		c.ExpireEvery = defaultExpireEvery
	}
	if c.MaxReopen == 0 {
		c.MaxReopen = defaultMaxReopen
	}
	if c.Backoff == (backoff.Backoff{}) {
		c.Backoff = backoff.Default()
	}
	if c.Sleeper == nil {
		c.Sleeper = backoff.TimerSleeper{}
	}
	return c
}

func (c Config) Validate() error {
	for _, s := range c.Subscriptions {
		if s.Venue == "" {
			return fmt.Errorf("%w: subscription without venue", exception.ErrInvalidArgument)
		}
		switch s.Kind {
		case schema.KindTick:
			if s.Symbol == "" {
				return fmt.Errorf("%w: %s needs a symbol", exception.ErrInvalidArgument, s)
			}
		case schema.KindCandle:
			if s.Symbol == "" || !s.Timeframe.IsAvailable() {
				return fmt.Errorf("%w: %s needs a symbol and timeframe", exception.ErrInvalidArgument, s)
			}
		case schema.KindOrder:
		default:
			return fmt.Errorf("%w: subscription kind %s", exception.ErrInvalidArgument, s.Kind)
		}
	}
	return nil
}

// Engine runs normalize, append, sequence, track and deliver for every
// subscribed stream. Events reach the tracker and the consumer only after
// they are in the log.
type Engine struct {
	cfg      Config
	venues   *ingest.Usecase
	norm     *normalize.Normalizer
	log      og.Appender
	tracker  *og.Tracker
	consumer schema.Consumer

	lastExpire time.Time
}

// NewEngine wires the pipeline. consumer may be nil.
func NewEngine(cfg Config, venues *ingest.Usecase, norm *normalize.Normalizer, log og.Appender, tracker *og.Tracker, consumer schema.Consumer) (*Engine, error) {
	if venues == nil || norm == nil || log == nil || tracker == nil {
		return nil, exception.ErrNilInstance
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, s := range cfg.Subscriptions {
		if _, err := venues.Client(s.Venue); err != nil {
			return nil, err
		}
		if s.Kind == schema.KindOrder {
			if _, ok := venues.Executions(s.Venue); !ok {
				return nil, fmt.Errorf("%w: %s has no execution reports", exception.ErrInvalidArgument, s.Venue)
			}
		}
	}
	if consumer == nil {
		consumer = schema.ConsumerFunc(func(context.Context, schema.Event) error { return nil })
	}
	return &Engine{
		cfg:      cfg,
		venues:   venues,
		norm:     norm,
		log:      log,
		tracker:  tracker,
		consumer: consumer,
	}, nil
}

// Tracker returns the engine's order tracker.
func (e *Engine) Tracker() *og.Tracker {
	return e.tracker
}

// Gateway returns an order gateway for venue that logs through the engine's
// log and tracker.
func (e *Engine) Gateway(venue string) (*og.Gateway, error) {
	c, err := e.venues.Client(venue)
	if err != nil {
		return nil, err
	}
	return og.NewGateway(og.GatewayConfig{Exchange: venue}, c, e.log, e.tracker)
}

// Run streams every subscription until all end or ctx is canceled. Events
// already fetched when ctx ends are still appended and delivered. When all
// streams end on their own the tracker is drained and unmatched fills are
// reported as orphans.
func (e *Engine) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	in := make(chan schema.Event, 1024)
	eg, gctx := errgroup.WithContext(runCtx)
	for _, sub := range e.cfg.Subscriptions {
		eg.Go(func() error {
			return e.produce(gctx, sub, in)
		})
	}

	var (
		wg         sync.WaitGroup
		consumeErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		consumeErr = e.sequence(runCtx, in, cancel)
	}()

	produceErr := eg.Wait()
	close(in)
	wg.Wait()

	if produceErr == nil && consumeErr == nil && ctx.Err() == nil {
		e.reportIssues(e.tracker.Drain())
	}
	return errors.Join(produceErr, consumeErr)
}

// Replay drives the tracker and consumer from a recorded stream without
// appending. Unmatched fills are reported as orphans at the end.
func (e *Engine) Replay(ctx context.Context, s schema.Stream) error {
	for {
		ev, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if err := e.deliver(ctx, ev); err != nil {
			return err
		}
		e.expire(ev.Timestamp())
	}
	e.reportIssues(e.tracker.Drain())
	return nil
}

func (e *Engine) open(ctx context.Context, sub Subscription) (ingest.RawStream, error) {
	c, err := e.venues.Client(sub.Venue)
	if err != nil {
		return nil, err
	}
	switch sub.Kind {
	case schema.KindTick:
		return c.FetchRawTicks(ctx, sub.Symbol)
	case schema.KindCandle:
		return c.FetchRawCandles(ctx, sub.Symbol, sub.Timeframe)
	default:
		r, _ := e.venues.Executions(sub.Venue)
		return r.FetchRawExecutions(ctx)
	}
}

// produce reads one subscription. Stream failures are retried locally with
// backoff; only configuration errors end the run.
func (e *Engine) produce(ctx context.Context, sub Subscription, out chan<- schema.Event) error {
	attempt := 0
	for {
		s, err := e.open(ctx, sub)
		if err == nil {
			err = e.pump(ctx, sub, s, out, &attempt)
			_ = s.Close()
		}
		switch {
		case err == nil, ctx.Err() != nil:
			return nil
		case errors.Is(err, exception.ErrUnknownVenue):
			return err
		}
		attempt++
		e.cfg.Metrics.IncVenueError()
		if e.cfg.MaxReopen < 0 || attempt > e.cfg.MaxReopen {
			logs.Errorf("stream %s gave up after %d attempts, err: %+v", sub, attempt, err)
			return nil
		}
		logs.Warnf("stream %s failed, reopen attempt %d, err: %+v", sub, attempt, err)
		if serr := e.cfg.Sleeper.Sleep(ctx, e.cfg.Backoff.Next(attempt)); serr != nil {
			return nil
		}
	}
}

// pump moves payloads of one open stream. It returns nil when the stream
// ends and the error that broke it otherwise.
func (e *Engine) pump(ctx context.Context, sub Subscription, s ingest.RawStream, out chan<- schema.Event, attempt *int) error {
	appendCtx := context.WithoutCancel(ctx)
	for {
		p, err := s.Next(ctx)
		switch {
		case errors.Is(err, io.EOF), errors.Is(err, exception.ErrStreamClosed):
			return nil
		case err != nil:
			return err
		}
		*attempt = 0

		ev, err := e.norm.NormalizeInput(normalize.Input{
			Venue:     p.Venue,
			Symbol:    p.Symbol,
			Timeframe: p.Timeframe,
			OrderRef:  p.OrderRef,
			Raw:       p.Data,
		})
		if err != nil {
			if !normalize.IsDroppable(err) {
				return err
			}
			e.cfg.Metrics.IncMalformed()
			logs.Warnf("drop %s record, symbol: %s, err: %+v, raw: %s", sub, p.Symbol, err, p.Data)
			continue
		}
		e.cfg.Metrics.ObserveDelivery(ev, p.Received)

		// forming bars reach consumers but never the log
		if ev.Kind == schema.KindCandle && !ev.Candle.Closed {
			out <- ev
			continue
		}
		if err := e.log.Append(appendCtx, ev); err != nil {
			if errors.Is(err, exception.ErrWriterClosed) {
				return nil
			}
			logs.Errorf("append %s %s, err: %+v, raw: %s", sub, ev.Kind, err, p.Data)
			continue
		}
		out <- ev
	}
}

// sequence orders appended events and delivers them. After a consumer
// failure it stops the producers and discards the rest.
func (e *Engine) sequence(ctx context.Context, in <-chan schema.Event, stop context.CancelFunc) error {
	seq := og.NewSequencer(e.cfg.Lateness)
	deliverCtx := context.WithoutCancel(ctx)
	var failed error
	release := func(events []schema.Event) {
		for _, ev := range events {
			if failed != nil {
				return
			}
			if err := e.deliver(deliverCtx, ev); err != nil {
				failed = err
				logs.Errorf("consumer failed, stopping streams, err: %+v", err)
				stop()
				return
			}
			e.aggregate(deliverCtx, ev, &failed, stop)
		}
		e.expire(seq.Watermark())
	}

	for ev := range in {
		if failed != nil {
			continue
		}
		release(seq.Push(ev))
	}
	if failed == nil {
		release(seq.Flush())
	}
	if late := seq.Late(); late > 0 {
		logs.Warnf("sequencer passed %d events through after their slot", late)
	}
	if failed == nil && e.cfg.Aggregator != nil {
		for _, c := range e.cfg.Aggregator.Flush() {
			if err := e.appendBar(deliverCtx, c); err != nil {
				return err
			}
		}
	}
	return failed
}

func (e *Engine) aggregate(ctx context.Context, ev schema.Event, failed *error, stop context.CancelFunc) {
	if e.cfg.Aggregator == nil || ev.Kind != schema.KindTick {
		return
	}
	for _, c := range e.cfg.Aggregator.Add(ev.Tick) {
		if err := e.appendBar(ctx, c); err != nil {
			*failed = err
			stop()
			return
		}
	}
}

// appendBar logs an aggregated bar and delivers it. A failed append is
// logged and the bar skipped.
func (e *Engine) appendBar(ctx context.Context, c schema.Candle) error {
	ev := schema.CandleEvent(c)
	if err := e.log.Append(ctx, ev); err != nil {
		logs.Errorf("append aggregated bar %s %s %s, err: %+v", c.Exchange, c.Symbol, c.Timeframe, err)
		return nil
	}
	return e.consumer.OnEvent(ctx, ev)
}

// deliver applies ev to the tracker and hands it to the consumer. Tracker
// errors are reported, never fatal.
func (e *Engine) deliver(ctx context.Context, ev schema.Event) error {
	res, err := e.tracker.Apply(ev)
	switch {
	case err == nil:
	case og.IsAcknowledged(err):
		logs.Infof("venue acknowledged %s", res.OrderID)
	default:
		logs.Errorf("tracker rejected %s %s, err: %+v, raw: %s", ev.Exchange(), ev.Kind, err, ev.Raw())
	}
	for _, is := range res.Issues {
		logs.Errorf("tracker rejected provisional fill %s, err: %+v, raw: %s", is.Fill.FillID, is.Err, is.Fill.Raw)
	}
	return e.consumer.OnEvent(ctx, ev)
}

// expire runs the orphan check once the watermark has moved ExpireEvery
// past the previous check.
func (e *Engine) expire(watermark time.Time) {
	if watermark.IsZero() {
		return
	}
	if !e.lastExpire.IsZero() && watermark.Sub(e.lastExpire) < e.cfg.ExpireEvery {
		return
	}
	e.lastExpire = watermark
	e.reportIssues(e.tracker.Expire(watermark))
}

func (e *Engine) reportIssues(issues []og.FillIssue) {
	for _, is := range issues {
		logs.Warnf("orphan fill %s for order %s on %s, err: %+v, raw: %s", is.Fill.FillID, is.Fill.OrderID, is.Fill.Exchange, is.Err, is.Fill.Raw)
	}
}
