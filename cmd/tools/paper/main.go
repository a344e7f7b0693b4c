package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/yanun0323/logs"

	"tradelog/internal/chaos"
	"tradelog/internal/core"
	"tradelog/internal/ingest"
	"tradelog/internal/ingest/paper"
	"tradelog/internal/mdg"
	"tradelog/internal/normalize"
	"tradelog/internal/obs"
	"tradelog/internal/og"
	"tradelog/internal/recorder"
	"tradelog/internal/schema"
	"tradelog/internal/state"
)

const venueName = "paper"

type options struct {
	dir        string
	symbols    []string
	seed       int64
	ticks      int
	orderEvery int
	maxOrders  int
	qty        float64
	alpha      string
	fillParts  int
	dupRate    float64
	reorder    int
	snapshot   string
	timeout    time.Duration
}

func main() {
	dir := flag.String("dir", "data/paper", "event log directory")
	symbols := flag.String("symbols", "AAPL,MSFT", "comma separated symbols")
	seed := flag.Int64("seed", 1, "generator seed")
	ticks := flag.Int("ticks", 200, "ticks per symbol")
	orderEvery := flag.Int("order-every", 20, "submit one order every N ticks (0=disable)")
	maxOrders := flag.Int("max-orders", 10, "maximum orders to submit (0=unlimited)")
	qty := flag.Float64("qty", 10, "order quantity")
	alpha := flag.String("alpha", "paper", "alpha tag of submitted orders")
	fillParts := flag.Int("fill-parts", 2, "fills per order")
	dupRate := flag.Float64("dup-rate", 0, "chaos duplicate rate of execution reports")
	reorder := flag.Int("reorder", 0, "chaos reorder window of execution reports")
	snapshot := flag.String("snapshot", "", "write a tracker snapshot here on exit")
	timeout := flag.Duration("timeout", time.Minute, "session timeout")
	flag.Parse()

	opt := options{
		dir: *dir, seed: *seed, ticks: *ticks, orderEvery: *orderEvery, maxOrders: *maxOrders,
		qty: *qty, alpha: *alpha, fillParts: *fillParts, dupRate: *dupRate, reorder: *reorder,
		snapshot: *snapshot, timeout: *timeout,
	}
	for _, s := range strings.Split(*symbols, ",") {
		if s = strings.TrimSpace(s); s != "" {
			opt.symbols = append(opt.symbols, s)
		}
	}
	if err := run(opt); err != nil {
		logs.Errorf("paper: %+v", err)
		os.Exit(1)
	}
}

func run(opt options) error {
	if len(opt.symbols) == 0 {
		return errors.New("no symbols")
	}
	if opt.orderEvery < 0 || opt.maxOrders < 0 {
		return errors.New("order-every and max-orders must be >= 0")
	}

	reg := schema.NewRegistry()
	if _, err := reg.AddVenue(venueName, "", 0); err != nil {
		return err
	}
	for _, s := range opt.symbols {
		if _, err := reg.AddSymbol(venueName, s); err != nil {
			return err
		}
	}

	venue, err := paper.New(paper.Config{
		Name: venueName,
		Generator: mdg.Config{
			Seed:    opt.seed,
			Symbols: opt.symbols,
			Start:   time.Now().UTC().Truncate(time.Second),
		},
		Ticks:         opt.ticks,
		FillParts:     opt.fillParts,
		SlippageBps:   2,
		CommissionBps: 1,
		Chaos:         chaos.Config{Seed: opt.seed, DuplicateRate: opt.dupRate, ReorderWindow: opt.reorder},
	})
	if err != nil {
		return err
	}
	venues := ingest.NewUsecase()
	if err := venues.Register(venueName, venue); err != nil {
		return err
	}

	metrics := obs.NewMetrics()
	wcfg := recorder.DefaultConfig(opt.dir)
	wcfg.Metrics = metrics
	writer, err := recorder.NewWriter(wcfg)
	if err != nil {
		return err
	}
	defer func() { _ = writer.Close() }()

	tracker := og.NewTracker(og.TrackerConfig{Metrics: metrics})
	subs := []core.Subscription{{Venue: venueName, Kind: schema.KindOrder}}
	for _, s := range opt.symbols {
		subs = append(subs, core.Subscription{Venue: venueName, Kind: schema.KindTick, Symbol: s})
	}

	ctx, cancel := context.WithTimeout(context.Background(), opt.timeout)
	defer cancel()

	s := &session{opt: opt, ticks: make(chan schema.Tick, 1024), expectTicks: opt.ticks * len(opt.symbols)}
	engine, err := core.NewEngine(core.Config{Subscriptions: subs, Metrics: metrics},
		venues, normalize.NewNormalizer(reg, normalize.Config{}), writer, tracker, s)
	if err != nil {
		return err
	}
	gw, err := engine.Gateway(venueName)
	if err != nil {
		return err
	}
	s.gw, s.tracker, s.stop = gw, tracker, cancel
	go s.trade(ctx)

	err = engine.Run(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		logs.Warnf("session timed out after %s", opt.timeout)
	}

	views := tracker.Views()
	for _, v := range views {
		fmt.Printf("%s %s %s qty=%v filled=%v status=%s fills=%d\n",
			v.Order.OrderID, v.Order.Side, v.Order.Alpha, v.Order.Qty, v.Filled, v.Status, len(v.FillIDs))
	}
	snap := metrics.Snapshot()
	logs.Infof("paper completed: ticks=%d orders=%d appended=%v orphan_fills=%d tracker_errors=%d",
		s.seen.Load(), len(views), snap.Appended, snap.OrphanFills, snap.TrackerErrors)

	if opt.snapshot != "" {
		return state.WriteSnapshot(opt.snapshot, state.TakeSnapshot(tracker, time.Now()))
	}
	return nil
}

// session submits orders from delivered ticks and stops the run once every
// tick is in and every order is terminal.
type session struct {
	opt         options
	gw          *og.Gateway
	tracker     *og.Tracker
	stop        context.CancelFunc
	ticks       chan schema.Tick
	expectTicks int

	seen      atomic.Int64
	inflight  atomic.Int64
	doneTicks atomic.Bool
}

func (s *session) OnEvent(_ context.Context, e schema.Event) error {
	switch e.Kind {
	case schema.KindTick:
		n := s.seen.Add(1)
		if s.opt.orderEvery > 0 && n%int64(s.opt.orderEvery) == 0 {
			s.inflight.Add(1)
			select {
			case s.ticks <- e.Tick:
			default:
				s.inflight.Add(-1)
			}
		}
		if int(n) >= s.expectTicks {
			s.doneTicks.Store(true)
		}
	}
	if s.doneTicks.Load() && s.settled() {
		s.stop()
	}
	return nil
}

func (s *session) settled() bool {
	if s.inflight.Load() != 0 {
		return false
	}
	for _, v := range s.tracker.Views() {
		if !v.Status.IsTerminal() {
			return false
		}
	}
	return true
}

func (s *session) trade(ctx context.Context) {
	side := schema.SideBuy
	var submitted int
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-s.ticks:
			if s.opt.maxOrders == 0 || submitted < s.opt.maxOrders {
				if _, err := s.gw.Submit(ctx, ingest.OrderIntent{Alpha: s.opt.alpha, Symbol: t.Symbol, Side: side, Qty: s.opt.qty}); err != nil {
					logs.Warnf("submit %s %s, err: %+v", side, t.Symbol, err)
				} else {
					submitted++
					if side == schema.SideBuy {
						side = schema.SideSell
					} else {
						side = schema.SideBuy
					}
				}
			}
			s.inflight.Add(-1)
		}
	}
}
