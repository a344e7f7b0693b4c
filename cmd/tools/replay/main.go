package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/yanun0323/logs"

	"tradelog/internal/og"
	"tradelog/internal/recorder"
	"tradelog/internal/schema"
	"tradelog/internal/state"
)

func main() {
	dir := flag.String("dir", "data/logs", "event log directory")
	exchange := flag.String("exchange", "", "exchange filter")
	symbol := flag.String("symbol", "", "symbol (ticks and candles) or fill filter")
	kind := flag.String("kind", "all", "tick, candle, order, fill or all")
	from := flag.String("from", "", "window start, RFC3339 (inclusive)")
	to := flag.String("to", "", "window end, RFC3339 (exclusive)")
	speed := flag.Float64("speed", 0, "pacing factor (1=recorded spacing, 0=no pacing)")
	raw := flag.Bool("raw", false, "print raw venue payloads")
	list := flag.Bool("list", false, "list logs and exit")
	verify := flag.String("verify", "", "rebuild the tracker and compare it against this snapshot")
	flag.Parse()

	if err := run(options{
		dir: *dir, exchange: *exchange, symbol: *symbol, kind: *kind,
		from: *from, to: *to, speed: *speed, raw: *raw, list: *list, verify: *verify,
	}); err != nil {
		logs.Errorf("replay: %+v", err)
		os.Exit(1)
	}
}

type options struct {
	dir, exchange, symbol, kind string
	from, to                    string
	speed                       float64
	raw, list                   bool
	verify                      string
}

func run(opt options) error {
	ctx := context.Background()
	rp, err := recorder.NewReplayer(recorder.ReplayConfig{Dir: opt.dir, Speed: opt.speed})
	if err != nil {
		return err
	}
	if opt.list {
		keys, err := rp.Logs()
		if err != nil {
			return err
		}
		for _, k := range keys {
			fmt.Println(k.FileName())
		}
		return nil
	}

	fromTS, err := parseTime(opt.from)
	if err != nil {
		return err
	}
	toTS, err := parseTime(opt.to)
	if err != nil {
		return err
	}

	if opt.verify != "" {
		return verifySnapshot(ctx, opt, toTS)
	}

	queries, err := buildQueries(rp, opt, fromTS, toTS)
	if err != nil {
		return err
	}
	streams := make([]schema.Stream, 0, len(queries))
	for _, q := range queries {
		s, err := rp.Replay(ctx, q)
		if err != nil {
			return err
		}
		defer s.Close()
		if s.Truncated() {
			logs.Warnf("%s ends in a partial record, ignored", q.Key().FileName())
		}
		streams = append(streams, s)
	}

	merged := recorder.Merge(streams...)
	var index int
	for {
		e, err := merged.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		index++
		fmt.Printf("%06d %s %s\n", index, e, describe(e))
		if opt.raw && e.Raw() != "" {
			fmt.Printf("  raw %s\n", e.Raw())
		}
	}
}

func buildQueries(rp *recorder.Replayer, opt options, from, to time.Time) ([]recorder.Query, error) {
	if opt.kind != "all" {
		k, err := schema.ParseEventKind(opt.kind)
		if err != nil {
			return nil, err
		}
		return []recorder.Query{{Exchange: opt.exchange, Symbol: opt.symbol, Kind: k, From: from, To: to}}, nil
	}
	keys, err := rp.Logs()
	if err != nil {
		return nil, err
	}
	var out []recorder.Query
	for _, k := range keys {
		q := recorder.Query{Exchange: opt.exchange, Kind: k.Kind, From: from, To: to}
		switch k.Kind {
		case schema.KindTick, schema.KindCandle:
			if (opt.exchange != "" && k.Exchange != opt.exchange) || (opt.symbol != "" && k.Symbol != opt.symbol) {
				continue
			}
			q.Exchange, q.Symbol = k.Exchange, k.Symbol
		case schema.KindFill:
			q.Symbol = opt.symbol
		}
		out = append(out, q)
	}
	return out, nil
}

func verifySnapshot(ctx context.Context, opt options, to time.Time) error {
	want, err := state.ReadSnapshot(opt.verify)
	if err != nil {
		return err
	}
	res, err := state.RecoverTracker(ctx, state.RecoverConfig{LogDir: opt.dir, Exchange: opt.exchange, To: to, Tracker: og.TrackerConfig{}})
	if err != nil {
		return err
	}
	got := state.TakeSnapshot(res.Tracker, res.LastEventTs)
	if err := state.CompareSnapshots(want, got); err != nil {
		return err
	}
	fmt.Printf("snapshot verified: %d orders, %d events, %d conflicts\n", len(got.Orders), res.Events, res.Conflicts)
	return nil
}

func describe(e schema.Event) string {
	switch e.Kind {
	case schema.KindTick:
		return fmt.Sprintf("price=%v volume=%v", e.Tick.Price, e.Tick.Volume)
	case schema.KindCandle:
		c := e.Candle
		return fmt.Sprintf("tf=%s o=%v h=%v l=%v c=%v v=%v", c.Timeframe, c.Open, c.High, c.Low, c.Close, c.Volume)
	case schema.KindOrder:
		o := e.Order
		return fmt.Sprintf("order=%s alpha=%s %s qty=%v price=%v status=%s", o.OrderID, o.Alpha, o.Side, o.Qty, o.Price, o.Status)
	case schema.KindFill:
		f := e.Fill
		return fmt.Sprintf("fill=%s order=%s qty=%v price=%v commission=%v", f.FillID, f.OrderID, f.Qty, f.Price, f.Commission)
	default:
		return ""
	}
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t.UTC(), nil
}
