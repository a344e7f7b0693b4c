package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"strings"
	"time"

	"github.com/yanun0323/logs"

	"tradelog/internal/aggregate"
	"tradelog/internal/mdg"
	"tradelog/internal/normalize"
	"tradelog/internal/obs"
	"tradelog/internal/recorder"
	"tradelog/internal/schema"
)

// mdg writes seeded synthetic market data into event logs, through the same
// normalize and append path as live data, so replays and backtests have
// input without a venue.
func main() {
	dir := flag.String("dir", "data/logs", "event log directory")
	venue := flag.String("venue", "paper", "exchange name written into the logs")
	symbols := flag.String("symbols", "AAPL", "comma separated symbols")
	seed := flag.Int64("seed", 1, "generator seed")
	ticks := flag.Int("ticks", 1000, "ticks per symbol")
	step := flag.Duration("step", 250*time.Millisecond, "event-time spacing between ticks")
	start := flag.String("start", "", "event time of the first tick, RFC3339 (default 2024-01-02T00:00:00Z)")
	bars := flag.String("bars", "", "comma separated timeframes aggregated from the ticks")
	flag.Parse()

	if err := run(*dir, *venue, split(*symbols), *seed, *ticks, *step, *start, split(*bars)); err != nil {
		logs.Errorf("mdg: %+v", err)
		os.Exit(1)
	}
}

func split(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func run(dir, venue string, symbols []string, seed int64, ticks int, step time.Duration, start string, bars []string) error {
	if ticks <= 0 {
		return errors.New("ticks must be > 0")
	}
	cfg := mdg.Config{Seed: seed, Symbols: symbols, Step: step}
	if start != "" {
		t, err := time.Parse(time.RFC3339, start)
		if err != nil {
			return err
		}
		cfg.Start = t.UTC()
	}
	gen, err := mdg.NewGenerator(cfg)
	if err != nil {
		return err
	}

	var agg *aggregate.Aggregator
	if len(bars) > 0 {
		tfs := make([]schema.Timeframe, 0, len(bars))
		for _, b := range bars {
			tf, err := schema.ParseTimeframe(b)
			if err != nil {
				return err
			}
			tfs = append(tfs, tf)
		}
		if agg, err = aggregate.NewAggregator(aggregate.Config{Timeframes: tfs}); err != nil {
			return err
		}
	}

	reg := schema.NewRegistry()
	if _, err := reg.AddVenue(venue, "paper", 0); err != nil {
		return err
	}
	for _, sym := range symbols {
		if _, err := reg.AddSymbol(venue, sym); err != nil {
			return err
		}
	}
	norm := normalize.NewNormalizer(reg, normalize.Config{})

	metrics := obs.NewMetrics()
	wcfg := recorder.DefaultConfig(dir)
	wcfg.NoSync = true
	wcfg.Metrics = metrics
	writer, err := recorder.NewWriter(wcfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := writer.Close(); err != nil {
			logs.Errorf("close event log, err: %+v", err)
		}
	}()

	ctx := context.Background()
	for i := 0; i < ticks; i++ {
		for _, sym := range symbols {
			q, err := gen.NextTick(sym)
			if err != nil {
				return err
			}
			ev, err := norm.NormalizeInput(normalize.Input{Venue: venue, Symbol: sym, Raw: q.JSON()})
			if err != nil {
				return err
			}
			if err := writer.Append(ctx, ev); err != nil {
				return err
			}
			if agg == nil {
				continue
			}
			for _, c := range agg.Add(ev.Tick) {
				if err := writer.Append(ctx, schema.CandleEvent(c)); err != nil {
					return err
				}
			}
		}
	}
	if agg != nil {
		for _, c := range agg.Flush() {
			if err := writer.Append(ctx, schema.CandleEvent(c)); err != nil {
				return err
			}
		}
	}

	logs.Infof("mdg wrote %v into %s", metrics.Snapshot().Appended, dir)
	return nil
}
