package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"os"
	"time"

	"github.com/yanun0323/logs"

	"tradelog/internal/chaos"
	"tradelog/internal/ingest"
	"tradelog/internal/normalize"
	"tradelog/internal/ops"
	"tradelog/internal/recorder"
	"tradelog/internal/schema"
)

// chaos re-delivers the raw market data payloads of recorded logs through
// the fault injector and records what survives into another directory, as a
// lossy, redelivering network would have.
func main() {
	configPath := flag.String("config", "tradelog.yaml", "ingest config naming the venues of the logs")
	inputDir := flag.String("input-dir", "", "recorded log directory (default: the config log dir)")
	outputDir := flag.String("output-dir", "data/logs_chaos", "output log directory")
	seed := flag.Int64("seed", 0, "RNG seed (0=now)")
	dropRate := flag.Float64("drop-rate", 0, "drop probability [0-1]")
	dupRate := flag.Float64("dup-rate", 0, "duplicate probability [0-1]")
	reorderWindow := flag.Int("reorder-window", 1, "reorder window (>=1)")
	maxDelay := flag.Duration("max-delay", 0, "max receive delay")
	flag.Parse()

	loaded, err := ops.Load(*configPath)
	if err != nil {
		logs.Errorf("load config %s, err: %+v", *configPath, err)
		os.Exit(1)
	}
	if *inputDir == "" {
		*inputDir = loaded.Recorder.Dir
	}
	engine, err := chaos.NewEngine(chaos.Config{
		Seed:          *seed,
		DropRate:      *dropRate,
		DuplicateRate: *dupRate,
		ReorderWindow: *reorderWindow,
		MaxDelay:      *maxDelay,
	})
	if err != nil {
		logs.Errorf("chaos init, err: %+v", err)
		os.Exit(1)
	}

	norm := normalize.NewNormalizer(loaded.Registry, loaded.Normalizer)
	if err := run(context.Background(), *inputDir, *outputDir, norm, engine); err != nil {
		logs.Errorf("chaos, err: %+v", err)
		os.Exit(1)
	}
}

type counters struct {
	read, written, skipped, rejected int
}

func run(ctx context.Context, inputDir, outputDir string, norm *normalize.Normalizer, engine *chaos.Engine) error {
	rp, err := recorder.NewReplayer(recorder.ReplayConfig{Dir: inputDir})
	if err != nil {
		return err
	}
	keys, err := rp.Logs()
	if err != nil {
		return err
	}
	var streams []schema.Stream
	for _, key := range keys {
		if key.Kind != schema.KindTick && key.Kind != schema.KindCandle {
			continue
		}
		s, err := rp.Replay(ctx, recorder.Query{Exchange: key.Exchange, Symbol: key.Symbol, Kind: key.Kind})
		if err != nil {
			return err
		}
		streams = append(streams, s)
	}
	merged := recorder.Merge(streams...)
	defer merged.Close()

	wcfg := recorder.DefaultConfig(outputDir)
	wcfg.NoSync = true
	writer, err := recorder.NewWriter(wcfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := writer.Close(); err != nil {
			logs.Errorf("close output logs, err: %+v", err)
		}
	}()

	var c counters
	write := func(out []chaos.Event) error {
		for _, p := range out {
			ev, err := norm.NormalizeInput(normalize.Input{Venue: p.Venue, Symbol: p.Symbol, Timeframe: p.Timeframe, Raw: p.Data})
			if err != nil {
				c.rejected++
				logs.Warnf("renormalize %s payload, err: %+v", p.Venue, err)
				continue
			}
			if err := writer.Append(ctx, ev); err != nil {
				return err
			}
			c.written++
		}
		return nil
	}

	for {
		e, err := merged.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		c.read++
		if e.Raw() == "" {
			c.skipped++
			continue
		}
		p := ingest.RawPayload{
			Venue:    e.Exchange(),
			Symbol:   e.Symbol(),
			Data:     []byte(e.Raw()),
			Received: time.Now(),
		}
		if e.Kind == schema.KindCandle {
			p.Timeframe = e.Candle.Timeframe
		}
		if err := write(engine.Process(p)); err != nil {
			return err
		}
	}
	if err := write(engine.Flush()); err != nil {
		return err
	}

	st := engine.Stats()
	logs.Infof("chaos read=%d written=%d skipped=%d rejected=%d dropped=%d duplicated=%d reordered=%d",
		c.read, c.written, c.skipped, c.rejected, st.Dropped, st.Duplicated, st.Reordered)
	return nil
}
