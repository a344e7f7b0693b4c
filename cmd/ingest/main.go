package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"time"

	"github.com/grafana/pyroscope-go"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"
	"golang.org/x/sync/errgroup"

	"tradelog/internal/aggregate"
	"tradelog/internal/archive"
	"tradelog/internal/bus"
	"tradelog/internal/core"
	"tradelog/internal/normalize"
	"tradelog/internal/obs"
	"tradelog/internal/ops"
	"tradelog/internal/recorder"
	"tradelog/internal/schema"
	"tradelog/internal/state"
	httpapi "tradelog/internal/transport/http"
	"tradelog/pkg/conn"
)

const archiveBuffer = 8192

func main() {
	if err := run(); err != nil {
		logs.Errorf("ingest: %+v", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "tradelog.yaml", "config file (yaml, json or toml)")
	envPath := flag.String("env", ".env", "dotenv file with venue credentials")
	snapshotPath := flag.String("snapshot", "", "write a tracker snapshot here on exit")
	flag.Parse()

	ops.LoadEnv(*envPath)
	cfg, err := ops.Load(*configPath)
	if err != nil {
		return err
	}

	if cfg.Profiling.Server != "" {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: cfg.Profiling.App,
			ServerAddress:   cfg.Profiling.Server,
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			return err
		}
		defer func() { _ = profiler.Stop() }()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-sys.Shutdown():
			logs.Infof("shutdown requested")
			cancel()
		case <-ctx.Done():
		}
	}()

	metrics := obs.NewMetrics()
	cfg.Tracker.Metrics = metrics
	cfg.Recorder.Metrics = metrics
	cfg.Engine.Metrics = metrics

	recovered, err := state.RecoverTracker(ctx, state.RecoverConfig{LogDir: cfg.Recorder.Dir, Tracker: cfg.Tracker})
	if err != nil {
		return err
	}
	logs.Infof("recovered %d order/fill events, %d orders, %d provisional, %d conflicts",
		recovered.Events, len(recovered.Tracker.Views()), recovered.Tracker.Provisional(), recovered.Conflicts)

	writer, err := recorder.NewWriter(cfg.Recorder)
	if err != nil {
		return err
	}
	defer func() {
		if err := writer.Close(); err != nil {
			logs.Errorf("close event log, err: %+v", err)
		}
	}()

	if cfg.Aggregate != nil {
		agg, err := aggregate.NewAggregator(*cfg.Aggregate)
		if err != nil {
			return err
		}
		cfg.Engine.Aggregator = agg
	}

	eg, egCtx := errgroup.WithContext(ctx)

	var mirror *archive.Archive
	var consumers []schema.Consumer
	if cfg.Archive != nil {
		db, err := conn.New(*cfg.Archive)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()
		mirror, err = archive.New(db.DB())
		if err != nil {
			return err
		}
		queue := bus.NewQueue(archiveBuffer, metrics)
		consumers = append(consumers, queue)
		drained := make(chan struct{})
		go func() {
			defer close(drained)
			queue.Run(context.WithoutCancel(ctx), func(e schema.Event) {
				_ = mirror.OnEvent(context.Background(), e)
			})
		}()
		defer func() {
			queue.Close()
			<-drained
		}()
	}

	norm := normalize.NewNormalizer(cfg.Registry, cfg.Normalizer)
	engine, err := core.NewEngine(cfg.Engine, cfg.Venues, norm, writer, recovered.Tracker, core.Tee(consumers...))
	if err != nil {
		return err
	}

	if cfg.HTTPAddr != "" {
		srv, err := httpapi.NewServer(httpapi.ServerConfig{
			Addr:    cfg.HTTPAddr,
			Tracker: recovered.Tracker,
			Metrics: metrics,
			Archive: mirror,
		})
		if err != nil {
			return err
		}
		eg.Go(func() error { return srv.Run(egCtx) })
	}

	for _, sub := range cfg.Subscriptions {
		logs.Infof("subscribe %s", sub)
	}
	eg.Go(func() error {
		defer cancel()
		return engine.Run(egCtx)
	})
	err = eg.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	snap := metrics.Snapshot()
	logs.Infof("appended=%v malformed=%d out_of_order=%d orphan_fills=%d tracker_errors=%d venue_errors=%d",
		snap.Appended, snap.Malformed, snap.OutOfOrder, snap.OrphanFills, snap.TrackerErrors, snap.VenueErrors)

	if *snapshotPath != "" {
		if werr := state.WriteSnapshot(*snapshotPath, state.TakeSnapshot(recovered.Tracker, time.Now())); werr != nil {
			logs.Errorf("write snapshot, err: %+v", werr)
		}
	}
	return err
}
