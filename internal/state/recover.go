package state

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/yanun0323/logs"

	"tradelog/internal/og"
	"tradelog/internal/recorder"
	"tradelog/internal/schema"
)

// RecoverConfig controls tracker recovery from the event logs.
type RecoverConfig struct {
	LogDir string
	// Exchange limits recovery to one venue; empty recovers all.
	Exchange string
	// To stops recovery at this event time (exclusive); zero reads all.
	To      time.Time
	Tracker og.TrackerConfig
}

// RecoverResult contains recovered state and metadata.
type RecoverResult struct {
	Tracker     *og.Tracker
	Events      int
	Conflicts   int
	LastEventTs time.Time
	Truncated   bool
}

// RecoverTracker rebuilds tracker state by replaying the orders and fills
// logs merged in event order. Venue acknowledgements of logged orders are
// expected; every other tracker error is logged and counted as a conflict.
// Fills still waiting for their order stay provisional.
func RecoverTracker(ctx context.Context, cfg RecoverConfig) (RecoverResult, error) {
	if cfg.LogDir == "" {
		return RecoverResult{}, fmt.Errorf("log dir is empty")
	}
	rp, err := recorder.NewReplayer(recorder.ReplayConfig{Dir: cfg.LogDir})
	if err != nil {
		return RecoverResult{}, err
	}
	orders, err := rp.Replay(ctx, recorder.Query{Kind: schema.KindOrder, Exchange: cfg.Exchange, To: cfg.To})
	if err != nil {
		return RecoverResult{}, err
	}
	defer orders.Close()
	fills, err := rp.Replay(ctx, recorder.Query{Kind: schema.KindFill, Exchange: cfg.Exchange, To: cfg.To})
	if err != nil {
		return RecoverResult{}, err
	}
	defer fills.Close()

	res := RecoverResult{
		Tracker:   og.NewTracker(cfg.Tracker),
		Truncated: orders.Truncated() || fills.Truncated(),
	}
	merged := recorder.Merge(orders, fills)
	for {
		e, err := merged.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return RecoverResult{}, err
		}
		res.Events++
		res.LastEventTs = e.Timestamp()

		applied, err := res.Tracker.Apply(e)
		if err != nil && !og.IsAcknowledged(err) {
			res.Conflicts++
			logs.Warnf("recover %s %s, err: %+v", e.Kind, applied.OrderID, err)
		}
		for _, is := range applied.Issues {
			res.Conflicts++
			logs.Warnf("recover fill %s, err: %+v", is.Fill.FillID, is.Err)
		}
	}
	return res, nil
}
