package paper

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"tradelog/internal/ingest"
	"tradelog/internal/mdg"
	"tradelog/internal/schema"
	"tradelog/pkg/exception"
)

var now = time.Date(2024, 3, 8, 9, 15, 0, 0, time.UTC)

func newVenue(t *testing.T, mod func(*Config)) *Venue {
	t.Helper()
	cfg := Config{
		Generator:     mdg.Config{Seed: 3, Symbols: []string{"AAPL"}, Start: now},
		Ticks:         5,
		Bars:          3,
		FillParts:     3,
		SlippageBps:   10,
		CommissionBps: 2,
		Now:           func() time.Time { return now },
	}
	if mod != nil {
		mod(&cfg)
	}
	v, err := New(cfg)
	require.NoError(t, err)
	return v
}

func drain(t *testing.T, s ingest.RawStream) []ingest.RawPayload {
	t.Helper()
	var out []ingest.RawPayload
	for {
		p, err := s.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, p)
	}
}

func TestFiniteTickAndBarStreams(t *testing.T) {
	v := newVenue(t, nil)

	ticks, err := v.FetchRawTicks(context.Background(), "AAPL")
	require.NoError(t, err)
	got := drain(t, ticks)
	require.Len(t, got, 5)
	assert.Equal(t, "paper", got[0].Venue)
	assert.Equal(t, "tick", gjson.GetBytes(got[0].Data, "type").String())

	bars, err := v.FetchRawCandles(context.Background(), "AAPL", schema.TF1m)
	require.NoError(t, err)
	gotBars := drain(t, bars)
	require.Len(t, gotBars, 3)
	assert.Equal(t, schema.TF1m, gotBars[0].Timeframe)

	_, err = v.FetchRawTicks(context.Background(), "MSFT")
	assert.ErrorIs(t, err, exception.ErrInvalidArgument)
	_, err = v.FetchRawCandles(context.Background(), "AAPL", "7m")
	assert.ErrorIs(t, err, exception.ErrUnsupportedTimeframe)
}

func TestSubmitQueuesAckAndExactFills(t *testing.T) {
	v := newVenue(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	execs, err := v.FetchRawExecutions(ctx)
	require.NoError(t, err)
	defer execs.Close()

	id, err := v.SubmitOrder(ctx, ingest.OrderIntent{OrderID: "a:1", Alpha: "a", Symbol: "AAPL", Side: schema.SideBuy, Qty: 1})
	require.NoError(t, err)
	assert.Equal(t, "a:1", id)

	ack, err := execs.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "order", gjson.GetBytes(ack.Data, "type").String())
	assert.Equal(t, "NEW", gjson.GetBytes(ack.Data, "status").String())

	ref, _ := v.gen.Last("AAPL")
	var total float64
	var ids []string
	for i := 0; i < 3; i++ {
		p, err := execs.Next(ctx)
		require.NoError(t, err)
		f := gjson.ParseBytes(p.Data)
		assert.Equal(t, "fill", f.Get("type").String())
		assert.InDelta(t, ref*1.001, f.Get("price").Float(), 1e-6)
		total += f.Get("qty").Float()
		ids = append(ids, f.Get("fill_id").String())
	}
	assert.InDelta(t, 1.0, total, 1e-12)
	assert.Equal(t, []string{"paper-000001", "paper-000002", "paper-000003"}, ids)

	_, err = v.SubmitOrder(ctx, ingest.OrderIntent{OrderID: "a:1", Alpha: "a", Symbol: "AAPL", Side: schema.SideBuy, Qty: 1})
	require.NoError(t, err)
	assert.Empty(t, v.execs, "resubmission is not filled twice")
}

func TestSubmitFailures(t *testing.T) {
	v := newVenue(t, func(c *Config) { c.MaxQty = 10 })
	ctx := context.Background()
	in := ingest.OrderIntent{OrderID: "a:2", Symbol: "AAPL", Side: schema.SideSell, Qty: 11}

	_, err := v.SubmitOrder(ctx, in)
	assert.ErrorIs(t, err, exception.ErrRejectedByVenue)

	in.Qty = 1
	in.Symbol = "MSFT"
	_, err = v.SubmitOrder(ctx, in)
	assert.ErrorIs(t, err, exception.ErrRejectedByVenue)

	in.Symbol = "AAPL"
	v.SetDown(true)
	_, err = v.SubmitOrder(ctx, in)
	assert.ErrorIs(t, err, exception.ErrConnectivity)

	v.SetDown(false)
	_, err = v.SubmitOrder(ctx, in)
	assert.NoError(t, err)
}

func TestChaosRedeliversTicks(t *testing.T) {
	v := newVenue(t, func(c *Config) {
		c.Ticks = 40
		c.Chaos.Seed = 9
		c.Chaos.DuplicateRate = 0.5
	})
	ticks, err := v.FetchRawTicks(context.Background(), "AAPL")
	require.NoError(t, err)
	got := drain(t, ticks)
	assert.Greater(t, len(got), 40)
}
