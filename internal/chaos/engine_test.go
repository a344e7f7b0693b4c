package chaos

import (
	"context"
	"errors"
	"io"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradelog/internal/ingest"
)

func payloads(n int) []ingest.RawPayload {
	out := make([]ingest.RawPayload, n)
	for i := range out {
		out[i] = ingest.RawPayload{Venue: "paper", Data: []byte(strconv.Itoa(i))}
	}
	return out
}

func collect(t *testing.T, s ingest.RawStream) []string {
	t.Helper()
	var out []string
	for {
		p, err := s.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, string(p.Data))
	}
}

func TestConfigValidate(t *testing.T) {
	testCases := []struct {
		desc string
		cfg  Config
		ok   bool
	}{
		{"zero", Config{ReorderWindow: 1}, true},
		{"drop above one", Config{DropRate: 1.5, ReorderWindow: 1}, false},
		{"negative dup", Config{DuplicateRate: -0.1, ReorderWindow: 1}, false},
		{"no window", Config{}, false},
		{"negative delay", Config{ReorderWindow: 1, MaxDelay: -1}, false},
	}
	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
	assert.False(t, Config{}.Enabled())
	assert.True(t, Config{DuplicateRate: 0.1}.Enabled())
}

func TestWrapIsSeededAndKeepsEverything(t *testing.T) {
	run := func() ([]string, Stats) {
		e, err := NewEngine(Config{Seed: 42, DuplicateRate: 0.3, ReorderWindow: 4})
		require.NoError(t, err)
		return collect(t, Wrap(ingest.NewSliceStream(payloads(50)), e)), e.Stats()
	}
	a, statsA := run()
	b, statsB := run()
	assert.Equal(t, a, b)
	assert.Equal(t, statsA, statsB)
	assert.Len(t, a, 50+statsA.Duplicated)
	assert.Positive(t, statsA.Reordered)

	seen := make(map[string]bool)
	for _, v := range a {
		seen[v] = true
	}
	assert.Len(t, seen, 50, "no payload lost without a drop rate")
}

func TestDropRateOneDropsEverything(t *testing.T) {
	e, err := NewEngine(Config{Seed: 1, DropRate: 1})
	require.NoError(t, err)
	assert.Empty(t, collect(t, Wrap(ingest.NewSliceStream(payloads(10)), e)))
	assert.Equal(t, 10, e.Stats().Dropped)
}

func TestWrapNilEngine(t *testing.T) {
	src := ingest.NewSliceStream(payloads(3))
	assert.Equal(t, []string{"0", "1", "2"}, collect(t, Wrap(src, nil)))
}
