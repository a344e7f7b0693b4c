package ops

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradelog/internal/normalize"
	"tradelog/internal/schema"
	"tradelog/pkg/conn"
)

const sample = `
log:
  dir: /var/lib/tradelog
  no_sync: true
  backoff:
    min: 10ms
    max: 1s
    factor: 2
tracker:
  horizon: 45s
normalizer:
  candle_policy: tag_forming
engine:
  lateness: 500ms
aggregate:
  timeframes: [1m, 5m]
archive:
  driver: sqlite
  path: /tmp/mirror.db
http:
  addr: ":9000"
venues:
  - name: kite
    kind: zerodha
    symbols: [INFY, TCS]
    timeframes: [5m]
    executions: true
    instruments:
      INFY: 408065
  - name: sim
    kind: paper
    symbols: [AAPL]
    ticks: false
    timeframes: [1m]
    executions: true
    paper:
      seed: 7
      fill_parts: 2
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tradelog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	t.Setenv("TRADELOG_KITE_API_KEY", "key-from-env")
	t.Setenv("TRADELOG_HTTP_ADDR", ":9100")

	l, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/tradelog", l.Recorder.Dir)
	assert.True(t, l.Recorder.NoSync)
	assert.Equal(t, 10*time.Millisecond, l.Recorder.Backoff.Min)
	assert.Equal(t, 45*time.Second, l.Tracker.Horizon)
	assert.Equal(t, normalize.CandleTagForming, l.Normalizer.CandlePolicy)
	assert.Equal(t, 500*time.Millisecond, l.Engine.Lateness)
	assert.Equal(t, ":9100", l.HTTPAddr, "env overrides the file")
	assert.Empty(t, l.File.Venues[0].APIKey)
	assert.Equal(t, "key-from-env", withEnvSecrets(l.File.Venues[0]).APIKey)

	require.NotNil(t, l.Aggregate)
	assert.Equal(t, []schema.Timeframe{schema.TF1m, schema.TF5m}, l.Aggregate.Timeframes)
	require.NotNil(t, l.Archive)
	assert.Equal(t, conn.Option{Driver: conn.DriverSQLite, Path: "/tmp/mirror.db"}, *l.Archive)

	kite, ok := l.Registry.Venue("kite")
	require.True(t, ok)
	assert.Equal(t, "zerodha", kite.Profile)
	assert.Equal(t, 5*time.Hour+30*time.Minute, kite.Offset)
	assert.Equal(t, 9*time.Hour+15*time.Minute, kite.SessionOpen)
	assert.True(t, l.Registry.HasSymbol("kite", "TCS"))

	assert.Equal(t, []string{"kite", "sim"}, l.Venues.Venues())
	_, ok = l.Venues.Executions("sim")
	assert.True(t, ok)

	var names []string
	for _, s := range l.Subscriptions {
		names = append(names, s.String())
	}
	assert.Equal(t, []string{
		"kite/INFY/tick", "kite/INFY/5m",
		"kite/TCS/tick", "kite/TCS/5m",
		"kite/executions",
		"sim/AAPL/1m",
		"sim/executions",
	}, names)
	assert.Equal(t, l.Subscriptions, l.Engine.Subscriptions)
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"no venues", "log:\n  dir: x\n"},
		{"unknown kind", "venues:\n  - name: x\n    kind: ftx\n"},
		{"duplicate venue", "venues:\n  - name: sim\n    kind: paper\n  - name: sim\n    kind: paper\n"},
		{"bad timeframe", "venues:\n  - name: sim\n    kind: paper\n    symbols: [A]\n    timeframes: [7m]\n"},
		{"bad policy", "normalizer:\n  candle_policy: maybe\nvenues:\n  - name: sim\n    kind: paper\n"},
		{"bad aggregate", "aggregate:\n  timeframes: [1m, 1m]\nvenues:\n  - name: sim\n    kind: paper\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("TRADELOG_TEST_ONLY_KEY=abc\n"), 0o644))
	t.Setenv("TRADELOG_TEST_ONLY_KEY", "")
	require.NoError(t, os.Unsetenv("TRADELOG_TEST_ONLY_KEY"))

	LoadEnv(path, filepath.Join(t.TempDir(), "missing.env"))
	assert.Equal(t, "abc", os.Getenv("TRADELOG_TEST_ONLY_KEY"))
}
