package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradelog/internal/archive"
	"tradelog/internal/obs"
	"tradelog/internal/og"
	"tradelog/internal/schema"
	"tradelog/pkg/conn"
)

var start = time.Date(2024, 3, 8, 9, 15, 0, 0, time.UTC)

func newServer(t *testing.T, withArchive bool) *Server {
	t.Helper()
	m := obs.NewMetrics()
	tr := og.NewTracker(og.TrackerConfig{Metrics: m})
	order := schema.Order{Timestamp: start, OrderID: "momo:1", Alpha: "momo", Side: schema.SideBuy, Qty: 2, Price: 10, Status: schema.StatusNew, Exchange: "paper"}
	fill := schema.Fill{Timestamp: start.Add(time.Second), FillID: "F1", OrderID: "momo:1", Alpha: "momo", Symbol: "AAPL", Qty: 1, Price: 10, Exchange: "paper"}
	events := []schema.Event{schema.OrderEvent(order), schema.FillEvent(fill)}
	for _, e := range events {
		_, err := tr.Apply(e)
		require.NoError(t, err)
	}

	cfg := ServerConfig{Tracker: tr, Metrics: m}
	if withArchive {
		c, err := conn.New(conn.Option{Driver: conn.DriverSQLite, Path: "file::memory:"})
		require.NoError(t, err)
		t.Cleanup(func() { _ = c.Close() })
		a, err := archive.New(c.DB())
		require.NoError(t, err)
		for _, e := range events {
			require.NoError(t, a.Save(context.Background(), e))
		}
		cfg.Archive = a
	}
	s, err := NewServer(cfg)
	require.NoError(t, err)
	return s
}

func get(t *testing.T, s *Server, path string) (int, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec.Code, body
}

func TestRoutes(t *testing.T) {
	s := newServer(t, false)

	tests := []struct {
		name string
		path string
		code int
		key  string
	}{
		{"health", "/healthz", http.StatusOK, "status"},
		{"metrics", "/metrics", http.StatusOK, "appended"},
		{"orders", "/orders", http.StatusOK, "orders"},
		{"order", "/orders/momo:1", http.StatusOK, "order"},
		{"missing order", "/orders/momo:404", http.StatusNotFound, "error"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			code, body := get(t, s, tc.path)
			assert.Equal(t, tc.code, code)
			assert.Contains(t, body, tc.key)
		})
	}
}

func TestOrderDetail(t *testing.T) {
	s := newServer(t, true)
	code, body := get(t, s, "/orders/momo:1")
	require.Equal(t, http.StatusOK, code)

	order := body["order"].(map[string]any)
	assert.Equal(t, "PARTIALLY_FILLED", order["status"])
	assert.Equal(t, 1.0, order["filled"])
	assert.Len(t, order["history"], 2)
	assert.Len(t, body["fills"], 1)

	_, body = get(t, s, "/orders?alpha=other")
	assert.Empty(t, body["orders"])
}

func TestNewServerRequiresTracker(t *testing.T) {
	_, err := NewServer(ServerConfig{})
	assert.Error(t, err)
}
