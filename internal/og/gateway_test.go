package og

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"tradelog/internal/ingest"
	"tradelog/internal/schema"
	"tradelog/pkg/exception"
)

type memLog struct {
	mu     sync.Mutex
	events []schema.Event
	err    error
}

func (l *memLog) Append(_ context.Context, e schema.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.events = append(l.events, e)
	return nil
}

type scriptedVenue struct {
	log   *memLog
	errs  []error
	calls []ingest.OrderIntent
	// logged records how many events were in the log when the venue was called.
	logged []int
}

func (v *scriptedVenue) SubmitOrder(_ context.Context, in ingest.OrderIntent) (string, error) {
	v.calls = append(v.calls, in)
	v.log.mu.Lock()
	v.logged = append(v.logged, len(v.log.events))
	v.log.mu.Unlock()
	if len(v.errs) == 0 {
		return in.OrderID, nil
	}
	err := v.errs[0]
	v.errs = v.errs[1:]
	return "", err
}

func newTestGateway(t *testing.T, errs ...error) (*Gateway, *memLog, *scriptedVenue, *Tracker) {
	t.Helper()
	log := &memLog{}
	venue := &scriptedVenue{log: log, errs: errs}
	tr := NewTracker(TrackerConfig{})
	n := 0
	g, err := NewGateway(GatewayConfig{
		Exchange: "paper",
		Now:      func() time.Time { n++; return at(n) },
	}, venue, log, tr)
	require.NoError(t, err)
	return g, log, venue, tr
}

var intent = ingest.OrderIntent{Alpha: "momo", Symbol: "AAPL", Side: schema.SideBuy, Qty: 5, Price: 100}

func TestGatewayLogsBeforeSubmitting(t *testing.T) {
	g, log, venue, tr := newTestGateway(t)

	o, err := g.Submit(context.Background(), intent)
	require.NoError(t, err)
	assert.Equal(t, "momo", o.Alpha)
	assert.Regexp(t, `^momo:[0-9a-f]{12}$`, o.OrderID)

	require.Len(t, venue.calls, 1)
	assert.Equal(t, o.OrderID, venue.calls[0].OrderID)
	assert.Equal(t, []int{1}, venue.logged, "NEW appended before the venue call")

	require.Len(t, log.events, 1)
	assert.Equal(t, schema.StatusNew, log.events[0].Order.Status)
	assert.Equal(t, "AAPL", gjson.Get(log.events[0].Order.Raw, "symbol").String())

	status, err := tr.Status(o.OrderID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusNew, status)
	assert.Empty(t, g.Pending())
}

func TestGatewayRecordsRejection(t *testing.T) {
	g, log, _, tr := newTestGateway(t, errors.Join(exception.ErrRejectedByVenue, errors.New("insufficient balance")))

	o, err := g.Submit(context.Background(), intent)
	assert.ErrorIs(t, err, exception.ErrRejectedByVenue)

	require.Len(t, log.events, 2)
	rej := log.events[1].Order
	assert.Equal(t, schema.StatusRejected, rej.Status)
	assert.Equal(t, o.OrderID, rej.OrderID)
	assert.Contains(t, gjson.Get(rej.Raw, "error").String(), "insufficient balance")

	status, _ := tr.Status(o.OrderID)
	assert.Equal(t, schema.StatusRejected, status)
	assert.Empty(t, g.Pending())
}

func TestGatewayResubmitsAfterReconnect(t *testing.T) {
	down := errors.Join(exception.ErrConnectivity, errors.New("dial tcp: refused"))
	g, log, venue, _ := newTestGateway(t, down, down)

	o, err := g.Submit(context.Background(), intent)
	assert.ErrorIs(t, err, exception.ErrConnectivity)
	assert.Equal(t, []string{o.OrderID}, g.Pending())

	n, err := g.Reconnect(context.Background())
	assert.ErrorIs(t, err, exception.ErrConnectivity)
	assert.Zero(t, n)

	n, err = g.Reconnect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, g.Pending())

	require.Len(t, venue.calls, 3)
	for _, c := range venue.calls {
		assert.Equal(t, o.OrderID, c.OrderID, "same id on every attempt")
	}
	assert.Len(t, log.events, 1, "NEW logged once")
}

func TestGatewayUnknownVenueErrorStaysPending(t *testing.T) {
	g, _, _, _ := newTestGateway(t, errors.New("eof"))
	_, err := g.Submit(context.Background(), intent)
	assert.ErrorIs(t, err, exception.ErrConnectivity)
	assert.Len(t, g.Pending(), 1)
}

func TestGatewayDoesNotActWhenLogFails(t *testing.T) {
	g, log, venue, tr := newTestGateway(t)
	log.err = exception.ErrWriteFailure

	o, err := g.Submit(context.Background(), intent)
	assert.ErrorIs(t, err, exception.ErrWriteFailure)
	assert.Empty(t, venue.calls)
	_, ok := tr.Lookup(o.OrderID)
	assert.False(t, ok)
}

func TestGatewayRejectsInvalidIntent(t *testing.T) {
	g, _, venue, _ := newTestGateway(t)
	bad := intent
	bad.Qty = 0
	_, err := g.Submit(context.Background(), bad)
	assert.ErrorIs(t, err, exception.ErrOrderInvalidIntent)
	assert.Empty(t, venue.calls)
}

func TestGatewayKeepsCallerOrderID(t *testing.T) {
	g, _, _, _ := newTestGateway(t)
	in := intent
	in.OrderID = "momo:fixed"
	o, err := g.Submit(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "momo:fixed", o.OrderID)

	_, err = g.Submit(context.Background(), in)
	assert.ErrorIs(t, err, exception.ErrDuplicateOrder)
}
