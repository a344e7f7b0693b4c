package core

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"tradelog/internal/schema"
)

func TestTee(t *testing.T) {
	a, b := &collector{}, &collector{}
	c := Tee(a, nil, b)
	ev := schema.TickEvent(schema.Tick{Timestamp: start, Symbol: "AAPL", Price: 1, Exchange: "paper"})
	assert.NoError(t, c.OnEvent(context.Background(), ev))
	assert.Len(t, a.events, 1)
	assert.Len(t, b.events, 1)

	boom := errors.New("boom")
	after := &collector{}
	c = Tee(schema.ConsumerFunc(func(context.Context, schema.Event) error { return boom }), after)
	assert.ErrorIs(t, c.OnEvent(context.Background(), ev), boom)
	assert.Empty(t, after.events)
}
