package schema

import (
	"context"
	"errors"
	"io"
)

// Stream is a lazy sequence of canonical events. Next returns io.EOF once a
// finite stream is exhausted. Live ingestion and replay both produce Streams.
type Stream interface {
	Next(ctx context.Context) (Event, error)
}

// Consumer receives canonical events in delivery order.
type Consumer interface {
	OnEvent(ctx context.Context, e Event) error
}

// ConsumerFunc adapts a function to Consumer.
type ConsumerFunc func(ctx context.Context, e Event) error

func (f ConsumerFunc) OnEvent(ctx context.Context, e Event) error {
	return f(ctx, e)
}

// Drain feeds every event of s to c until the stream ends or either fails.
func Drain(ctx context.Context, s Stream, c Consumer) error {
	for {
		e, err := s.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := c.OnEvent(ctx, e); err != nil {
			return err
		}
	}
}

// SliceStream serves a fixed slice of events.
type SliceStream struct {
	events []Event
	pos    int
}

// NewSliceStream copies nothing; the caller must not mutate events afterwards.
func NewSliceStream(events []Event) *SliceStream {
	return &SliceStream{events: events}
}

func (s *SliceStream) Next(ctx context.Context) (Event, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}
	if s.pos >= len(s.events) {
		return Event{}, io.EOF
	}
	e := s.events[s.pos]
	s.pos++
	return e, nil
}

// Collect reads a stream to the end.
func Collect(ctx context.Context, s Stream) ([]Event, error) {
	var out []Event
	err := Drain(ctx, s, ConsumerFunc(func(_ context.Context, e Event) error {
		out = append(out, e)
		return nil
	}))
	return out, err
}
