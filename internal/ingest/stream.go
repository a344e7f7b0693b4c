package ingest

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"tradelog/pkg/exception"
)

// SliceStream replays fixed payloads, then io.EOF.
type SliceStream struct {
	mu       sync.Mutex
	payloads []RawPayload
	pos      int
	closed   bool
}

func NewSliceStream(payloads []RawPayload) *SliceStream {
	return &SliceStream{payloads: payloads}
}

func (s *SliceStream) Next(ctx context.Context) (RawPayload, error) {
	if err := ctx.Err(); err != nil {
		return RawPayload{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return RawPayload{}, exception.ErrStreamClosed
	}
	if s.pos >= len(s.payloads) {
		return RawPayload{}, io.EOF
	}
	p := s.payloads[s.pos]
	s.pos++
	return p, nil
}

func (s *SliceStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// PumpStream adapts a producer goroutine to RawStream. The producer sends
// through emit and returns when done; its error, or io.EOF on a nil return, ends
// the stream after buffered payloads drain.
type PumpStream struct {
	out    chan RawPayload
	done   chan struct{}
	cancel context.CancelFunc
	once   sync.Once
	closed atomic.Bool
	err    error
}

// Pump starts produce in its own goroutine.
func Pump(ctx context.Context, buffer int, produce func(ctx context.Context, emit func(RawPayload) bool) error) *PumpStream {
	ctx, cancel := context.WithCancel(ctx)
	s := &PumpStream{
		out:    make(chan RawPayload, max(buffer, 0)),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	emit := func(p RawPayload) bool {
		select {
		case s.out <- p:
			return true
		case <-ctx.Done():
			return false
		}
	}
	go func() {
		defer close(s.done)
		err := produce(ctx, emit)
		if err == nil {
			err = io.EOF
		}
		s.err = err
	}()
	return s
}

func (s *PumpStream) Next(ctx context.Context) (RawPayload, error) {
	select {
	case p := <-s.out:
		return p, nil
	default:
	}
	select {
	case <-ctx.Done():
		return RawPayload{}, ctx.Err()
	case p := <-s.out:
		return p, nil
	case <-s.done:
		select {
		case p := <-s.out:
			return p, nil
		default:
			if s.closed.Load() {
				return RawPayload{}, exception.ErrStreamClosed
			}
			return RawPayload{}, s.err
		}
	}
}

// Close stops the producer and waits for it.
func (s *PumpStream) Close() error {
	s.once.Do(func() {
		s.closed.Store(true)
		s.cancel()
		<-s.done
	})
	return nil
}
