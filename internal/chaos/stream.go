package chaos

import (
	"context"
	"errors"
	"io"

	"tradelog/internal/ingest"
)

type stream struct {
	src     ingest.RawStream
	engine  *Engine
	out     []Event
	drained bool
}

// Wrap applies e to every payload of src. A nil engine returns src.
func Wrap(src ingest.RawStream, e *Engine) ingest.RawStream {
	if e == nil {
		return src
	}
	return &stream{src: src, engine: e}
}

func (s *stream) Next(ctx context.Context) (ingest.RawPayload, error) {
	for len(s.out) == 0 {
		if s.drained {
			return ingest.RawPayload{}, io.EOF
		}
		p, err := s.src.Next(ctx)
		if errors.Is(err, io.EOF) {
			s.drained = true
			s.out = append(s.out, s.engine.Flush()...)
			continue
		}
		if err != nil {
			return ingest.RawPayload{}, err
		}
		s.out = append(s.out, s.engine.Process(p)...)
	}
	p := s.out[0]
	s.out = s.out[1:]
	return p, nil
}

func (s *stream) Close() error {
	return s.src.Close()
}
