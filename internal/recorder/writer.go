package recorder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yanun0323/logs"

	"tradelog/internal/codec"
	"tradelog/internal/schema"
	"tradelog/pkg/backoff"
	"tradelog/pkg/exception"
)

// Writer appends canonical events to per-key csv logs. Appends to different
// logs never contend; appends to one log are serialized by that log's lock.
type Writer struct {
	cfg Config

	mu      sync.Mutex
	streams map[schema.LogKey]*stream

	closed atomic.Bool
}

type stream struct {
	mu     sync.Mutex
	key    schema.LogKey
	path   string
	file   File
	size   int64
	last   time.Time
	failed error
}

// NewWriter creates a writer and ensures the log directory exists.
func NewWriter(cfg Config) (*Writer, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir %s: %w", cfg.Dir, err)
	}
	return &Writer{
		cfg:     cfg,
		streams: make(map[schema.LogKey]*stream),
	}, nil
}

// venue returns the registered venue, or the UTC grid when unknown.
func (w *Writer) venue(name string) schema.Venue {
	if w.cfg.Registry != nil {
		if v, ok := w.cfg.Registry.Venue(name); ok {
			return v
		}
	}
	return schema.Venue{Name: name}
}

// Dir returns the log directory.
func (w *Writer) Dir() string {
	return w.cfg.Dir
}

// Append validates, encodes and durably writes one event. It returns only
// after the record is on disk (unless NoSync), so callers may act on the
// event afterwards. A log whose retries are exhausted stays failed; other
// logs keep accepting appends.
func (w *Writer) Append(ctx context.Context, e schema.Event) error {
	if w.closed.Load() {
		return exception.ErrWriterClosed
	}
	if err := e.ValidateOn(w.venue(e.Exchange())); err != nil {
		return err
	}
	if e.Kind == schema.KindCandle && !e.Candle.Closed {
		return fmt.Errorf("%w: forming candle %s %s", exception.ErrSchemaViolation, e.Candle.Symbol, e.Candle.Timeframe)
	}
	cols, err := codec.Encode(e)
	if err != nil {
		return err
	}
	var rec bytes.Buffer
	if err := codec.AppendRecord(&rec, cols); err != nil {
		return fmt.Errorf("%w: encode %s: %v", exception.ErrSchemaViolation, e.Kind, err)
	}

	s := w.stream(e.Key())
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failed != nil {
		return fmt.Errorf("%w: %w: %s: %v", exception.ErrWriteFailure, exception.ErrStreamFailed, s.key, s.failed)
	}
	if w.closed.Load() {
		return exception.ErrWriterClosed
	}

	start := time.Now()
	err = backoff.Retry(ctx, w.cfg.Backoff, w.cfg.Sleeper, w.cfg.MaxAttempts, func(attempt int) error {
		if attempt > 1 {
			w.cfg.Metrics.IncWriteRetry()
		}
		werr := w.write(s, rec.Bytes())
		if werr != nil {
			logs.Warnf("write %s attempt %d/%d failed, err: %+v", s.path, attempt, w.cfg.MaxAttempts, werr)
		}
		return werr
	})
	if err != nil {
		s.failed = err
		w.cfg.Metrics.IncStreamFailed()
		logs.Errorf("log stream %s failed after %d attempts, err: %+v", s.key, w.cfg.MaxAttempts, err)
		return fmt.Errorf("%w: %w: %s: %v", exception.ErrWriteFailure, exception.ErrStreamFailed, s.key, err)
	}
	// checked after the write so a reopened log has its last record loaded
	ts := e.Timestamp()
	if e.Kind == schema.KindTick || e.Kind == schema.KindCandle {
		if !s.last.IsZero() && ts.Before(s.last) {
			w.cfg.Metrics.IncOutOfOrder()
			logs.Warnf("out of order %s record at %s, previous %s", s.key, ts.Format(time.RFC3339Nano), s.last.Format(time.RFC3339Nano))
		}
	}
	if ts.After(s.last) {
		s.last = ts
	}
	w.cfg.Metrics.ObserveAppend(e.Kind, time.Since(start))
	return nil
}

func (w *Writer) stream(key schema.LogKey) *stream {
	w.mu.Lock()
	defer w.mu.Unlock()
	s, ok := w.streams[key]
	if !ok {
		s = &stream{key: key, path: filepath.Join(w.cfg.Dir, key.FileName())}
		w.streams[key] = s
	}
	return s
}

// write performs one attempt. A failed attempt rolls the file back to the
// last complete record and drops the handle so the next attempt reopens.
func (w *Writer) write(s *stream, rec []byte) error {
	if s.file == nil {
		if err := w.open(s); err != nil {
			return err
		}
	}
	data := rec
	if s.size == 0 {
		var buf bytes.Buffer
		if err := codec.AppendRecord(&buf, codec.Header(s.key.Kind)); err != nil {
			return err
		}
		buf.Write(rec)
		data = buf.Bytes()
	}

	n, err := s.file.Write(data)
	if err == nil && n != len(data) {
		err = io.ErrShortWrite
	}
	if err == nil && !w.cfg.NoSync {
		err = s.file.Sync()
	}
	if err != nil {
		w.rollback(s)
		return fmt.Errorf("%w: %s: %v", exception.ErrWriteFailure, s.path, err)
	}
	s.size += int64(len(data))
	return nil
}

func (w *Writer) open(s *stream) error {
	f, err := w.cfg.Open(s.path)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", exception.ErrWriteFailure, s.path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: stat %s: %v", exception.ErrWriteFailure, s.path, err)
	}
	size := info.Size()
	if size > 0 {
		complete, last, err := scanTail(io.NewSectionReader(f, 0, size))
		if err != nil {
			_ = f.Close()
			return fmt.Errorf("%w: scan %s: %v", exception.ErrWriteFailure, s.path, err)
		}
		if complete < size {
			logs.Warnf("discard %d byte partial record at end of %s", size-complete, s.path)
			if err := f.Truncate(complete); err != nil {
				_ = f.Close()
				return fmt.Errorf("%w: repair %s: %v", exception.ErrWriteFailure, s.path, err)
			}
			size = complete
		}
		if s.last.IsZero() && last > 0 {
			s.last = w.lastTimestamp(s, f, last, complete)
		}
	}
	s.file, s.size = f, size
	return nil
}

// lastTimestamp reads the event time of the record at [start, end) so
// ordering checks carry over a restart.
func (w *Writer) lastTimestamp(s *stream, f File, start, end int64) time.Time {
	buf := make([]byte, end-start)
	if _, err := f.ReadAt(buf, start); err != nil && !errors.Is(err, io.EOF) {
		logs.Warnf("read last record of %s, err: %+v", s.path, err)
		return time.Time{}
	}
	cols, err := codec.ParseRecord(buf)
	if err != nil {
		logs.Warnf("parse last record of %s, err: %+v", s.path, err)
		return time.Time{}
	}
	e, err := codec.Decode(s.key, cols)
	if err != nil {
		logs.Warnf("decode last record of %s, err: %+v", s.path, err)
		return time.Time{}
	}
	return e.Timestamp()
}

func (w *Writer) rollback(s *stream) {
	if s.file == nil {
		return
	}
	if err := s.file.Truncate(s.size); err != nil {
		logs.Errorf("rollback %s to %d bytes, err: %+v", s.path, s.size, err)
	}
	_ = s.file.Close()
	s.file = nil
}

// Failed returns the error that stopped a log, nil while it is healthy.
func (w *Writer) Failed(key schema.LogKey) error {
	s := w.stream(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}

// Close syncs and closes every open log. Appends fail afterwards.
func (w *Writer) Close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}
	w.mu.Lock()
	streams := make([]*stream, 0, len(w.streams))
	for _, s := range w.streams {
		streams = append(streams, s)
	}
	w.mu.Unlock()

	var first error
	for _, s := range streams {
		s.mu.Lock()
		if s.file != nil {
			if err := s.file.Sync(); err != nil && first == nil {
				first = err
			}
			if err := s.file.Close(); err != nil && first == nil {
				first = err
			}
			s.file = nil
		}
		s.mu.Unlock()
	}
	return first
}
