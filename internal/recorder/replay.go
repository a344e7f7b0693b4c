package recorder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"tradelog/internal/codec"
	"tradelog/internal/schema"
	"tradelog/pkg/exception"
)

// ReplayConfig controls replay behavior.
type ReplayConfig struct {
	Dir string
	// Speed > 0 paces delivery to the recorded spacing divided by Speed.
	Speed float64
}

func (c ReplayConfig) Validate() error {
	if c.Dir == "" {
		return fmt.Errorf("invalid replay config: Dir is empty")
	}
	if c.Speed < 0 {
		return fmt.Errorf("invalid replay config: Speed must be >= 0")
	}
	return nil
}

// Clock allows deterministic pacing control.
type Clock interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Query selects one log and a half-open time window [From, To). Zero bounds
// are open. Exchange also filters the shared orders and fills logs; Symbol
// filters fills.
type Query struct {
	Exchange string
	Symbol   string
	Kind     schema.EventKind
	From     time.Time
	To       time.Time
}

// Key returns the log the query reads.
func (q Query) Key() schema.LogKey {
	switch q.Kind {
	case schema.KindTick, schema.KindCandle:
		return schema.LogKey{Exchange: q.Exchange, Symbol: q.Symbol, Kind: q.Kind}
	default:
		return schema.LogKey{Kind: q.Kind}
	}
}

func (q Query) match(e schema.Event) bool {
	ts := e.Timestamp()
	if !q.From.IsZero() && ts.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && !ts.Before(q.To) {
		return false
	}
	switch q.Kind {
	case schema.KindOrder:
		return q.Exchange == "" || e.Exchange() == q.Exchange
	case schema.KindFill:
		return (q.Exchange == "" || e.Exchange() == q.Exchange) && (q.Symbol == "" || e.Symbol() == q.Symbol)
	}
	return true
}

// Replayer reads historical logs back as ordered event streams.
type Replayer struct {
	cfg   ReplayConfig
	clock Clock
}

// NewReplayer validates the config and creates a replayer.
func NewReplayer(cfg ReplayConfig) (*Replayer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Replayer{cfg: cfg, clock: realClock{}}, nil
}

// WithClock swaps the clock implementation.
func (p *Replayer) WithClock(clock Clock) *Replayer {
	if clock != nil {
		p.clock = clock
	}
	return p
}

type indexEntry struct {
	key    schema.SortKey
	offset int64
	length int
}

// Replay opens a fresh stream over the query. Every call starts from the
// beginning, so a replay can be restarted at any time. The first pass keeps
// only sort keys and offsets; payloads are decoded one at a time in Next.
// Records appended after Replay returns are not part of the stream.
func (p *Replayer) Replay(ctx context.Context, q Query) (*Stream, error) {
	if !q.Kind.IsAvailable() {
		return nil, fmt.Errorf("replay: unknown kind %d", q.Kind)
	}
	key := q.Key()
	path := filepath.Join(p.cfg.Dir, key.FileName())
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Stream{key: key}, nil
		}
		return nil, fmt.Errorf("replay open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("replay stat %s: %w", path, err)
	}

	s := &Stream{key: key, file: f, speed: p.cfg.Speed, clock: p.clock}
	r := NewReader(io.NewSectionReader(f, 0, info.Size()), key)
	for {
		if err := ctx.Err(); err != nil {
			_ = f.Close()
			return nil, err
		}
		e, off, n, err := r.next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			_ = f.Close()
			return nil, fmt.Errorf("replay index %s: %w", path, err)
		}
		if !q.match(e) {
			continue
		}
		s.index = append(s.index, indexEntry{key: e.SortKey(), offset: off, length: n})
	}
	s.truncated = r.Truncated()
	sort.SliceStable(s.index, func(i, j int) bool {
		return s.index[i].key.Compare(s.index[j].key) < 0
	})
	return s, nil
}

// Logs lists the log keys present in the directory.
func (p *Replayer) Logs() ([]schema.LogKey, error) {
	entries, err := os.ReadDir(p.cfg.Dir)
	if err != nil {
		return nil, err
	}
	var keys []schema.LogKey
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if key, ok := ParseLogName(entry.Name()); ok {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})
	return keys, nil
}

// ParseLogName maps a file name produced by LogKey.FileName back to its key.
func ParseLogName(name string) (schema.LogKey, bool) {
	base, ok := strings.CutSuffix(name, ".csv")
	if !ok {
		return schema.LogKey{}, false
	}
	switch base {
	case "orders":
		return schema.LogKey{Kind: schema.KindOrder}, true
	case "fills":
		return schema.LogKey{Kind: schema.KindFill}, true
	}
	parts := strings.Split(base, "_")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return schema.LogKey{}, false
	}
	exchange, ok := schema.ParseFileToken(parts[0])
	if !ok {
		return schema.LogKey{}, false
	}
	symbol, ok := schema.ParseFileToken(parts[1])
	if !ok {
		return schema.LogKey{}, false
	}
	switch parts[2] {
	case "ticks":
		return schema.LogKey{Exchange: exchange, Symbol: symbol, Kind: schema.KindTick}, true
	case "candles":
		return schema.LogKey{Exchange: exchange, Symbol: symbol, Kind: schema.KindCandle}, true
	}
	return schema.LogKey{}, false
}

// Stream is an ordered, finite view over one log.
type Stream struct {
	key       schema.LogKey
	file      *os.File
	index     []indexEntry
	pos       int
	truncated bool
	buf       []byte

	speed  float64
	clock  Clock
	prevTS time.Time
}

// Len returns the number of events in the stream.
func (s *Stream) Len() int {
	return len(s.index)
}

// Truncated reports whether the log ended in a discarded partial record.
func (s *Stream) Truncated() bool {
	return s.truncated
}

// Next decodes the next event in order. It returns io.EOF at the end.
func (s *Stream) Next(ctx context.Context) (schema.Event, error) {
	if err := ctx.Err(); err != nil {
		return schema.Event{}, err
	}
	if s.pos >= len(s.index) {
		return schema.Event{}, io.EOF
	}
	if s.file == nil {
		return schema.Event{}, fmt.Errorf("replay %s: stream closed", s.key)
	}
	entry := s.index[s.pos]
	if cap(s.buf) < entry.length {
		s.buf = make([]byte, entry.length)
	}
	buf := s.buf[:entry.length]
	if _, err := s.file.ReadAt(buf, entry.offset); err != nil {
		return schema.Event{}, fmt.Errorf("replay read %s at %d: %w", s.key, entry.offset, err)
	}
	cols, err := codec.ParseRecord(buf)
	if err != nil {
		return schema.Event{}, fmt.Errorf("%w: %s at %d: %v", exception.ErrCorruptRecord, s.key, entry.offset, err)
	}
	e, err := codec.Decode(s.key, cols)
	if err != nil {
		return schema.Event{}, err
	}
	if err := s.pace(ctx, e.Timestamp()); err != nil {
		return schema.Event{}, err
	}
	s.pos++
	return e, nil
}

func (s *Stream) pace(ctx context.Context, ts time.Time) error {
	if s.speed <= 0 || s.clock == nil {
		return nil
	}
	if !s.prevTS.IsZero() {
		if delta := ts.Sub(s.prevTS); delta > 0 {
			if err := s.clock.Sleep(ctx, time.Duration(float64(delta)/s.speed)); err != nil {
				return err
			}
		}
	}
	s.prevTS = ts
	return nil
}

// Close releases the underlying file.
func (s *Stream) Close() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
