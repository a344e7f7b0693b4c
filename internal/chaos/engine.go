package chaos

import (
	"fmt"
	"math/rand"
	"time"

	"tradelog/internal/ingest"
)

// Event is a raw venue delivery subject to chaos.
type Event = ingest.RawPayload

// Config controls chaos injection behavior. The zero value disables it.
type Config struct {
	Seed          int64
	DropRate      float64
	DuplicateRate float64
	ReorderWindow int
	MaxDelay      time.Duration
}

// Enabled reports whether any rule is active.
func (c Config) Enabled() bool {
	return c.DropRate > 0 || c.DuplicateRate > 0 || c.ReorderWindow > 1 || c.MaxDelay > 0
}

// Engine applies chaos rules to raw deliveries, simulating a lossy,
// redelivering network.
type Engine struct {
	cfg     Config
	rng     *rand.Rand
	pending []Event
	stats   Stats
}

// Stats counts what the engine did.
type Stats struct {
	Dropped    int
	Duplicated int
	Reordered  int
}

// NewEngine creates a chaos engine with validation.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.ReorderWindow <= 0 {
		cfg.ReorderWindow = 1
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UTC().UnixNano()
	}
	return &Engine{
		cfg: cfg,
		rng: rand.New(rand.NewSource(cfg.Seed)),
	}, nil
}

// Validate ensures the config is within supported ranges.
func (c Config) Validate() error {
	if c.DropRate < 0 || c.DropRate > 1 {
		return fmt.Errorf("dropRate must be between 0 and 1")
	}
	if c.DuplicateRate < 0 || c.DuplicateRate > 1 {
		return fmt.Errorf("duplicateRate must be between 0 and 1")
	}
	if c.ReorderWindow <= 0 {
		return fmt.Errorf("reorderWindow must be >= 1")
	}
	if c.MaxDelay < 0 {
		return fmt.Errorf("maxDelay must be >= 0")
	}
	return nil
}

// Process applies chaos to a single event and returns any output events.
func (e *Engine) Process(ev Event) []Event {
	if e == nil {
		return []Event{ev}
	}
	if e.shouldDrop() {
		return nil
	}
	ev = e.applyDelay(ev)
	if e.cfg.ReorderWindow <= 1 {
		return e.applyDuplicate(ev)
	}
	e.pending = append(e.pending, ev)
	if len(e.pending) < e.cfg.ReorderWindow {
		return nil
	}
	idx := e.rng.Intn(len(e.pending))
	if idx != 0 {
		e.stats.Reordered++
	}
	out := e.pending[idx]
	e.pending = append(e.pending[:idx], e.pending[idx+1:]...)
	return e.applyDuplicate(out)
}

// Flush returns any buffered events after processing completes.
func (e *Engine) Flush() []Event {
	if e == nil || len(e.pending) == 0 {
		return nil
	}
	out := make([]Event, 0, len(e.pending))
	for len(e.pending) > 0 {
		idx := e.rng.Intn(len(e.pending))
		ev := e.pending[idx]
		e.pending = append(e.pending[:idx], e.pending[idx+1:]...)
		out = append(out, e.applyDuplicate(ev)...)
	}
	return out
}

// Stats returns the counters so far.
func (e *Engine) Stats() Stats {
	if e == nil {
		return Stats{}
	}
	return e.stats
}

func (e *Engine) shouldDrop() bool {
	if e.cfg.DropRate > 0 && e.rng.Float64() < e.cfg.DropRate {
		e.stats.Dropped++
		return true
	}
	return false
}

func (e *Engine) applyDuplicate(ev Event) []Event {
	out := []Event{ev}
	if e.cfg.DuplicateRate > 0 && e.rng.Float64() < e.cfg.DuplicateRate {
		dup := ev
		dup.Data = append([]byte(nil), ev.Data...)
		out = append(out, dup)
		e.stats.Duplicated++
	}
	return out
}

func (e *Engine) applyDelay(ev Event) Event {
	if e.cfg.MaxDelay <= 0 || ev.Received.IsZero() {
		return ev
	}
	delay := time.Duration(e.rng.Int63n(e.cfg.MaxDelay.Nanoseconds() + 1))
	ev.Received = ev.Received.Add(delay)
	return ev
}
