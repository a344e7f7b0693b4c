package og

import (
	"container/heap"
	"time"

	"tradelog/internal/schema"
)

// Sequencer reorders a live stream by event time. Events are held until the
// watermark, the latest timestamp pushed, is more than lateness past them,
// then released in tie-break order. A late event, one older than what was
// already released, is released at once and counted.
//
// A Sequencer is not safe for concurrent use.
type Sequencer struct {
	lateness  time.Duration
	pending   eventHeap
	seq       uint64
	watermark time.Time
	released  time.Time
	late      int
}

func NewSequencer(lateness time.Duration) *Sequencer {
	return &Sequencer{lateness: max(lateness, 0)}
}

// Push adds e and returns everything that is now ready.
func (s *Sequencer) Push(e schema.Event) []schema.Event {
	ts := e.Timestamp()
	if !s.released.IsZero() && ts.Before(s.released) {
		s.late++
		return []schema.Event{e}
	}
	if ts.After(s.watermark) {
		s.watermark = ts
	}
	heap.Push(&s.pending, sequenced{event: e, seq: s.seq})
	s.seq++
	return s.release(s.watermark.Add(-s.lateness))
}

// Flush releases everything still held.
func (s *Sequencer) Flush() []schema.Event {
	var out []schema.Event
	for s.pending.Len() > 0 {
		out = append(out, s.pop())
	}
	return out
}

// Watermark is the latest event time seen.
func (s *Sequencer) Watermark() time.Time {
	return s.watermark
}

// Late counts events that arrived after their slot was released.
func (s *Sequencer) Late() int {
	return s.late
}

func (s *Sequencer) Pending() int {
	return s.pending.Len()
}

// release pops events at or before cutoff.
func (s *Sequencer) release(cutoff time.Time) []schema.Event {
	var out []schema.Event
	for s.pending.Len() > 0 && !s.pending[0].event.Timestamp().After(cutoff) {
		out = append(out, s.pop())
	}
	return out
}

func (s *Sequencer) pop() schema.Event {
	e := heap.Pop(&s.pending).(sequenced).event
	s.released = e.Timestamp()
	return e
}

type sequenced struct {
	event schema.Event
	seq   uint64
}

type eventHeap []sequenced

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	if c := schema.Compare(h[i].event, h[j].event); c != 0 {
		return c < 0
	}
	return h[i].seq < h[j].seq
}

func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *eventHeap) Push(x any) { *h = append(*h, x.(sequenced)) }

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
