package recorder

import (
	"container/heap"
	"context"
	"errors"
	"io"

	"tradelog/internal/schema"
)

// Merged interleaves several ordered streams into one ordered stream. Events
// with equal sort keys come out in the order the streams were passed.
type Merged struct {
	streams []schema.Stream
	h       mergeHeap
	primed  bool
}

// Merge builds a merged stream. Each input must already be ordered.
func Merge(streams ...schema.Stream) *Merged {
	return &Merged{streams: streams}
}

type mergeItem struct {
	event schema.Event
	src   int
}

type mergeHeap []mergeItem

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	if c := schema.Compare(h[i].event, h[j].event); c != 0 {
		return c < 0
	}
	return h[i].src < h[j].src
}
func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x any)   { *h = append(*h, x.(mergeItem)) }
func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func (m *Merged) pull(ctx context.Context, src int) error {
	e, err := m.streams[src].Next(ctx)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	heap.Push(&m.h, mergeItem{event: e, src: src})
	return nil
}

// Next returns the smallest pending event across all inputs.
func (m *Merged) Next(ctx context.Context) (schema.Event, error) {
	if !m.primed {
		m.primed = true
		for i := range m.streams {
			if err := m.pull(ctx, i); err != nil {
				return schema.Event{}, err
			}
		}
	}
	if m.h.Len() == 0 {
		return schema.Event{}, io.EOF
	}
	item := heap.Pop(&m.h).(mergeItem)
	if err := m.pull(ctx, item.src); err != nil {
		return schema.Event{}, err
	}
	return item.event, nil
}

// Close closes every input that can be closed.
func (m *Merged) Close() error {
	var first error
	for _, s := range m.streams {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}
