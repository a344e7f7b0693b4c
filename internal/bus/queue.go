package bus

import (
	"context"
	"errors"
	"sync"

	"tradelog/internal/obs"
	"tradelog/internal/schema"
	"tradelog/pkg/exception"
)

// Queue is a bounded event queue between the pipeline and a slow consumer.
type Queue struct {
	ch      chan schema.Event
	done    chan struct{}
	once    sync.Once
	metrics *obs.Metrics
	// Block makes OnEvent wait for room instead of dropping.
	Block bool
}

var _ schema.Consumer = (*Queue)(nil)

// NewQueue allocates a queue with the given capacity. metrics may be nil.
func NewQueue(capacity int, metrics *obs.Metrics) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		ch:      make(chan schema.Event, capacity),
		done:    make(chan struct{}),
		metrics: metrics,
	}
}

// Publish enqueues an event, waiting for room.
func (q *Queue) Publish(ctx context.Context, e schema.Event) error {
	select {
	case <-q.done:
		q.metrics.IncQueueClosed()
		return exception.ErrQueueClosed
	default:
	}
	select {
	case q.ch <- e:
		return nil
	case <-q.done:
		q.metrics.IncQueueClosed()
		return exception.ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPublish enqueues an event without blocking.
func (q *Queue) TryPublish(e schema.Event) error {
	select {
	case <-q.done:
		q.metrics.IncQueueClosed()
		return exception.ErrQueueClosed
	default:
	}
	select {
	case q.ch <- e:
		return nil
	default:
		q.metrics.IncQueueDrop()
		return exception.ErrQueueFull
	}
}

// OnEvent publishes e, blocking or dropping according to Block. A dropped
// event is not an error for the caller; it is counted.
func (q *Queue) OnEvent(ctx context.Context, e schema.Event) error {
	if q.Block {
		return q.Publish(ctx, e)
	}
	if err := q.TryPublish(e); err != nil && !errors.Is(err, exception.ErrQueueFull) {
		return err
	}
	return nil
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops the queue from accepting new events. Events already queued
// are still handed to Run.
func (q *Queue) Close() {
	q.once.Do(func() { close(q.done) })
}

// Run consumes events until the context is done, or the queue is closed and
// drained.
func (q *Queue) Run(ctx context.Context, handler func(schema.Event)) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-q.ch:
			handler(e)
		case <-q.done:
			for {
				select {
				case e := <-q.ch:
					handler(e)
				default:
					return
				}
			}
		}
	}
}
