// Package bus decouples the feed reader from event processing with a
// bounded in-memory queue. The reader never blocks on a slow consumer;
// overflow is surfaced as an error so the caller can escalate.
package bus

import (
	"context"
	"errors"
	"sync"

	"main/internal/model"
)

var (
	ErrQueueFull   = errors.New("event queue full")
	ErrQueueClosed = errors.New("event queue closed")
)

// Queue is a bounded, non-blocking feed event queue. Publish and Close
// are serialized so a publisher can never hit a closed channel.
type Queue struct {
	mu     sync.Mutex
	ch     chan model.FeedEvent
	closed bool
}

// NewQueue allocates a queue with the given capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{ch: make(chan model.FeedEvent, capacity)}
}

// TryPublish enqueues an event without blocking.
func (q *Queue) TryPublish(ev model.FeedEvent) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.ch <- ev:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops the queue from accepting new events. Events already
// queued are still delivered to the consumer.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}

// Len reports the number of buffered events.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Run consumes events until the context is done or the queue is closed
// and drained.
func (q *Queue) Run(ctx context.Context, handler func(model.FeedEvent)) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-q.ch:
			if !ok {
				return
			}
			handler(ev)
		}
	}
}
