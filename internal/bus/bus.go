// Package bus fans engine events out to in-process subscribers.
//
// Publishing never blocks the caller: each subscriber owns a bounded queue and
// an event that does not fit is dropped and counted.
package bus

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/yanun0323/logs"

	"quoter/internal/obs"
	"quoter/internal/schema"
	"quoter/pkg/exception"
)

// Queue is a bounded, non-blocking event queue.
type Queue struct {
	name   string
	ch     chan schema.Event
	closed uint32
}

// NewQueue allocates a queue with the given capacity.
func NewQueue(name string, capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{name: name, ch: make(chan schema.Event, capacity)}
}

func (q *Queue) Name() string {
	return q.name
}

// TryPublish enqueues an event without blocking.
func (q *Queue) TryPublish(e schema.Event) error {
	if atomic.LoadUint32(&q.closed) != 0 {
		return exception.ErrQueueClosed
	}
	select {
	case q.ch <- e:
		return nil
	default:
		return exception.ErrQueueFull
	}
}

// Close stops the queue from accepting new events.
func (q *Queue) Close() {
	if atomic.CompareAndSwapUint32(&q.closed, 0, 1) {
		close(q.ch)
	}
}

// Run consumes events until the context is done or the queue is closed.
func (q *Queue) Run(ctx context.Context, handler func(schema.Event)) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-q.ch:
			if !ok {
				return
			}
			handler(e)
		}
	}
}

// Bus delivers every published event to every subscriber queue.
type Bus struct {
	metrics *obs.Metrics

	mu     sync.RWMutex
	queues []*Queue
}

func New(metrics *obs.Metrics) *Bus {
	return &Bus{metrics: metrics}
}

// Subscribe registers a new queue. Events published before the call are not replayed.
func (b *Bus) Subscribe(name string, capacity int) *Queue {
	q := NewQueue(name, capacity)
	b.mu.Lock()
	b.queues = append(b.queues, q)
	b.mu.Unlock()
	return q
}

// Publish implements the publisher contract of the order manager and the core.
func (b *Bus) Publish(e schema.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, q := range b.queues {
		if err := q.TryPublish(e); err != nil {
			b.metrics.IncQueueDrop()
			logs.Warnf("event dropped, queue=%s type=%s instrument=%s err=%v", q.name, e.Type, e.Instrument, err)
		}
	}
}

// Close closes every subscriber queue.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, q := range b.queues {
		q.Close()
	}
}
