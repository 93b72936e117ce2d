// ABOUTME: Bounded event queue drained by a fixed pool of workers
// ABOUTME: Enqueue waits at most the acknowledgement budget before reporting the queue full
package webhook

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrQueueFull is returned when an event could not be queued in time.
var ErrQueueFull = errors.New("event queue full")

// Queue hands accepted events to workers.
type Queue struct {
	events  chan Event
	workers int
	handle  func(ctx context.Context, ev Event)
	// Dropped is called for each event still queued when Run returns.
	Dropped func(ev Event)
}

// NewQueue buffers size events for workers goroutines running handle.
func NewQueue(size, workers int, handle func(ctx context.Context, ev Event)) *Queue {
	if size < 1 {
		size = 1
	}
	if workers < 1 {
		workers = 1
	}
	return &Queue{events: make(chan Event, size), workers: workers, handle: handle}
}

// Enqueue queues ev, waiting up to wait for room.
func (q *Queue) Enqueue(ctx context.Context, ev Event, wait time.Duration) error {
	select {
	case q.events <- ev:
		return nil
	default:
	}
	if wait <= 0 {
		return ErrQueueFull
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case q.events <- ev:
		return nil
	case <-timer.C:
		return ErrQueueFull
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	return len(q.events)
}

// Run starts the workers and blocks until ctx is done and they have returned.
// Events still queued when ctx ends are passed to Dropped.
func (q *Queue) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for range q.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case ev := <-q.events:
					q.handle(ctx, ev)
				}
			}
		}()
	}
	wg.Wait()

	for {
		select {
		case ev := <-q.events:
			if q.Dropped != nil {
				q.Dropped(ev)
			}
		default:
			return
		}
	}
}
