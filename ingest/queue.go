// Copyright 2026 The Telemetryd Authors
// SPDX-License-Identifier: Apache-2.0

// Package ingest moves events from the intake socket to the collection
// engine: a bounded queue fed by many producers and drained by exactly
// one consumer loop.
package ingest

import (
	"sync"
	"sync/atomic"

	"github.com/telemetryd/telemetryd/guardrail"
	"github.com/telemetryd/telemetryd/lib/schema"
)

// DefaultQueueCapacity bounds the intake queue when the configuration
// does not choose a size.
const DefaultQueueCapacity = 4096

// Queue is a bounded FIFO of events. Push never blocks: when the queue
// is full the oldest event is dropped and counted in guardrail stats.
// WaitPop blocks the single consumer until an event is available.
//
// The queue has no cancellation primitive of its own. Shutdown is a
// two-step handshake: Interrupt raises the stop flag and then pushes a
// sentinel event, so a consumer blocked in WaitPop wakes up, re-checks
// the flag, and exits without dispatching the sentinel. The flag alone
// would leave the consumer blocked forever on an idle queue.
type Queue struct {
	stats *guardrail.Collector

	mu    sync.Mutex
	cond  *sync.Cond
	buf   []schema.Event
	head  int
	count int

	stopped atomic.Bool
}

// NewQueue builds a queue holding at most capacity events. A
// non-positive capacity selects the default.
func NewQueue(capacity int, stats *guardrail.Collector) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	q := &Queue{
		stats: stats,
		buf:   make([]schema.Event, capacity),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends one event, dropping the oldest queued event when full.
func (q *Queue) Push(event schema.Event) {
	q.mu.Lock()
	if q.count == len(q.buf) {
		q.head = (q.head + 1) % len(q.buf)
		q.count--
		q.stats.NoteQueueOverflow()
	}
	q.buf[(q.head+q.count)%len(q.buf)] = event
	q.count++
	q.mu.Unlock()
	q.cond.Signal()
}

// WaitPop blocks until an event is available and returns it.
func (q *Queue) WaitPop() schema.Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.count == 0 {
		q.cond.Wait()
	}
	event := q.buf[q.head]
	q.buf[q.head] = schema.Event{}
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	return event
}

// Interrupt raises the stop flag and wakes a blocked consumer with a
// sentinel event. Call once at shutdown.
func (q *Queue) Interrupt() {
	q.stopped.Store(true)
	q.Push(schema.Event{})
}

// Stopped reports whether Interrupt has been called.
func (q *Queue) Stopped() bool {
	return q.stopped.Load()
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Cap returns the queue's capacity.
func (q *Queue) Cap() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}
