// Copyright 2026 The Telemetryd Authors
// SPDX-License-Identifier: Apache-2.0

package ingest

import (
	"sync"
	"testing"
	"time"

	"github.com/telemetryd/telemetryd/guardrail"
	"github.com/telemetryd/telemetryd/lib/schema"
	"github.com/telemetryd/telemetryd/lib/testutil"
)

func event(atom int32) schema.Event {
	return schema.Event{Atom: atom, ElapsedNanos: int64(atom) * 1000}
}

func TestPushPopOrder(t *testing.T) {
	q := NewQueue(8, guardrail.NewCollector())
	for _, atom := range []int32{1, 2, 3} {
		q.Push(event(atom))
	}
	for _, want := range []int32{1, 2, 3} {
		if got := q.WaitPop().Atom; got != want {
			t.Fatalf("popped atom %d, want %d", got, want)
		}
	}
	if q.Len() != 0 {
		t.Fatalf("queue length = %d after draining, want 0", q.Len())
	}
}

func TestOverflowDropsOldest(t *testing.T) {
	stats := guardrail.NewCollector()
	q := NewQueue(3, stats)
	for atom := int32(1); atom <= 5; atom++ {
		q.Push(event(atom))
	}
	if q.Len() != 3 {
		t.Fatalf("queue length = %d, want 3", q.Len())
	}
	for _, want := range []int32{3, 4, 5} {
		if got := q.WaitPop().Atom; got != want {
			t.Fatalf("popped atom %d, want %d", got, want)
		}
	}
	if overflow := stats.Snapshot().QueueOverflow; overflow != 2 {
		t.Fatalf("overflow count = %d, want 2", overflow)
	}
}

func TestWraparoundKeepsOrder(t *testing.T) {
	q := NewQueue(4, guardrail.NewCollector())
	for atom := int32(1); atom <= 3; atom++ {
		q.Push(event(atom))
	}
	q.WaitPop()
	q.WaitPop()
	for atom := int32(4); atom <= 6; atom++ {
		q.Push(event(atom))
	}
	for _, want := range []int32{3, 4, 5, 6} {
		if got := q.WaitPop().Atom; got != want {
			t.Fatalf("popped atom %d, want %d", got, want)
		}
	}
}

func TestInterruptUnblocksWaitPop(t *testing.T) {
	q := NewQueue(8, guardrail.NewCollector())
	popped := make(chan schema.Event, 1)
	go func() {
		popped <- q.WaitPop()
	}()

	q.Interrupt()

	got := testutil.RequireReceive(t, popped, 5*time.Second, "consumer still blocked after Interrupt")
	if got.Atom != 0 {
		t.Fatalf("sentinel atom = %d, want 0", got.Atom)
	}
	if !q.Stopped() {
		t.Fatal("Stopped() = false after Interrupt")
	}
}

func TestInterruptIsVisibleToBusyConsumer(t *testing.T) {
	q := NewQueue(8, guardrail.NewCollector())
	q.Push(event(1))
	q.Interrupt()

	// The real event is still popped first; the flag tells the
	// consumer to stop before touching the sentinel.
	if got := q.WaitPop().Atom; got != 1 {
		t.Fatalf("popped atom %d, want 1", got)
	}
	if !q.Stopped() {
		t.Fatal("Stopped() = false after Interrupt")
	}
}

func TestConcurrentProducers(t *testing.T) {
	q := NewQueue(1024, guardrail.NewCollector())
	const producers, perProducer = 8, 32

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Push(event(7))
			}
		}()
	}
	wg.Wait()

	if q.Len() != producers*perProducer {
		t.Fatalf("queue length = %d, want %d", q.Len(), producers*perProducer)
	}
}

func TestCapReportsCapacity(t *testing.T) {
	if got := NewQueue(17, guardrail.NewCollector()).Cap(); got != 17 {
		t.Fatalf("Cap() = %d, want 17", got)
	}
	if got := NewQueue(0, guardrail.NewCollector()).Cap(); got != DefaultQueueCapacity {
		t.Fatalf("Cap() = %d for default, want %d", got, DefaultQueueCapacity)
	}
}
