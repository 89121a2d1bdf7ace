// Copyright 2026 The Telemetryd Authors
// SPDX-License-Identifier: Apache-2.0

package ingest

import (
	"context"
	"log/slog"
	"sync"

	"github.com/telemetryd/telemetryd/guardrail"
	"github.com/telemetryd/telemetryd/lib/schema"
)

// EventSink receives events in arrival order. The collection engine is
// the primary sink; a live debug subscription may tap the stream.
type EventSink interface {
	OnEvent(ctx context.Context, event schema.Event)
}

// Loop drains the queue and dispatches each event to the engine first
// and to the live tap second, so a subscriber can never observe an
// event the engine has not seen yet.
type Loop struct {
	queue  *Queue
	sink   EventSink
	stats  *guardrail.Collector
	logger *slog.Logger

	mu  sync.RWMutex
	tap EventSink
}

// NewLoop builds the consumer loop. The tap starts unset; SetTap
// installs one when a live subscription opens.
func NewLoop(queue *Queue, sink EventSink, stats *guardrail.Collector, logger *slog.Logger) *Loop {
	return &Loop{
		queue:  queue,
		sink:   sink,
		stats:  stats,
		logger: logger,
	}
}

// SetTap installs an additional sink fed after the engine. A nil tap
// removes the current one.
func (l *Loop) SetTap(tap EventSink) {
	l.mu.Lock()
	l.tap = tap
	l.mu.Unlock()
}

func (l *Loop) currentTap() EventSink {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tap
}

// Run consumes the queue until Interrupt is called on it. The stop
// flag is re-checked after every pop so a sentinel event is never
// dispatched. Run must be the queue's only consumer.
func (l *Loop) Run(ctx context.Context) {
	l.logger.Info("ingestion loop started")
	for {
		event := l.queue.WaitPop()
		if l.queue.Stopped() {
			l.logger.Info("ingestion loop interrupted")
			return
		}
		// The tap is captured before dispatch: an event popped after
		// SetTap is guaranteed to reach the new tap, and one popped
		// before never does, even when the swap lands mid-iteration.
		tap := l.currentTap()
		l.stats.NoteEventIngested()
		l.sink.OnEvent(ctx, event)
		if tap != nil {
			tap.OnEvent(ctx, event)
		}
	}
}
