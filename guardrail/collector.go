// Copyright 2026 The Telemetryd Authors
// SPDX-License-Identifier: Apache-2.0

// Package guardrail tracks the daemon's self-observation counters:
// how much work the control plane has done and how often it has hit
// its own limits. The collector is injected into every subsystem that
// has something to report, and its snapshot feeds both the metadata
// action and the shell's print-stats command.
package guardrail

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// Collector accumulates operational counters. All methods are safe for
// concurrent use; counters use atomics so the hot ingestion path never
// takes a lock to report a drop.
type Collector struct {
	eventsIngested     atomic.Uint64
	queueOverflow      atomic.Uint64
	broadcastsSent     atomic.Uint64
	alarmRegistrations atomic.Uint64
	companionRestarts  atomic.Uint64

	reportCount     atomic.Uint64
	lastReportBytes atomic.Uint64
	maxReportBytes  atomic.Uint64
}

// NewCollector returns a zeroed collector.
func NewCollector() *Collector {
	return &Collector{}
}

// NoteEventIngested records one event accepted onto the queue.
func (c *Collector) NoteEventIngested() {
	c.eventsIngested.Add(1)
}

// NoteQueueOverflow records one event dropped because the queue was
// full.
func (c *Collector) NoteQueueOverflow() {
	c.queueOverflow.Add(1)
}

// NoteBroadcastSent records one data-ready or subscriber broadcast
// delivered to a receiver.
func (c *Collector) NoteBroadcastSent() {
	c.broadcastsSent.Add(1)
}

// NoteAlarmRegistration records one alarm registration forwarded (or
// attempted) toward the companion.
func (c *Collector) NoteAlarmRegistration() {
	c.alarmRegistrations.Add(1)
}

// NoteCompanionRestart records one observed companion death.
func (c *Collector) NoteCompanionRestart() {
	c.companionRestarts.Add(1)
}

// NoteReportSize records the byte size of one produced report and
// keeps the running maximum.
func (c *Collector) NoteReportSize(bytes int) {
	if bytes < 0 {
		return
	}
	c.reportCount.Add(1)
	c.lastReportBytes.Store(uint64(bytes))
	for {
		max := c.maxReportBytes.Load()
		if uint64(bytes) <= max {
			return
		}
		if c.maxReportBytes.CompareAndSwap(max, uint64(bytes)) {
			return
		}
	}
}

// Snapshot is a point-in-time copy of the counters. It is the CBOR
// body of the metadata action and the source for the shell's
// print-stats text.
type Snapshot struct {
	EventsIngested     uint64 `cbor:"events_ingested"`
	QueueOverflow      uint64 `cbor:"queue_overflow"`
	BroadcastsSent     uint64 `cbor:"broadcasts_sent"`
	AlarmRegistrations uint64 `cbor:"alarm_registrations"`
	CompanionRestarts  uint64 `cbor:"companion_restarts"`
	ReportCount        uint64 `cbor:"report_count"`
	LastReportBytes    uint64 `cbor:"last_report_bytes"`
	MaxReportBytes     uint64 `cbor:"max_report_bytes"`
}

// Snapshot returns a copy of the current counter values. The copy is
// not a consistent cut across counters (each is read independently),
// which is fine for operational reporting.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		EventsIngested:     c.eventsIngested.Load(),
		QueueOverflow:      c.queueOverflow.Load(),
		BroadcastsSent:     c.broadcastsSent.Load(),
		AlarmRegistrations: c.alarmRegistrations.Load(),
		CompanionRestarts:  c.companionRestarts.Load(),
		ReportCount:        c.reportCount.Load(),
		LastReportBytes:    c.lastReportBytes.Load(),
		MaxReportBytes:     c.maxReportBytes.Load(),
	}
}

// Text renders the snapshot as the fixed-width block printed by the
// shell's print-stats command and the dump surface.
func (s Snapshot) Text() string {
	var b strings.Builder
	b.WriteString("guardrail stats:\n")
	fmt.Fprintf(&b, "  events ingested:      %d\n", s.EventsIngested)
	fmt.Fprintf(&b, "  queue overflow drops: %d\n", s.QueueOverflow)
	fmt.Fprintf(&b, "  broadcasts sent:      %d\n", s.BroadcastsSent)
	fmt.Fprintf(&b, "  alarm registrations:  %d\n", s.AlarmRegistrations)
	fmt.Fprintf(&b, "  companion restarts:   %d\n", s.CompanionRestarts)
	fmt.Fprintf(&b, "  reports produced:     %d\n", s.ReportCount)
	fmt.Fprintf(&b, "  last report bytes:    %d\n", s.LastReportBytes)
	fmt.Fprintf(&b, "  max report bytes:     %d\n", s.MaxReportBytes)
	return b.String()
}
