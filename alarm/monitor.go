// Copyright 2026 The Telemetryd Authors
// SPDX-License-Identifier: Apache-2.0

// Package alarm tracks the daemon's two companion-scheduled alarms:
// the anomaly alarm and the subscriber-triggering alarm.
//
// The companion owns the OS alarm machinery; the daemon only forwards
// registrations to whatever companion is currently linked. A Monitor
// therefore survives companion death with its bookkeeping intact — the
// handle goes nil, forwarding pauses, and a later re-link does not
// re-register anything on its own. The engine re-derives alarms after
// state reload.
package alarm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/telemetryd/telemetryd/guardrail"
)

// MinDeltaSeconds is the idempotence threshold: re-registering an
// alarm less than this many seconds away from the outstanding one is
// ignored, so chatty callers do not turn into companion traffic.
const MinDeltaSeconds = 5

// CompanionAlarms is the forwarding surface a linked companion
// provides. The daemon side implements it with one-shot socket calls.
type CompanionAlarms interface {
	SetAnomalyAlarm(ctx context.Context, atUnixSeconds int64) error
	CancelAnomalyAlarm(ctx context.Context) error
	SetAlarmForSubscriberTriggering(ctx context.Context, atUnixSeconds int64) error
	CancelAlarmForSubscriberTriggering(ctx context.Context) error
}

// Kind selects which alarm pair a Monitor forwards to.
type Kind int

const (
	// KindAnomaly is the anomaly-detection alarm.
	KindAnomaly Kind = iota

	// KindSubscriber is the subscriber-triggering alarm.
	KindSubscriber
)

func (k Kind) String() string {
	switch k {
	case KindAnomaly:
		return "anomaly"
	case KindSubscriber:
		return "subscriber"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Monitor is one alarm registry. Safe for concurrent use; the handle
// is read and cleared under the same lock, so no caller observes it
// mid-transition.
type Monitor struct {
	kind   Kind
	stats  *guardrail.Collector
	logger *slog.Logger

	mu           sync.Mutex
	handle       CompanionAlarms
	registeredAt int64 // unix seconds; 0 = no registration outstanding
}

// NewMonitor builds a registry of the given kind.
func NewMonitor(kind Kind, stats *guardrail.Collector, logger *slog.Logger) *Monitor {
	return &Monitor{kind: kind, stats: stats, logger: logger}
}

// SetAlarm registers the alarm for atUnixSeconds. Updates inside the
// minimum delta of the outstanding registration are ignored entirely.
// Otherwise the registration is counted in guardrail stats and
// forwarded to the linked companion; an unlinked or failing companion
// costs a log line, never an error — the engine re-registers after
// recovery.
func (m *Monitor) SetAlarm(ctx context.Context, atUnixSeconds int64) {
	m.mu.Lock()
	if m.registeredAt != 0 {
		delta := atUnixSeconds - m.registeredAt
		if delta < 0 {
			delta = -delta
		}
		if delta < MinDeltaSeconds {
			m.mu.Unlock()
			m.logger.Debug("alarm update inside minimum delta ignored",
				"kind", m.kind.String(),
				"registered", m.registeredAt,
				"requested", atUnixSeconds)
			return
		}
	}
	m.registeredAt = atUnixSeconds
	handle := m.handle
	m.mu.Unlock()

	m.stats.NoteAlarmRegistration()

	if handle == nil {
		m.logger.Info("alarm registered while companion unlinked",
			"kind", m.kind.String(), "at", atUnixSeconds)
		return
	}
	if err := m.forwardSet(ctx, handle, atUnixSeconds); err != nil {
		m.logger.Warn("forwarding alarm registration failed",
			"kind", m.kind.String(), "at", atUnixSeconds, "error", err)
	}
}

// CancelAlarm clears the registration. Forwarded only when one is
// outstanding.
func (m *Monitor) CancelAlarm(ctx context.Context) {
	m.mu.Lock()
	if m.registeredAt == 0 {
		m.mu.Unlock()
		return
	}
	m.registeredAt = 0
	handle := m.handle
	m.mu.Unlock()

	if handle == nil {
		return
	}
	if err := m.forwardCancel(ctx, handle); err != nil {
		m.logger.Warn("forwarding alarm cancellation failed",
			"kind", m.kind.String(), "error", err)
	}
}

// OnFired handles the companion's report that the alarm went off. A
// registration at or before nowUnixSeconds is cleared and true is
// returned; a future or absent registration stays put.
func (m *Monitor) OnFired(nowUnixSeconds int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registeredAt == 0 || m.registeredAt > nowUnixSeconds {
		return false
	}
	m.registeredAt = 0
	return true
}

// OnCompanionReady installs the new companion handle. Outstanding
// registrations are not replayed.
func (m *Monitor) OnCompanionReady(handle CompanionAlarms) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handle = handle
}

// OnCompanionGone clears the handle. Bookkeeping survives: the
// outstanding registration time stays, and guardrail counts are
// untouched.
func (m *Monitor) OnCompanionGone() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handle = nil
}

// Linked reports whether a companion handle is installed.
func (m *Monitor) Linked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handle != nil
}

// Outstanding returns the registered alarm time in unix seconds, or 0.
func (m *Monitor) Outstanding() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registeredAt
}

func (m *Monitor) forwardSet(ctx context.Context, h CompanionAlarms, at int64) error {
	switch m.kind {
	case KindSubscriber:
		return h.SetAlarmForSubscriberTriggering(ctx, at)
	default:
		return h.SetAnomalyAlarm(ctx, at)
	}
}

func (m *Monitor) forwardCancel(ctx context.Context, h CompanionAlarms) error {
	switch m.kind {
	case KindSubscriber:
		return h.CancelAlarmForSubscriberTriggering(ctx)
	default:
		return h.CancelAnomalyAlarm(ctx)
	}
}
