// Copyright 2026 The Telemetryd Authors
// SPDX-License-Identifier: Apache-2.0

package companion

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/telemetryd/telemetryd/alarm"
	"github.com/telemetryd/telemetryd/boot"
	"github.com/telemetryd/telemetryd/engine"
	"github.com/telemetryd/telemetryd/guardrail"
	"github.com/telemetryd/telemetryd/pull"
	"github.com/telemetryd/telemetryd/storage"
)

// Options wires the link to the subsystems that care about companion
// presence. Stats and Logger are required; the rest may be nil (or
// empty) and the corresponding recovery step is skipped.
type Options struct {
	Engine   *engine.Engine
	Gate     *boot.Gate
	Puller   *pull.Manager
	Monitors []*alarm.Monitor
	Stats    *guardrail.Collector
	Logger   *slog.Logger
}

// Link is the companion's {unlinked, linked} state machine. Ready
// publishes a fresh handle to the alarm monitors and the puller
// manager; Died runs the recovery protocol and clears it.
//
// Both notifications are idempotent and serialized on one mutex, so a
// ready arriving during recovery waits until recovery completes, and
// whichever notification runs last determines the final handle.
type Link struct {
	engine   *engine.Engine
	gate     *boot.Gate
	puller   *pull.Manager
	monitors []*alarm.Monitor
	stats    *guardrail.Collector
	logger   *slog.Logger

	mu      sync.Mutex
	current *Client
	epoch   uint64
}

// NewLink builds the link in the unlinked state.
func NewLink(opts Options) (*Link, error) {
	if opts.Stats == nil {
		return nil, fmt.Errorf("companion: Stats is required")
	}
	if opts.Logger == nil {
		return nil, fmt.Errorf("companion: Logger is required")
	}
	return &Link{
		engine:   opts.Engine,
		gate:     opts.Gate,
		puller:   opts.Puller,
		monitors: opts.Monitors,
		stats:    opts.Stats,
		logger:   opts.Logger,
	}, nil
}

// Ready links the companion reachable at socketPath and publishes the
// new handle. Calling Ready while already linked replaces the handle;
// every call starts a new epoch.
func (l *Link) Ready(socketPath string) *Client {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.epoch++
	handle := NewClient(socketPath)
	handle.epoch = l.epoch
	l.current = handle
	l.logger.Info("companion linked", "socket", socketPath, "epoch", handle.epoch)

	for _, m := range l.monitors {
		m.OnCompanionReady(handle)
	}
	if l.puller != nil {
		l.puller.SetCompanion(handle)
	}
	return handle
}

// Died runs the companion-death recovery protocol:
//
//  1. count the restart in guardrail stats,
//  2. cancel the pending boot-gate delay,
//  3. snapshot active-config state and metadata, flush report buffers
//     to disk, and reset the engine,
//  4. re-apply both snapshots by decoding the bytes just produced (a
//     genuine codec round-trip, so the recovery path exercises the
//     same code as normal persistence),
//  5. clear the handle on the alarm monitors and the puller manager.
//
// A death notification while unlinked is ignored. The mutex holds off
// any concurrent Ready until the sequence completes.
func (l *Link) Died() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.diedLocked()
}

// DiedFor runs the recovery protocol only while handle is still the
// current one. The registration stream calls this on EOF: if a newer
// companion has already linked, the stale stream's death must not tear
// the new link down.
func (l *Link) DiedFor(handle *Client) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current != handle {
		l.logger.Debug("stale companion death notification",
			"epoch", handle.epoch, "current_epoch", l.epoch)
		return
	}
	l.diedLocked()
}

func (l *Link) diedLocked() {
	if l.current == nil {
		l.logger.Debug("companion death notification while unlinked")
		return
	}
	l.logger.Warn("companion died", "epoch", l.current.epoch)

	l.stats.NoteCompanionRestart()
	if l.gate != nil {
		l.gate.Cancel()
	}
	if l.engine != nil {
		l.recoverEngine()
	}
	l.current = nil
	for _, m := range l.monitors {
		m.OnCompanionGone()
	}
	if l.puller != nil {
		l.puller.ClearCompanion()
	}
}

// recoverEngine flushes and resets the engine, then reloads activation
// and TTL state from the serialized snapshots. Failures are logged and
// the sequence continues: a lost snapshot costs activation windows,
// not report data, and the link must still reach the unlinked state.
func (l *Link) recoverEngine() {
	activeSnap, err := l.engine.SnapshotActiveConfigs()
	if err != nil {
		l.logger.Warn("active-config snapshot failed", "error", err)
		activeSnap = nil
	}
	metaSnap, err := l.engine.SnapshotMetadata()
	if err != nil {
		l.logger.Warn("metadata snapshot failed", "error", err)
		metaSnap = nil
	}

	if err := l.engine.WriteToDisk(storage.ReasonCompanionDied, true); err != nil {
		l.logger.Warn("report flush on companion death failed", "error", err)
	}
	l.engine.Reset()

	if activeSnap != nil {
		if err := l.engine.RestoreActiveConfigs(activeSnap); err != nil {
			l.logger.Warn("active-config restore failed", "error", err)
		}
	}
	if metaSnap != nil {
		if err := l.engine.RestoreMetadata(metaSnap); err != nil {
			l.logger.Warn("metadata restore failed", "error", err)
		}
	}
}

// Current returns the live handle, or nil while unlinked.
func (l *Link) Current() *Client {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Linked reports whether a companion is currently linked.
func (l *Link) Linked() bool {
	return l.Current() != nil
}

// Epoch returns the number of times a companion has linked.
func (l *Link) Epoch() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.epoch
}
