// Copyright 2026 The Telemetryd Authors
// SPDX-License-Identifier: Apache-2.0

// Package engine turns the event stream into per-config report data.
//
// Each registered config owns a collection: matched events accumulate
// into time buckets, reports are CBOR documents built from those
// buckets, and get-data erases what it returns. Configs marked
// restricted bypass the buckets entirely and land in the restricted
// metrics database, readable only through query-sql.
//
// The engine also carries the two pieces of state that must survive a
// companion restart: which activation-gated configs are currently
// live, and how much of each config's TTL remains. Both round-trip
// through CBOR snapshots rather than in-memory copies, so the restore
// path is the same one a fresh process would take.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/telemetryd/telemetryd/guardrail"
	"github.com/telemetryd/telemetryd/lib/clock"
	"github.com/telemetryd/telemetryd/lib/codec"
	"github.com/telemetryd/telemetryd/lib/ipc"
	"github.com/telemetryd/telemetryd/lib/schema"
	"github.com/telemetryd/telemetryd/storage"
)

// RestrictedSink receives events matched by restricted configs. The
// restricted metrics store implements it; the indirection keeps the
// engine free of a SQLite dependency.
type RestrictedSink interface {
	Record(ctx context.Context, key schema.ConfigKey, event schema.Event) error
}

// Options configures a new Engine. Clock, Store, Stats and Logger are
// required; Restricted may be nil, in which case restricted configs
// are rejected at registration time.
type Options struct {
	Clock      clock.Clock
	Store      *storage.Store
	Stats      *guardrail.Collector
	Restricted RestrictedSink
	Logger     *slog.Logger
}

// Engine holds every live collection. Safe for concurrent use; event
// handling and the RPC paths share one mutex.
type Engine struct {
	clk        clock.Clock
	store      *storage.Store
	stats      *guardrail.Collector
	restricted RestrictedSink
	logger     *slog.Logger

	verbose atomic.Bool

	mu          sync.Mutex
	collections map[schema.ConfigKey]*collection
	idleSettled bool
}

// New builds an Engine from Options.
func New(opts Options) (*Engine, error) {
	if opts.Clock == nil {
		return nil, fmt.Errorf("engine: Clock is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("engine: Store is required")
	}
	if opts.Stats == nil {
		return nil, fmt.Errorf("engine: Stats is required")
	}
	if opts.Logger == nil {
		return nil, fmt.Errorf("engine: Logger is required")
	}
	return &Engine{
		clk:         opts.Clock,
		store:       opts.Store,
		stats:       opts.Stats,
		restricted:  opts.Restricted,
		logger:      opts.Logger,
		collections: make(map[schema.ConfigKey]*collection),
	}, nil
}

// OnConfigUpdated parses the payload and installs a fresh collection
// for the key, replacing any existing one. Replacement drops the old
// collection's data.
func (e *Engine) OnConfigUpdated(key schema.ConfigKey, payload []byte) error {
	cfg, err := ParseConfig(payload)
	if err != nil {
		return err
	}
	if cfg.Restricted && e.restricted == nil {
		return ipc.IllegalStatef("restricted metrics store is not available")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.collections[key] = newCollection(key, payload, cfg, e.clk.Now())
	e.logger.Info("collection installed",
		"key", key.String(),
		"name", cfg.Name,
		"matchers", len(cfg.Matchers),
		"restricted", cfg.Restricted)
	return nil
}

// OnConfigRemoved drops the collection for the key. Unknown keys are
// a no-op.
func (e *Engine) OnConfigRemoved(key schema.ConfigKey) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.collections[key]; ok {
		delete(e.collections, key)
		e.logger.Info("collection removed", "key", key.String())
	}
}

// OnEvent routes one event through every collection. Restricted
// deliveries happen after the engine lock is released so database
// writes never stall the RPC paths.
func (e *Engine) OnEvent(ctx context.Context, event schema.Event) {
	if e.verbose.Load() {
		e.logger.Info("event",
			"atom", event.Atom,
			"uid", event.Uid,
			"elapsed_nanos", event.ElapsedNanos)
	}

	now := e.clk.Now()
	type delivery struct {
		key   schema.ConfigKey
		event schema.Event
	}
	var deliveries []delivery

	e.mu.Lock()
	for key, c := range e.collections {
		if !c.ttlEnd.IsZero() && !now.Before(c.ttlEnd) {
			c.restartEpoch(now)
			e.logger.Info("collection epoch restarted", "key", key.String())
		}
		if c.cfg.Activation != nil && event.Atom == c.cfg.Activation.Atom {
			c.activate(now)
		}
		if _, ok := c.matchSet[event.Atom]; !ok {
			continue
		}
		if c.sourceSet != nil {
			if _, ok := c.sourceSet[event.Uid]; !ok {
				continue
			}
		}
		if !c.active(now) {
			continue
		}
		if c.cfg.Restricted {
			c.totalMatched++
			deliveries = append(deliveries, delivery{key: key, event: event})
			continue
		}
		c.record(event, now)
	}
	e.mu.Unlock()

	for _, d := range deliveries {
		if err := e.restricted.Record(ctx, d.key, d.event); err != nil {
			e.logger.Warn("restricted delivery failed",
				"key", d.key.String(),
				"error", err)
		}
	}
}

// OnPollAlarmFired closes the current bucket on every collection that
// has one, establishing the periodic bucket cadence.
func (e *Engine) OnPollAlarmFired() {
	now := e.clk.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range e.collections {
		if c.cfg.Restricted {
			continue
		}
		c.roll(now)
	}
}

// OnIdleSettled records that post-boot initialization has finished.
// Later calls are no-ops.
func (e *Engine) OnIdleSettled() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.idleSettled {
		return
	}
	e.idleSettled = true
	e.logger.Info("collection engine settled after boot")
}

// IdleSettled reports whether post-boot initialization has finished.
func (e *Engine) IdleSettled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.idleSettled
}

// GetReport builds the CBOR report for a key. Unknown keys yield an
// empty report, not an error. Restricted configs refuse: their rows
// are read through query-sql. With eraseData the returned buckets are
// dropped; erasing the current bucket leaves the collection without
// one until the next matching event, so an immediate second call
// returns an empty report.
func (e *Engine) GetReport(key schema.ConfigKey, eraseData, includeCurrent bool) ([]byte, error) {
	now := e.clk.Now()
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.collections[key]
	if !ok {
		return codec.Marshal(Report{Key: key, GeneratedNanos: now.UnixNano()})
	}
	if c.cfg.Restricted {
		return nil, ipc.IllegalStatef("restricted config %s reports only through query-sql", key)
	}

	report := c.buildReport(now, includeCurrent)
	data, err := codec.Marshal(report)
	if err != nil {
		return nil, ipc.Internalf("encoding report for %s: %v", key, err)
	}
	if eraseData {
		c.erase(includeCurrent)
	}
	e.stats.NoteReportSize(len(data))
	return data, nil
}

// ActiveConfigIDs lists the uid's config IDs that are currently
// collecting, sorted ascending.
func (e *Engine) ActiveConfigIDs(uid int32) []int64 {
	now := e.clk.Now()
	e.mu.Lock()
	defer e.mu.Unlock()

	var ids []int64
	for key, c := range e.collections {
		if key.Uid == uid && c.active(now) {
			ids = append(ids, key.Id)
		}
	}
	slices.Sort(ids)
	return ids
}

// ConfigCount returns the number of installed collections.
func (e *Engine) ConfigCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.collections)
}

// ConfigKeys lists every installed config key, sorted by uid then id.
func (e *Engine) ConfigKeys() []schema.ConfigKey {
	e.mu.Lock()
	keys := make([]schema.ConfigKey, 0, len(e.collections))
	for key := range e.collections {
		keys = append(keys, key)
	}
	e.mu.Unlock()

	slices.SortFunc(keys, func(a, b schema.ConfigKey) int {
		if a.Uid != b.Uid {
			return int(a.Uid - b.Uid)
		}
		switch {
		case a.Id < b.Id:
			return -1
		case a.Id > b.Id:
			return 1
		}
		return 0
	})
	return keys
}

// IsRestricted reports whether the installed config routes its events
// to the restricted store. Unknown keys report false.
func (e *Engine) IsRestricted(key schema.ConfigKey) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.collections[key]
	return ok && c.cfg.Restricted
}

// ConfigIDByName resolves a uid's config by its configured name. When
// several configs share the name, the lowest id wins.
func (e *Engine) ConfigIDByName(uid int32, name string) (int64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	found := false
	var id int64
	for key, c := range e.collections {
		if key.Uid != uid || c.cfg.Name != name {
			continue
		}
		if !found || key.Id < id {
			id = key.Id
			found = true
		}
	}
	return id, found
}

// Reset rebuilds every collection from its retained payload: configs
// survive, data does not. This is the recovery path after the
// companion process dies; snapshots taken beforehand re-apply the
// activation and TTL state afterwards.
func (e *Engine) Reset() {
	now := e.clk.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	for key, c := range e.collections {
		e.collections[key] = newCollection(key, c.payload, c.cfg, now)
	}
	e.logger.Info("engine reset", "collections", len(e.collections))
}

// WriteToDisk persists a report for every collection holding data and
// erases what it wrote. Encoding happens under the lock, disk writes
// after. The first storage error is returned; later writes are still
// attempted.
func (e *Engine) WriteToDisk(reason storage.Reason, fast bool) error {
	now := e.clk.Now()
	type persisted struct {
		key  schema.ConfigKey
		data []byte
	}
	var outs []persisted

	e.mu.Lock()
	for key, c := range e.collections {
		if c.cfg.Restricted || !c.hasData(true) {
			continue
		}
		report := c.buildReport(now, true)
		data, err := codec.Marshal(report)
		if err != nil {
			e.logger.Error("encoding report", "key", key.String(), "error", err)
			continue
		}
		outs = append(outs, persisted{key: key, data: data})
		c.erase(true)
	}
	e.mu.Unlock()

	var firstErr error
	for _, p := range outs {
		if err := e.store.WriteReport(p.key, p.data, reason, fast); err != nil {
			e.logger.Error("persisting report", "key", p.key.String(), "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		e.stats.NoteReportSize(len(p.data))
	}
	return firstErr
}

// SetVerbose toggles per-event logging.
func (e *Engine) SetVerbose(on bool) {
	e.verbose.Store(on)
	e.logger.Info("verbose event logging", "enabled", on)
}

// Verbose reports whether per-event logging is on.
func (e *Engine) Verbose() bool {
	return e.verbose.Load()
}

// Dump renders one line per collection for the dump surface.
func (e *Engine) Dump() string {
	now := e.clk.Now()
	e.mu.Lock()
	defer e.mu.Unlock()

	keys := make([]schema.ConfigKey, 0, len(e.collections))
	for key := range e.collections {
		keys = append(keys, key)
	}
	slices.SortFunc(keys, func(a, b schema.ConfigKey) int {
		if a.Uid != b.Uid {
			return int(a.Uid - b.Uid)
		}
		switch {
		case a.Id < b.Id:
			return -1
		case a.Id > b.Id:
			return 1
		}
		return 0
	})

	var sb strings.Builder
	fmt.Fprintf(&sb, "collections: %d\n", len(keys))
	for _, key := range keys {
		c := e.collections[key]
		fmt.Fprintf(&sb, "  %s name=%q matched=%d closed=%d",
			key.String(), c.cfg.Name, c.totalMatched, len(c.closed))
		if c.current != nil {
			sb.WriteString(" current=open")
		}
		if c.cfg.Restricted {
			sb.WriteString(" restricted")
		}
		if c.cfg.Activation != nil {
			fmt.Fprintf(&sb, " active=%v", c.active(now))
		}
		if remaining := c.remainingTtl(now); remaining > 0 {
			fmt.Fprintf(&sb, " ttl=%s", remaining.Truncate(time.Second))
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
