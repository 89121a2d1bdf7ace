// Copyright 2026 The Telemetryd Authors
// SPDX-License-Identifier: Apache-2.0

// Package pull manages pulled-atom sources: metric data fetched on
// demand rather than pushed through the intake socket.
//
// A registration binds (uid, atom tag) to a fetch path — the socket of
// the process that serves the atom, or the companion when the
// registration names no socket. Results are cached briefly so the poll
// alarm and back-to-back report builds do not hammer the sources, and
// every registered atom carries its own cooldown and timeout.
package pull

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/telemetryd/telemetryd/lib/clock"
	"github.com/telemetryd/telemetryd/lib/ipc"
	"github.com/telemetryd/telemetryd/lib/schema"
	"github.com/telemetryd/telemetryd/lib/service"
)

const (
	defaultCoolDown = time.Second
	defaultTimeout  = 10 * time.Second
	defaultCacheTtl = time.Second
)

// CompanionPuller fetches platform atoms through the live companion
// process. The companion link publishes an implementation on ready and
// withdraws it on death; between the two the manager sees nil and
// fails pulls cleanly instead of dereferencing a dead handle.
type CompanionPuller interface {
	PullAtom(ctx context.Context, atom int32) ([]schema.Event, error)
}

// EventSink receives pulled events. The collection engine implements
// it.
type EventSink interface {
	OnEvent(ctx context.Context, event schema.Event)
}

// Registration binds one (uid, atom) pair to its fetch path.
type Registration struct {
	// Uid is the registering caller, taken from peer credentials.
	Uid int32

	// Atom is the pulled atom's tag.
	Atom int32

	// SocketPath is the serving process's socket. Empty means the atom
	// is fetched through the companion.
	SocketPath string

	// CoolDown is the minimum interval between fetches. Zero selects
	// the default.
	CoolDown time.Duration

	// Timeout bounds one fetch. Zero selects the default.
	Timeout time.Duration

	// AdditiveFields lists value positions that may be summed when
	// deduplicating pulled data. Carried for receivers; the manager
	// does not interpret it.
	AdditiveFields []int32

	// Native marks registrations made through the native entry point.
	Native bool
}

type pullKey struct {
	Uid  int32
	Atom int32
}

type regState struct {
	reg      Registration
	pulls    uint64
	failures uint64
}

type cacheEntry struct {
	events    []schema.Event
	fetchedAt time.Time
}

// Options configures a Manager. Clock, Sink and Logger are required.
type Options struct {
	Clock clock.Clock
	Sink  EventSink

	// CacheTtl is how long a pulled result stays fresh. Zero selects
	// the default.
	CacheTtl time.Duration

	Logger *slog.Logger
}

// Manager tracks registrations, the result cache and the companion
// handle. Safe for concurrent use. Fetches run outside the lock, so
// two concurrent pulls of one atom may both reach the source; the
// cache keeps whichever result lands last.
type Manager struct {
	clk      clock.Clock
	sink     EventSink
	cacheTtl time.Duration
	logger   *slog.Logger

	mu            sync.Mutex
	registrations map[pullKey]*regState
	cache         map[pullKey]cacheEntry
	companion     CompanionPuller
	totalPulls    uint64
	cacheHits     uint64
	failedPulls   uint64
}

// NewManager builds a Manager from Options.
func NewManager(opts Options) (*Manager, error) {
	if opts.Clock == nil {
		return nil, fmt.Errorf("pull: Clock is required")
	}
	if opts.Sink == nil {
		return nil, fmt.Errorf("pull: Sink is required")
	}
	if opts.Logger == nil {
		return nil, fmt.Errorf("pull: Logger is required")
	}
	cacheTtl := opts.CacheTtl
	if cacheTtl <= 0 {
		cacheTtl = defaultCacheTtl
	}
	return &Manager{
		clk:           opts.Clock,
		sink:          opts.Sink,
		cacheTtl:      cacheTtl,
		logger:        opts.Logger,
		registrations: make(map[pullKey]*regState),
		cache:         make(map[pullKey]cacheEntry),
	}, nil
}

// Register installs or replaces the registration for (reg.Uid,
// reg.Atom). Replacement drops the cached result.
func (m *Manager) Register(reg Registration) error {
	if reg.Atom <= 0 {
		return ipc.IllegalArgumentf("pull atom %d is not positive", reg.Atom)
	}
	if reg.CoolDown <= 0 {
		reg.CoolDown = defaultCoolDown
	}
	if reg.Timeout <= 0 {
		reg.Timeout = defaultTimeout
	}

	key := pullKey{Uid: reg.Uid, Atom: reg.Atom}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registrations[key] = &regState{reg: reg}
	delete(m.cache, key)
	m.logger.Info("pull callback registered",
		"uid", reg.Uid,
		"atom", reg.Atom,
		"companion", reg.SocketPath == "",
		"native", reg.Native)
	return nil
}

// Unregister removes the registration and its cached result. Unknown
// pairs are a no-op.
func (m *Manager) Unregister(uid, atom int32) {
	key := pullKey{Uid: uid, Atom: atom}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.registrations[key]; ok {
		delete(m.registrations, key)
		delete(m.cache, key)
		m.logger.Info("pull callback unregistered", "uid", uid, "atom", atom)
	}
}

// Registered reports whether (uid, atom) has a registration.
func (m *Manager) Registered(uid, atom int32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.registrations[pullKey{Uid: uid, Atom: atom}]
	return ok
}

// Count returns the number of registrations.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.registrations)
}

// Pull fetches the atom's current data: from cache while the last
// result is inside the cache TTL or the registration's cooldown,
// otherwise from the source. A companion-backed atom fails with a
// null-dependency error while no companion is linked.
func (m *Manager) Pull(ctx context.Context, uid, atom int32) ([]schema.Event, error) {
	key := pullKey{Uid: uid, Atom: atom}
	now := m.clk.Now()

	m.mu.Lock()
	state, ok := m.registrations[key]
	if !ok {
		m.mu.Unlock()
		return nil, ipc.IllegalArgumentf("no pull callback registered for uid %d atom %d", uid, atom)
	}
	if entry, ok := m.cache[key]; ok {
		age := now.Sub(entry.fetchedAt)
		if age < m.cacheTtl || age < state.reg.CoolDown {
			m.cacheHits++
			events := slices.Clone(entry.events)
			m.mu.Unlock()
			return events, nil
		}
	}
	reg := state.reg
	companion := m.companion
	m.mu.Unlock()

	events, err := m.fetch(ctx, reg, companion)

	m.mu.Lock()
	defer m.mu.Unlock()
	state, stillRegistered := m.registrations[key]
	if err != nil {
		m.failedPulls++
		if stillRegistered {
			state.failures++
		}
		return nil, err
	}
	m.totalPulls++
	if stillRegistered {
		state.pulls++
		m.cache[key] = cacheEntry{events: events, fetchedAt: now}
	}
	return slices.Clone(events), nil
}

func (m *Manager) fetch(ctx context.Context, reg Registration, companion CompanionPuller) ([]schema.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, reg.Timeout)
	defer cancel()

	if reg.SocketPath == "" {
		if companion == nil {
			return nil, ipc.NullDependencyf("pull for atom %d needs the companion, which is not linked", reg.Atom)
		}
		events, err := companion.PullAtom(ctx, reg.Atom)
		if err != nil {
			return nil, fmt.Errorf("companion pull for atom %d: %w", reg.Atom, err)
		}
		return events, nil
	}

	var result ipc.PullResult
	client := service.NewClient(reg.SocketPath)
	err := client.Call(ctx, ipc.Request{Action: ipc.CompanionActionPull, Atom: reg.Atom}, &result)
	if err != nil {
		return nil, fmt.Errorf("pull from %s for atom %d: %w", reg.SocketPath, reg.Atom, err)
	}
	return result.Events, nil
}

// OnAlarmFired pulls every registered atom that is due and routes the
// results into the sink. Failures are logged and skipped; one dead
// source never blocks the others.
func (m *Manager) OnAlarmFired(ctx context.Context) {
	m.mu.Lock()
	keys := make([]pullKey, 0, len(m.registrations))
	for key := range m.registrations {
		keys = append(keys, key)
	}
	m.mu.Unlock()
	slices.SortFunc(keys, comparePullKeys)

	delivered := 0
	for _, key := range keys {
		events, err := m.Pull(ctx, key.Uid, key.Atom)
		if err != nil {
			m.logger.Warn("pull failed", "uid", key.Uid, "atom", key.Atom, "error", err)
			continue
		}
		for _, event := range events {
			m.sink.OnEvent(ctx, event)
		}
		delivered += len(events)
	}
	if delivered > 0 {
		m.logger.Info("pulled atoms delivered", "events", delivered)
	}
}

// SetCompanion publishes the live companion handle.
func (m *Manager) SetCompanion(p CompanionPuller) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.companion = p
}

// ClearCompanion withdraws the companion handle. Registrations and
// cached results survive; companion-backed pulls fail cleanly until
// the next SetCompanion.
func (m *Manager) ClearCompanion() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.companion = nil
}

// ClearCache drops every cached result and returns how many entries
// were dropped.
func (m *Manager) ClearCache() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	dropped := len(m.cache)
	clear(m.cache)
	return dropped
}

// Dump renders the registration table for the shell.
func (m *Manager) Dump() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]pullKey, 0, len(m.registrations))
	for key := range m.registrations {
		keys = append(keys, key)
	}
	slices.SortFunc(keys, comparePullKeys)

	var sb strings.Builder
	fmt.Fprintf(&sb, "pulled atoms: %d (pulls=%d cache_hits=%d failures=%d)\n",
		len(keys), m.totalPulls, m.cacheHits, m.failedPulls)
	for _, key := range keys {
		state := m.registrations[key]
		mode := "callback"
		if state.reg.SocketPath == "" {
			mode = "companion"
		}
		fmt.Fprintf(&sb, "  uid=%d atom=%d mode=%s cooldown=%s timeout=%s pulls=%d failures=%d\n",
			key.Uid, key.Atom, mode, state.reg.CoolDown, state.reg.Timeout,
			state.pulls, state.failures)
	}
	return sb.String()
}

func comparePullKeys(a, b pullKey) int {
	if a.Uid != b.Uid {
		return int(a.Uid - b.Uid)
	}
	return int(a.Atom - b.Atom)
}
