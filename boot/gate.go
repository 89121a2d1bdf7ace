// Copyright 2026 The Telemetryd Authors
// SPDX-License-Identifier: Apache-2.0

// Package boot sequences the daemon's startup preconditions.
//
// A Gate is armed with a fixed set of tokens and an action. Each token
// may be marked satisfied at most once; when the last one lands, the
// gate lights its fuse and — after an optional delay — runs the action
// on its own goroutine, exactly once. Cancelling before the fuse burns
// down skips the action entirely.
package boot

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/telemetryd/telemetryd/lib/clock"
)

// InitDelay is how long the daemon lets the system settle after the
// last startup token before telling the engine that initialization is
// over.
const InitDelay = 90 * time.Second

// The daemon's startup tokens.
const (
	// TokenBootComplete is marked when the platform reports boot
	// completed.
	TokenBootComplete = "boot-complete"

	// TokenUidMapReceived is marked on the first full uid-map snapshot.
	TokenUidMapReceived = "uid-map-received"

	// TokenPullersRegistered is marked once startup pull registrations
	// are in place.
	TokenPullersRegistered = "pullers-registered"
)

// DefaultTokens returns the daemon's standard startup token set.
func DefaultTokens() []string {
	return []string{TokenBootComplete, TokenUidMapReceived, TokenPullersRegistered}
}

// Gate fires its action once, after every token is marked and the
// delay has elapsed. Safe for concurrent use.
type Gate struct {
	clk    clock.Clock
	delay  time.Duration
	action func()
	logger *slog.Logger

	cancelCh chan struct{}

	mu        sync.Mutex
	pending   map[string]struct{}
	lit       bool
	cancelled bool
	fired     bool
}

// New arms a gate over the given tokens. Duplicate tokens collapse;
// a gate with no tokens lights its fuse on the first MarkComplete of
// anything, which is never — pass at least one token.
func New(tokens []string, delay time.Duration, clk clock.Clock, action func(), logger *slog.Logger) *Gate {
	g := &Gate{
		clk:      clk,
		delay:    delay,
		action:   action,
		logger:   logger,
		cancelCh: make(chan struct{}),
		pending:  make(map[string]struct{}, len(tokens)),
	}
	for _, token := range tokens {
		g.pending[token] = struct{}{}
	}
	return g
}

// MarkComplete records one satisfied token. Unknown tokens, repeated
// tokens, and marks after the fuse is lit or the gate is cancelled are
// all no-ops.
func (g *Gate) MarkComplete(token string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.lit || g.cancelled {
		return
	}
	if _, ok := g.pending[token]; !ok {
		return
	}
	delete(g.pending, token)
	g.logger.Info("startup token satisfied", "token", token, "remaining", len(g.pending))
	if len(g.pending) > 0 {
		return
	}
	g.lit = true
	go g.fire()
}

// Cancel stops the gate. A pending delay is aborted; a gate that has
// not fired never will. Cancelling twice, or after the action ran, is
// a no-op.
func (g *Gate) Cancel() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancelled {
		return
	}
	g.cancelled = true
	close(g.cancelCh)
	if !g.fired {
		g.logger.Info("boot gate cancelled")
	}
}

// Pending returns the unsatisfied tokens, sorted. Empty once the fuse
// is lit.
func (g *Gate) Pending() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	tokens := make([]string, 0, len(g.pending))
	for token := range g.pending {
		tokens = append(tokens, token)
	}
	slices.Sort(tokens)
	return tokens
}

// Fired reports whether the action has run.
func (g *Gate) Fired() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.fired
}

func (g *Gate) fire() {
	if g.delay > 0 {
		select {
		case <-g.clk.After(g.delay):
		case <-g.cancelCh:
			return
		}
	}

	g.mu.Lock()
	if g.cancelled {
		g.mu.Unlock()
		return
	}
	g.fired = true
	g.mu.Unlock()

	g.logger.Info("boot gate fired", "delay", g.delay)
	g.action()
}
