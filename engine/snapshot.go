// Copyright 2026 The Telemetryd Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"slices"
	"time"

	"github.com/telemetryd/telemetryd/lib/codec"
	"github.com/telemetryd/telemetryd/lib/ipc"
	"github.com/telemetryd/telemetryd/lib/schema"
)

// activeEntry records one live activation: the config and how much
// activation time it had left when the snapshot was taken.
type activeEntry struct {
	Key            schema.ConfigKey `cbor:"key"`
	RemainingNanos int64            `cbor:"remaining_nanos"`
}

type activeSnapshot struct {
	Entries []activeEntry `cbor:"entries,omitempty"`
}

// metadataEntry records one config's remaining TTL.
type metadataEntry struct {
	Key               schema.ConfigKey `cbor:"key"`
	RemainingTtlNanos int64            `cbor:"remaining_ttl_nanos"`
}

type metadataSnapshot struct {
	Entries []metadataEntry `cbor:"entries,omitempty"`
}

func sortedKeys[E any](entries []E, key func(E) schema.ConfigKey) {
	slices.SortFunc(entries, func(a, b E) int {
		ka, kb := key(a), key(b)
		if ka.Uid != kb.Uid {
			return int(ka.Uid - kb.Uid)
		}
		switch {
		case ka.Id < kb.Id:
			return -1
		case ka.Id > kb.Id:
			return 1
		}
		return 0
	})
}

// SnapshotActiveConfigs captures every activation-gated config that is
// currently live, with its remaining activation time. The result is a
// deterministic CBOR document fit for RestoreActiveConfigs.
func (e *Engine) SnapshotActiveConfigs() ([]byte, error) {
	now := e.clk.Now()
	e.mu.Lock()
	defer e.mu.Unlock()

	var snap activeSnapshot
	for key, c := range e.collections {
		if remaining := c.remainingActive(now); remaining > 0 {
			snap.Entries = append(snap.Entries, activeEntry{
				Key:            key,
				RemainingNanos: remaining.Nanoseconds(),
			})
		}
	}
	sortedKeys(snap.Entries, func(en activeEntry) schema.ConfigKey { return en.Key })
	return codec.Marshal(snap)
}

// RestoreActiveConfigs re-applies a snapshot: each named config
// becomes live for the remaining time recorded in it. Entries for
// configs that no longer exist, or that lost their activation clause,
// are skipped with a warning.
func (e *Engine) RestoreActiveConfigs(data []byte) error {
	var snap activeSnapshot
	if err := codec.Unmarshal(data, &snap); err != nil {
		return ipc.IllegalArgumentf("active-config snapshot rejected: %v", err)
	}

	now := e.clk.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, entry := range snap.Entries {
		c, ok := e.collections[entry.Key]
		if !ok || c.cfg.Activation == nil {
			e.logger.Warn("active-config snapshot entry skipped", "key", entry.Key.String())
			continue
		}
		if entry.RemainingNanos <= 0 {
			continue
		}
		c.activeUntil = now.Add(time.Duration(entry.RemainingNanos))
	}
	return nil
}

// SnapshotMetadata captures the remaining TTL of every config that has
// one, so a restart does not stretch collection lifetimes.
func (e *Engine) SnapshotMetadata() ([]byte, error) {
	now := e.clk.Now()
	e.mu.Lock()
	defer e.mu.Unlock()

	var snap metadataSnapshot
	for key, c := range e.collections {
		if c.cfg.TtlSeconds <= 0 {
			continue
		}
		snap.Entries = append(snap.Entries, metadataEntry{
			Key:               key,
			RemainingTtlNanos: c.remainingTtl(now).Nanoseconds(),
		})
	}
	sortedKeys(snap.Entries, func(en metadataEntry) schema.ConfigKey { return en.Key })
	return codec.Marshal(snap)
}

// RestoreMetadata re-applies TTL deadlines from a snapshot. Entries
// for unknown configs are skipped with a warning; a zero remaining TTL
// expires the config's epoch on its next event.
func (e *Engine) RestoreMetadata(data []byte) error {
	var snap metadataSnapshot
	if err := codec.Unmarshal(data, &snap); err != nil {
		return ipc.IllegalArgumentf("metadata snapshot rejected: %v", err)
	}

	now := e.clk.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, entry := range snap.Entries {
		c, ok := e.collections[entry.Key]
		if !ok || c.cfg.TtlSeconds <= 0 {
			e.logger.Warn("metadata snapshot entry skipped", "key", entry.Key.String())
			continue
		}
		c.ttlEnd = now.Add(time.Duration(entry.RemainingTtlNanos))
	}
	return nil
}
