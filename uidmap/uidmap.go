// Copyright 2026 The Telemetryd Authors
// SPDX-License-Identifier: Apache-2.0

// Package uidmap maintains the daemon's view of which packages own
// which UIDs. The system feeds it a full snapshot at boot
// (inform-all-uid-data) and incremental updates afterwards
// (inform-one-package, inform-one-package-removed). The control plane
// consults it when a package removal should tear down that UID's
// configurations, and the shell dumps it for debugging.
package uidmap

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/telemetryd/telemetryd/lib/schema"
)

// Map is the uid → package registry. Safe for concurrent use.
//
// A UID can own several packages (shared-UID groups), so records are
// keyed by the (uid, package) pair.
type Map struct {
	mu      sync.RWMutex
	records map[int32][]schema.UidRecord
	logger  *slog.Logger

	// snapshotSeen is set once the first full snapshot arrives.
	// Incremental updates before that are accepted but the map is not
	// considered authoritative until then.
	snapshotSeen bool
}

// New returns an empty map.
func New(logger *slog.Logger) *Map {
	return &Map{
		records: make(map[int32][]schema.UidRecord),
		logger:  logger,
	}
}

// SetAll replaces the entire map with the given snapshot. This is the
// inform-all-uid-data path: the system sends its complete view and
// anything the daemon accumulated before is discarded.
func (m *Map) SetAll(records []schema.UidRecord) {
	byUid := make(map[int32][]schema.UidRecord)
	for _, record := range records {
		byUid[record.Uid] = append(byUid[record.Uid], record)
	}

	m.mu.Lock()
	m.records = byUid
	m.snapshotSeen = true
	m.mu.Unlock()

	m.logger.Info("uid map snapshot applied", "records", len(records), "uids", len(byUid))
}

// Update inserts or replaces the record for one (uid, package) pair.
func (m *Map) Update(record schema.UidRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.records[record.Uid]
	for i, candidate := range existing {
		if candidate.Package == record.Package {
			existing[i] = record
			return
		}
	}
	m.records[record.Uid] = append(existing, record)
}

// Remove deletes the record for one (uid, package) pair. Unknown pairs
// are ignored.
func (m *Map) Remove(packageName string, uid int32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.records[uid]
	for i, candidate := range existing {
		if candidate.Package == packageName {
			m.records[uid] = slices.Delete(existing, i, i+1)
			if len(m.records[uid]) == 0 {
				delete(m.records, uid)
			}
			return
		}
	}
}

// Packages returns the package names owned by the given UID, sorted.
func (m *Map) Packages(uid int32) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.records[uid]))
	for _, record := range m.records[uid] {
		names = append(names, record.Package)
	}
	slices.Sort(names)
	return names
}

// Uids returns the UIDs that own the given package, sorted. A package
// normally maps to one UID, but nothing enforces that here.
func (m *Map) Uids(packageName string) []int32 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var uids []int32
	for uid, records := range m.records {
		for _, record := range records {
			if record.Package == packageName {
				uids = append(uids, uid)
				break
			}
		}
	}
	slices.Sort(uids)
	return uids
}

// Snapshot returns all records, sorted by uid then package.
func (m *Map) Snapshot() []schema.UidRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []schema.UidRecord
	for _, records := range m.records {
		all = append(all, records...)
	}
	slices.SortFunc(all, func(a, b schema.UidRecord) int {
		if a.Uid != b.Uid {
			return int(a.Uid) - int(b.Uid)
		}
		return strings.Compare(a.Package, b.Package)
	})
	return all
}

// Size returns the number of (uid, package) records held.
func (m *Map) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, records := range m.records {
		count += len(records)
	}
	return count
}

// SnapshotSeen reports whether a full snapshot has been applied.
func (m *Map) SnapshotSeen() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotSeen
}

// Dump renders the map as text for the shell's print-uid-map command.
// With a non-empty filter only records whose package name matches
// exactly are printed.
func (m *Map) Dump(filter string) string {
	records := m.Snapshot()

	var b strings.Builder
	matched := 0
	for _, record := range records {
		if filter != "" && record.Package != filter {
			continue
		}
		matched++
		fmt.Fprintf(&b, "uid %d: %s v%d (%s)", record.Uid, record.Package, record.VersionCode, record.VersionString)
		if record.Installer != "" {
			fmt.Fprintf(&b, " installer=%s", record.Installer)
		}
		b.WriteString("\n")
	}
	if filter != "" {
		fmt.Fprintf(&b, "%d record(s) matching %q\n", matched, filter)
	} else {
		fmt.Fprintf(&b, "%d record(s) total\n", matched)
	}
	return b.String()
}
