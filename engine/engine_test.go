// Copyright 2026 The Telemetryd Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/telemetryd/telemetryd/guardrail"
	"github.com/telemetryd/telemetryd/lib/clock"
	"github.com/telemetryd/telemetryd/lib/codec"
	"github.com/telemetryd/telemetryd/lib/ipc"
	"github.com/telemetryd/telemetryd/lib/schema"
	"github.com/telemetryd/telemetryd/storage"
)

var testEpoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type sinkDelivery struct {
	key   schema.ConfigKey
	event schema.Event
}

// recordingSink captures restricted deliveries for assertions.
type recordingSink struct {
	mu         sync.Mutex
	deliveries []sinkDelivery
}

func (s *recordingSink) Record(_ context.Context, key schema.ConfigKey, event schema.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries = append(s.deliveries, sinkDelivery{key: key, event: event})
	return nil
}

func (s *recordingSink) all() []sinkDelivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sinkDelivery(nil), s.deliveries...)
}

type testEngine struct {
	*Engine
	clk   *clock.FakeClock
	store *storage.Store
	stats *guardrail.Collector
	sink  *recordingSink
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	clk := clock.Fake(testEpoch)
	store, err := storage.Open(t.TempDir(), 0, clk, testLogger())
	if err != nil {
		t.Fatalf("opening storage: %v", err)
	}
	stats := guardrail.NewCollector()
	sink := &recordingSink{}
	eng, err := New(Options{
		Clock:      clk,
		Store:      store,
		Stats:      stats,
		Restricted: sink,
		Logger:     testLogger(),
	})
	if err != nil {
		t.Fatalf("building engine: %v", err)
	}
	return &testEngine{Engine: eng, clk: clk, store: store, stats: stats, sink: sink}
}

func mustInstall(t *testing.T, eng *Engine, key schema.ConfigKey, payload string) {
	t.Helper()
	if err := eng.OnConfigUpdated(key, []byte(payload)); err != nil {
		t.Fatalf("installing config %s: %v", key, err)
	}
}

func decodeReport(t *testing.T, data []byte) Report {
	t.Helper()
	var report Report
	if err := codec.Unmarshal(data, &report); err != nil {
		t.Fatalf("decoding report: %v", err)
	}
	return report
}

func TestConfigLifecycle(t *testing.T) {
	te := newTestEngine(t)
	key := schema.ConfigKey{Uid: 1000, Id: 42}

	mustInstall(t, te.Engine, key, `{"matchers": [{"atom": 47}]}`)
	if got := te.ConfigCount(); got != 1 {
		t.Fatalf("config count = %d, want 1", got)
	}

	te.OnConfigRemoved(key)
	if got := te.ConfigCount(); got != 0 {
		t.Fatalf("config count after removal = %d, want 0", got)
	}

	// Removing an unknown key is a no-op.
	te.OnConfigRemoved(schema.ConfigKey{Uid: 1, Id: 1})
}

func TestEventCounting(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)
	key := schema.ConfigKey{Uid: 1000, Id: 42}
	mustInstall(t, te.Engine, key, `{"matchers": [{"atom": 47}]}`)

	for i := range 3 {
		te.OnEvent(ctx, schema.Event{Atom: 47, ElapsedNanos: int64(i), Uid: 2000})
	}
	te.OnEvent(ctx, schema.Event{Atom: 99, ElapsedNanos: 10})

	data, err := te.GetReport(key, false, true)
	if err != nil {
		t.Fatalf("get report: %v", err)
	}
	report := decodeReport(t, data)
	if report.TotalMatched != 3 {
		t.Errorf("total matched = %d, want 3", report.TotalMatched)
	}
	if len(report.Buckets) != 1 {
		t.Fatalf("buckets = %d, want 1", len(report.Buckets))
	}
	if got := report.Buckets[0].Counts[47]; got != 3 {
		t.Errorf("count for atom 47 = %d, want 3", got)
	}
	if len(report.Buckets[0].Events) != 3 {
		t.Errorf("raw events = %d, want 3", len(report.Buckets[0].Events))
	}
}

func TestEraseOnRead(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)
	key := schema.ConfigKey{Uid: 1000, Id: 42}
	mustInstall(t, te.Engine, key, `{"matchers": [{"atom": 47}]}`)

	first, err := te.GetReport(key, true, true)
	if err != nil {
		t.Fatalf("first get report: %v", err)
	}
	if got := decodeReport(t, first); len(got.Buckets) != 1 {
		t.Fatalf("first report buckets = %d, want 1", len(got.Buckets))
	}

	second, err := te.GetReport(key, true, true)
	if err != nil {
		t.Fatalf("second get report: %v", err)
	}
	if got := decodeReport(t, second); len(got.Buckets) != 0 {
		t.Fatalf("second report buckets = %d, want 0", len(got.Buckets))
	}

	// The next matching event reopens collection.
	te.OnEvent(ctx, schema.Event{Atom: 47, ElapsedNanos: 1})
	third, err := te.GetReport(key, true, true)
	if err != nil {
		t.Fatalf("third get report: %v", err)
	}
	if got := decodeReport(t, third); len(got.Buckets) != 1 || got.Buckets[0].Counts[47] != 1 {
		t.Fatalf("third report = %+v, want one bucket counting the event", got)
	}
}

func TestKeepDataIsRepeatable(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)
	key := schema.ConfigKey{Uid: 1000, Id: 42}
	mustInstall(t, te.Engine, key, `{"matchers": [{"atom": 47}]}`)
	te.OnEvent(ctx, schema.Event{Atom: 47, ElapsedNanos: 1, Uid: 1000})

	first, err := te.GetReport(key, false, true)
	if err != nil {
		t.Fatalf("first get report: %v", err)
	}
	second, err := te.GetReport(key, false, true)
	if err != nil {
		t.Fatalf("second get report: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("reports without erasure should be byte-identical")
	}
}

func TestUnknownKeyYieldsEmptyReport(t *testing.T) {
	te := newTestEngine(t)
	key := schema.ConfigKey{Uid: 7, Id: 7}

	data, err := te.GetReport(key, true, true)
	if err != nil {
		t.Fatalf("get report: %v", err)
	}
	report := decodeReport(t, data)
	if report.Key != key {
		t.Errorf("report key = %v, want %v", report.Key, key)
	}
	if len(report.Buckets) != 0 {
		t.Errorf("buckets = %d, want 0", len(report.Buckets))
	}
}

func TestSourceFilter(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)
	key := schema.ConfigKey{Uid: 1000, Id: 42}
	mustInstall(t, te.Engine, key, `{"matchers": [{"atom": 47}], "allowed_sources": [1000]}`)

	te.OnEvent(ctx, schema.Event{Atom: 47, ElapsedNanos: 1, Uid: 1000})
	te.OnEvent(ctx, schema.Event{Atom: 47, ElapsedNanos: 2, Uid: 2000})

	data, err := te.GetReport(key, false, true)
	if err != nil {
		t.Fatalf("get report: %v", err)
	}
	if report := decodeReport(t, data); report.TotalMatched != 1 {
		t.Errorf("total matched = %d, want 1", report.TotalMatched)
	}
}

func TestPollAlarmRollsBuckets(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)
	key := schema.ConfigKey{Uid: 1000, Id: 42}
	mustInstall(t, te.Engine, key, `{"matchers": [{"atom": 47}]}`)

	te.OnEvent(ctx, schema.Event{Atom: 47, ElapsedNanos: 1})
	te.clk.Advance(time.Minute)
	te.OnPollAlarmFired()
	te.OnEvent(ctx, schema.Event{Atom: 47, ElapsedNanos: 2})

	data, err := te.GetReport(key, false, true)
	if err != nil {
		t.Fatalf("get report: %v", err)
	}
	report := decodeReport(t, data)
	if len(report.Buckets) != 2 {
		t.Fatalf("buckets = %d, want 2", len(report.Buckets))
	}
	if report.Buckets[0].EndNanos == 0 {
		t.Error("first bucket should be closed")
	}
	if report.Buckets[1].EndNanos != 0 {
		t.Error("second bucket should still be open")
	}
}

func TestBucketRollsWhenFull(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)
	key := schema.ConfigKey{Uid: 1000, Id: 42}
	mustInstall(t, te.Engine, key, `{"matchers": [{"atom": 47}], "bucket_seconds": 60}`)

	te.OnEvent(ctx, schema.Event{Atom: 47, ElapsedNanos: 1})
	te.clk.Advance(61 * time.Second)
	te.OnEvent(ctx, schema.Event{Atom: 47, ElapsedNanos: 2})

	data, err := te.GetReport(key, false, true)
	if err != nil {
		t.Fatalf("get report: %v", err)
	}
	report := decodeReport(t, data)
	if len(report.Buckets) != 2 {
		t.Fatalf("buckets = %d, want 2", len(report.Buckets))
	}
	if report.Buckets[0].Counts[47] != 1 || report.Buckets[1].Counts[47] != 1 {
		t.Errorf("bucket counts = %v / %v", report.Buckets[0].Counts, report.Buckets[1].Counts)
	}
}

func TestActivationGate(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)
	key := schema.ConfigKey{Uid: 1000, Id: 42}
	mustInstall(t, te.Engine, key,
		`{"matchers": [{"atom": 47}], "activation": {"atom": 48, "ttl_seconds": 60}}`)

	// Dormant: matched atoms are not collected.
	te.OnEvent(ctx, schema.Event{Atom: 47, ElapsedNanos: 1})
	if ids := te.ActiveConfigIDs(1000); len(ids) != 0 {
		t.Fatalf("active ids before activation = %v", ids)
	}

	te.OnEvent(ctx, schema.Event{Atom: 48, ElapsedNanos: 2})
	if ids := te.ActiveConfigIDs(1000); len(ids) != 1 || ids[0] != 42 {
		t.Fatalf("active ids after activation = %v", ids)
	}
	te.OnEvent(ctx, schema.Event{Atom: 47, ElapsedNanos: 3})

	// Past the activation TTL the config goes dormant again.
	te.clk.Advance(61 * time.Second)
	te.OnEvent(ctx, schema.Event{Atom: 47, ElapsedNanos: 4})
	if ids := te.ActiveConfigIDs(1000); len(ids) != 0 {
		t.Fatalf("active ids after expiry = %v", ids)
	}

	data, err := te.GetReport(key, false, true)
	if err != nil {
		t.Fatalf("get report: %v", err)
	}
	if report := decodeReport(t, data); report.TotalMatched != 1 {
		t.Errorf("total matched = %d, want only the event inside the window", report.TotalMatched)
	}
}

func TestTtlRestartsEpoch(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)
	key := schema.ConfigKey{Uid: 1000, Id: 42}
	mustInstall(t, te.Engine, key, `{"matchers": [{"atom": 47}], "ttl_seconds": 60}`)

	te.OnEvent(ctx, schema.Event{Atom: 47, ElapsedNanos: 1})
	te.OnEvent(ctx, schema.Event{Atom: 47, ElapsedNanos: 2})

	te.clk.Advance(61 * time.Second)
	te.OnEvent(ctx, schema.Event{Atom: 47, ElapsedNanos: 3})

	data, err := te.GetReport(key, false, true)
	if err != nil {
		t.Fatalf("get report: %v", err)
	}
	if report := decodeReport(t, data); report.TotalMatched != 1 {
		t.Errorf("total matched = %d, want 1 after epoch restart", report.TotalMatched)
	}
}

func TestRestrictedRoutesToSink(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)
	key := schema.ConfigKey{Uid: 1000, Id: 42}
	mustInstall(t, te.Engine, key, `{"matchers": [{"atom": 47}], "restricted": true}`)

	event := schema.Event{Atom: 47, ElapsedNanos: 5, Uid: 2000}
	te.OnEvent(ctx, event)

	deliveries := te.sink.all()
	if len(deliveries) != 1 {
		t.Fatalf("sink deliveries = %d, want 1", len(deliveries))
	}
	if deliveries[0].key != key || deliveries[0].event.Atom != 47 {
		t.Errorf("delivery = %+v", deliveries[0])
	}

	if _, err := te.GetReport(key, false, true); ipc.CodeOf(err) != ipc.CodeIllegalState {
		t.Fatalf("expected illegal-state error for restricted report, got %v", err)
	}
}

func TestRestrictedRejectedWithoutSink(t *testing.T) {
	clk := clock.Fake(testEpoch)
	store, err := storage.Open(t.TempDir(), 0, clk, testLogger())
	if err != nil {
		t.Fatalf("opening storage: %v", err)
	}
	eng, err := New(Options{Clock: clk, Store: store, Stats: guardrail.NewCollector(), Logger: testLogger()})
	if err != nil {
		t.Fatalf("building engine: %v", err)
	}

	err = eng.OnConfigUpdated(schema.ConfigKey{Uid: 1, Id: 1},
		[]byte(`{"matchers": [{"atom": 47}], "restricted": true}`))
	if ipc.CodeOf(err) != ipc.CodeIllegalState {
		t.Fatalf("expected illegal-state error, got %v", err)
	}
}

func TestWriteToDiskPersistsAndErases(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)
	key := schema.ConfigKey{Uid: 1000, Id: 42}
	mustInstall(t, te.Engine, key, `{"matchers": [{"atom": 47}]}`)
	te.OnEvent(ctx, schema.Event{Atom: 47, ElapsedNanos: 1})

	if err := te.WriteToDisk(storage.ReasonManual, false); err != nil {
		t.Fatalf("write to disk: %v", err)
	}

	stored, err := te.store.ReadReports(key)
	if err != nil {
		t.Fatalf("reading reports: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("stored reports = %d, want 1", len(stored))
	}
	if stored[0].Reason != storage.ReasonManual {
		t.Errorf("reason = %q", stored[0].Reason)
	}
	if report := decodeReport(t, stored[0].Payload); report.TotalMatched != 1 {
		t.Errorf("persisted report matched = %d, want 1", report.TotalMatched)
	}

	// The engine erased what it persisted.
	data, err := te.GetReport(key, false, true)
	if err != nil {
		t.Fatalf("get report: %v", err)
	}
	if report := decodeReport(t, data); len(report.Buckets) != 0 {
		t.Errorf("buckets after write-to-disk = %d, want 0", len(report.Buckets))
	}

	if snap := te.stats.Snapshot(); snap.MaxReportBytes == 0 {
		t.Error("report size should be recorded in guardrail stats")
	}
}

func TestReplaceConfigDropsData(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)
	key := schema.ConfigKey{Uid: 1000, Id: 42}
	mustInstall(t, te.Engine, key, `{"matchers": [{"atom": 47}]}`)
	te.OnEvent(ctx, schema.Event{Atom: 47, ElapsedNanos: 1})

	mustInstall(t, te.Engine, key, `{"matchers": [{"atom": 47}], "name": "v2"}`)

	data, err := te.GetReport(key, false, true)
	if err != nil {
		t.Fatalf("get report: %v", err)
	}
	report := decodeReport(t, data)
	if report.TotalMatched != 0 {
		t.Errorf("total matched = %d after replacement, want 0", report.TotalMatched)
	}
	if report.Name != "v2" {
		t.Errorf("name = %q, want v2", report.Name)
	}
}

func TestIdleSettledLatches(t *testing.T) {
	te := newTestEngine(t)
	if te.IdleSettled() {
		t.Fatal("fresh engine should not be settled")
	}
	te.OnIdleSettled()
	te.OnIdleSettled()
	if !te.IdleSettled() {
		t.Fatal("engine should be settled")
	}
}

func TestDumpListsCollections(t *testing.T) {
	te := newTestEngine(t)
	mustInstall(t, te.Engine, schema.ConfigKey{Uid: 1000, Id: 42},
		`{"matchers": [{"atom": 47}], "name": "watchdog"}`)

	dump := te.Dump()
	for _, want := range []string{"collections: 1", "1000/42", `name="watchdog"`} {
		if !strings.Contains(dump, want) {
			t.Errorf("dump missing %q:\n%s", want, dump)
		}
	}
}

func TestVerboseToggle(t *testing.T) {
	te := newTestEngine(t)
	if te.Verbose() {
		t.Fatal("verbose should start off")
	}
	te.SetVerbose(true)
	if !te.Verbose() {
		t.Fatal("verbose should be on")
	}
	te.SetVerbose(false)
	if te.Verbose() {
		t.Fatal("verbose should be off again")
	}
}
