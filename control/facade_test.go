// Copyright 2026 The Telemetryd Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/telemetryd/telemetryd/alarm"
	"github.com/telemetryd/telemetryd/boot"
	"github.com/telemetryd/telemetryd/companion"
	"github.com/telemetryd/telemetryd/confstore"
	"github.com/telemetryd/telemetryd/engine"
	"github.com/telemetryd/telemetryd/guardrail"
	"github.com/telemetryd/telemetryd/identity"
	"github.com/telemetryd/telemetryd/ingest"
	"github.com/telemetryd/telemetryd/lib/clock"
	"github.com/telemetryd/telemetryd/lib/codec"
	"github.com/telemetryd/telemetryd/lib/ipc"
	"github.com/telemetryd/telemetryd/lib/peercred"
	"github.com/telemetryd/telemetryd/lib/schema"
	"github.com/telemetryd/telemetryd/lib/service"
	"github.com/telemetryd/telemetryd/lib/testutil"
	"github.com/telemetryd/telemetryd/lib/version"
	"github.com/telemetryd/telemetryd/pull"
	"github.com/telemetryd/telemetryd/restricted"
	"github.com/telemetryd/telemetryd/storage"
	"github.com/telemetryd/telemetryd/uidmap"
)

var testEpoch = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

const testTraceLabel = "tracing-agent"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func systemCred() peercred.Cred {
	return peercred.Cred{PID: 21, UID: identity.DefaultSystemUID, GID: identity.DefaultSystemUID}
}

func shellCred() peercred.Cred {
	return peercred.Cred{PID: 22, UID: identity.DefaultShellUID, GID: identity.DefaultShellUID}
}

func rootCred() peercred.Cred {
	return peercred.Cred{PID: 1, UID: 0, GID: 0}
}

func appCred(uid uint32) peercred.Cred {
	return peercred.Cred{PID: 4004, UID: uid, GID: uid}
}

func tracingCred() peercred.Cred {
	return peercred.Cred{PID: 77, UID: 7700, GID: 7700, Label: testTraceLabel}
}

// actionTable captures the facade's registered handlers so tests can
// dispatch by action name through the exact wiring the live socket
// server gets.
type actionTable struct {
	actions map[string]service.ActionFunc
	streams map[string]service.StreamFunc
}

func newActionTable() *actionTable {
	return &actionTable{
		actions: make(map[string]service.ActionFunc),
		streams: make(map[string]service.StreamFunc),
	}
}

func (tbl *actionTable) Handle(action string, handler service.ActionFunc) {
	tbl.actions[action] = handler
}

func (tbl *actionTable) HandleStream(action string, handler service.StreamFunc) {
	tbl.streams[action] = handler
}

// facadeFixture wires a facade to real collaborators: engine over
// temp-dir storage, a SQLite restricted store, real monitors, puller,
// link, and gate, all on a fake clock.
type facadeFixture struct {
	f          *Facade
	table      *actionTable
	clk        *clock.FakeClock
	stats      *guardrail.Collector
	guard      *identity.Guard
	registry   *confstore.Registry
	eng        *engine.Engine
	store      *storage.Store
	rstore     *restricted.Store
	uids       *uidmap.Map
	puller     *pull.Manager
	link       *companion.Link
	gate       *boot.Gate
	queue      *ingest.Queue
	loop       *ingest.Loop
	anomaly    *alarm.Monitor
	subscriber *alarm.Monitor
	gateFired  chan struct{}
}

func newFacadeFixture(t *testing.T) *facadeFixture {
	return buildFacadeFixture(t, true, "")
}

// newBareFacadeFixture builds a fixture without the restricted store,
// the shape of a deployment that never configured one.
func newBareFacadeFixture(t *testing.T) *facadeFixture {
	return buildFacadeFixture(t, false, "")
}

func buildFacadeFixture(t *testing.T, withRestricted bool, companionSocket string) *facadeFixture {
	t.Helper()
	logger := testLogger()
	clk := clock.Fake(testEpoch)
	stats := guardrail.NewCollector()
	guard := identity.NewGuard(identity.Config{TraceLabel: testTraceLabel}, logger)

	store, err := storage.Open(t.TempDir(), 0, clk, logger)
	if err != nil {
		t.Fatalf("opening storage: %v", err)
	}

	var rstore *restricted.Store
	engOpts := engine.Options{Clock: clk, Store: store, Stats: stats, Logger: logger}
	if withRestricted {
		rstore, err = restricted.Open(restricted.Config{
			Path:   filepath.Join(t.TempDir(), "restricted.db"),
			Clock:  clk,
			Logger: logger,
		})
		if err != nil {
			t.Fatalf("opening restricted store: %v", err)
		}
		t.Cleanup(func() { rstore.Close() })
		engOpts.Restricted = rstore
	}
	eng, err := engine.New(engOpts)
	if err != nil {
		t.Fatalf("building engine: %v", err)
	}

	registry := confstore.New(store, logger)
	uids := uidmap.New(logger)
	puller, err := pull.NewManager(pull.Options{Clock: clk, Sink: eng, Logger: logger})
	if err != nil {
		t.Fatalf("building puller: %v", err)
	}

	gateFired := make(chan struct{})
	gate := boot.New(boot.DefaultTokens(), boot.InitDelay, clk, func() {
		eng.OnIdleSettled()
		close(gateFired)
	}, logger)

	anomaly := alarm.NewMonitor(alarm.KindAnomaly, stats, logger)
	subscriber := alarm.NewMonitor(alarm.KindSubscriber, stats, logger)

	link, err := companion.NewLink(companion.Options{
		Engine:   eng,
		Gate:     gate,
		Puller:   puller,
		Monitors: []*alarm.Monitor{anomaly, subscriber},
		Stats:    stats,
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("building link: %v", err)
	}

	queue := ingest.NewQueue(16, stats)
	loop := ingest.NewLoop(queue, eng, stats, logger)

	f, err := New(Options{
		Guard:           guard,
		Registry:        registry,
		Engine:          eng,
		Store:           store,
		Restricted:      rstore,
		UidMap:          uids,
		Puller:          puller,
		Link:            link,
		Gate:            gate,
		Anomaly:         anomaly,
		Subscriber:      subscriber,
		Queue:           queue,
		Loop:            loop,
		Stats:           stats,
		Clock:           clk,
		Logger:          logger,
		CompanionSocket: companionSocket,
	})
	if err != nil {
		t.Fatalf("building facade: %v", err)
	}
	table := newActionTable()
	f.Register(table)

	return &facadeFixture{
		f:          f,
		table:      table,
		clk:        clk,
		stats:      stats,
		guard:      guard,
		registry:   registry,
		eng:        eng,
		store:      store,
		rstore:     rstore,
		uids:       uids,
		puller:     puller,
		link:       link,
		gate:       gate,
		queue:      queue,
		loop:       loop,
		anomaly:    anomaly,
		subscriber: subscriber,
		gateFired:  gateFired,
	}
}

// call dispatches one action through the registered handler, decoding
// a non-nil result the way the socket server envelope would.
func (fx *facadeFixture) call(t *testing.T, caller peercred.Cred, req ipc.Request, result any) error {
	t.Helper()
	handler, ok := fx.table.actions[req.Action]
	if !ok {
		t.Fatalf("no handler registered for action %q", req.Action)
	}
	raw, err := codec.Marshal(req)
	if err != nil {
		t.Fatalf("encoding request: %v", err)
	}
	value, err := handler(context.Background(), caller, raw)
	if err != nil {
		return err
	}
	if result != nil && value != nil {
		data, err := codec.Marshal(value)
		if err != nil {
			t.Fatalf("encoding result: %v", err)
		}
		if err := codec.Unmarshal(data, result); err != nil {
			t.Fatalf("decoding result: %v", err)
		}
	}
	return nil
}

func (fx *facadeFixture) mustCall(t *testing.T, caller peercred.Cred, req ipc.Request, result any) {
	t.Helper()
	if err := fx.call(t, caller, req, result); err != nil {
		t.Fatalf("%s failed: %v", req.Action, err)
	}
}

func requireCode(t *testing.T, err error, want ipc.Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got success", want)
	}
	if got := ipc.CodeOf(err); got != want {
		t.Fatalf("error code = %s, want %s (error: %v)", got, want, err)
	}
}

func metricPayload(t *testing.T, cfg engine.MetricConfig) []byte {
	t.Helper()
	payload, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("encoding config: %v", err)
	}
	return payload
}

func matchOne(atom int32) engine.MetricConfig {
	return engine.MetricConfig{Matchers: []engine.Matcher{{Atom: atom}}}
}

func decodeReport(t *testing.T, data []byte) engine.Report {
	t.Helper()
	var report engine.Report
	if err := codec.Unmarshal(data, &report); err != nil {
		t.Fatalf("decoding report: %v", err)
	}
	return report
}

// startPingServer serves a companion-style socket answering ping and
// counting the calls.
func startPingServer(t *testing.T) (string, *atomic.Int64) {
	t.Helper()
	socketPath := filepath.Join(testutil.SocketDir(t), "companion.sock")
	srv := service.NewSocketServer(socketPath, testLogger())
	var pings atomic.Int64
	srv.Handle(ipc.CompanionActionPing, func(context.Context, peercred.Cred, []byte) (any, error) {
		pings.Add(1)
		return nil, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		testutil.RequireClosed(t, done, 5*time.Second, "ping server did not stop")
	})
	testutil.RequireClosed(t, srv.Ready(), 5*time.Second, "ping server never came up")
	return socketPath, &pings
}

// notifyReceiver is a unix socket collecting the Notify messages the
// daemon broadcasts at it.
type notifyReceiver struct {
	path     string
	notifies chan Notify
}

func startNotifyReceiver(t *testing.T) *notifyReceiver {
	t.Helper()
	path := filepath.Join(testutil.SocketDir(t), "receiver.sock")
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listening on receiver socket: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	r := &notifyReceiver{path: path, notifies: make(chan Notify, 8)}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			var notify Notify
			if err := codec.NewDecoder(conn).Decode(&notify); err == nil {
				r.notifies <- notify
			}
			conn.Close()
		}
	}()
	return r
}

func (r *notifyReceiver) await(t *testing.T) Notify {
	t.Helper()
	return testutil.RequireReceive(t, r.notifies, 5*time.Second, "notify never arrived")
}

func TestRegisterCoversActionSurface(t *testing.T) {
	fx := newFacadeFixture(t)

	wantActions := []string{
		ipc.ActionAddConfiguration,
		ipc.ActionRemoveConfiguration,
		ipc.ActionSetDataFetchOperation,
		ipc.ActionRemoveDataFetchOperation,
		ipc.ActionSetActiveConfigsChangedOperation,
		ipc.ActionRemoveActiveConfigsChangedOperation,
		ipc.ActionGetData,
		ipc.ActionGetMetadata,
		ipc.ActionSetBroadcastSubscriber,
		ipc.ActionUnsetBroadcastSubscriber,
		ipc.ActionRegisterPullAtomCallback,
		ipc.ActionRegisterNativePullAtomCallback,
		ipc.ActionUnregisterPullAtomCallback,
		ipc.ActionUnregisterNativePullAtomCallback,
		ipc.ActionSystemRunning,
		ipc.ActionBootCompleted,
		ipc.ActionInformPollAlarmFired,
		ipc.ActionInformAlarmForSubscriberTriggeringFired,
		ipc.ActionInformDeviceShutdown,
		ipc.ActionInformAllUidData,
		ipc.ActionInformOnePackage,
		ipc.ActionInformOnePackageRemoved,
		ipc.ActionQuerySql,
		ipc.ActionSetRestrictedMetricsChangedOperation,
		ipc.ActionRemoveRestrictedMetricsChangedOperation,
		ipc.ActionAddSubscription,
		ipc.ActionRemoveSubscription,
		ipc.ActionFlushSubscription,
		ipc.ActionShell,
		ipc.ActionDump,
		ipc.ActionStatus,
	}
	for _, action := range wantActions {
		if _, ok := fx.table.actions[action]; !ok {
			t.Errorf("action %q is not registered", action)
		}
	}

	wantStreams := []string{
		ipc.ActionGetDataFd,
		ipc.ActionCompanionReady,
		ipc.ActionShellSubscribe,
	}
	for _, action := range wantStreams {
		if _, ok := fx.table.streams[action]; !ok {
			t.Errorf("stream action %q is not registered", action)
		}
	}
}

func TestStatusOpenToAnyCaller(t *testing.T) {
	fx := newFacadeFixture(t)
	fx.clk.Advance(5 * time.Second)

	var status ipc.StatusInfo
	fx.mustCall(t, appCred(12345), ipc.Request{Action: ipc.ActionStatus}, &status)

	if status.Version != version.Short() {
		t.Errorf("Version = %q, want %q", status.Version, version.Short())
	}
	if status.UptimeSeconds != 5 {
		t.Errorf("UptimeSeconds = %d, want 5", status.UptimeSeconds)
	}
	if status.ConfigCount != 0 {
		t.Errorf("ConfigCount = %d, want 0", status.ConfigCount)
	}
	if status.CompanionLinked {
		t.Error("CompanionLinked = true for an unlinked daemon")
	}
	if status.QueueCapacity != fx.queue.Cap() {
		t.Errorf("QueueCapacity = %d, want %d", status.QueueCapacity, fx.queue.Cap())
	}
}

func TestSystemOnlyActionsDenyOtherCallers(t *testing.T) {
	fx := newFacadeFixture(t)

	denied := []struct {
		action string
		caller peercred.Cred
	}{
		{ipc.ActionAddConfiguration, appCred(4242)},
		{ipc.ActionAddConfiguration, shellCred()},
		{ipc.ActionRemoveConfiguration, appCred(4242)},
		{ipc.ActionGetData, shellCred()},
		{ipc.ActionGetMetadata, appCred(4242)},
		{ipc.ActionBootCompleted, appCred(4242)},
		{ipc.ActionInformAllUidData, shellCred()},
		{ipc.ActionInformDeviceShutdown, appCred(4242)},
		{ipc.ActionShell, appCred(4242)},
		{ipc.ActionDump, appCred(4242)},
		{ipc.ActionAddSubscription, appCred(4242)},
	}
	for _, tc := range denied {
		err := fx.call(t, tc.caller, ipc.Request{Action: tc.action}, nil)
		if ipc.CodeOf(err) != ipc.CodeSecurity {
			t.Errorf("%s from uid %d: code = %v, want %s", tc.action, tc.caller.UID, ipc.CodeOf(err), ipc.CodeSecurity)
		}
	}
}

func TestAddConfigurationValidatesPayload(t *testing.T) {
	fx := newFacadeFixture(t)

	err := fx.call(t, systemCred(), ipc.Request{
		Action:   ipc.ActionAddConfiguration,
		ConfigID: 7,
		Config:   []byte("not a config"),
	}, nil)
	requireCode(t, err, ipc.CodeIllegalArgument)

	if fx.eng.ConfigCount() != 0 {
		t.Errorf("ConfigCount = %d after rejected install, want 0", fx.eng.ConfigCount())
	}
}

func TestConfigRoundTripAndEraseOnRead(t *testing.T) {
	fx := newFacadeFixture(t)
	key := schema.ConfigKey{Uid: int32(identity.DefaultSystemUID), Id: 7}

	fx.mustCall(t, systemCred(), ipc.Request{
		Action:   ipc.ActionAddConfiguration,
		ConfigID: 7,
		Config:   metricPayload(t, matchOne(47)),
	}, nil)

	if _, ok := fx.registry.Config(key); !ok {
		t.Fatal("installed config was not persisted to the registry")
	}
	if fx.eng.ConfigCount() != 1 {
		t.Fatalf("ConfigCount = %d, want 1", fx.eng.ConfigCount())
	}

	ctx := context.Background()
	fx.eng.OnEvent(ctx, schema.Event{Atom: 47, Uid: 4242, ElapsedNanos: 100})
	fx.eng.OnEvent(ctx, schema.Event{Atom: 47, Uid: 4242, ElapsedNanos: 200})

	var first ipc.GetDataResult
	fx.mustCall(t, systemCred(), ipc.Request{Action: ipc.ActionGetData, ConfigID: 7}, &first)
	report := decodeReport(t, first.Report)
	if report.TotalMatched != 2 {
		t.Errorf("first report TotalMatched = %d, want 2", report.TotalMatched)
	}
	if len(report.Buckets) != 1 || report.Buckets[0].Counts[47] != 2 {
		t.Errorf("first report buckets = %+v, want one bucket counting atom 47 twice", report.Buckets)
	}

	var second ipc.GetDataResult
	fx.mustCall(t, systemCred(), ipc.Request{Action: ipc.ActionGetData, ConfigID: 7}, &second)
	report = decodeReport(t, second.Report)
	if len(report.Buckets) != 0 {
		t.Errorf("second report has %d buckets after erase, want 0", len(report.Buckets))
	}
	if report.TotalMatched != 2 {
		t.Errorf("second report TotalMatched = %d, want 2 (lifetime counter survives erase)", report.TotalMatched)
	}

	fx.eng.OnEvent(ctx, schema.Event{Atom: 47, Uid: 4242, ElapsedNanos: 300})
	var third ipc.GetDataResult
	fx.mustCall(t, systemCred(), ipc.Request{Action: ipc.ActionGetData, ConfigID: 7}, &third)
	report = decodeReport(t, third.Report)
	if len(report.Buckets) != 1 || report.Buckets[0].Counts[47] != 1 {
		t.Errorf("third report buckets = %+v, want one fresh bucket counting atom 47 once", report.Buckets)
	}
}

func TestGetDataUnknownConfigReturnsEmptyReport(t *testing.T) {
	fx := newFacadeFixture(t)
	var result ipc.GetDataResult
	fx.mustCall(t, systemCred(), ipc.Request{Action: ipc.ActionGetData, ConfigID: 404}, &result)
	report := decodeReport(t, result.Report)
	if len(report.Buckets) != 0 || report.TotalMatched != 0 {
		t.Errorf("unknown config report = %+v, want empty", report)
	}
	if report.Key.Id != 404 {
		t.Errorf("report key id = %d, want 404", report.Key.Id)
	}
}

func TestGetDataRefusesRestrictedConfig(t *testing.T) {
	fx := newFacadeFixture(t)
	restrictedCfg := engine.MetricConfig{
		Matchers:   []engine.Matcher{{Atom: 47}},
		Restricted: true,
	}
	fx.mustCall(t, systemCred(), ipc.Request{
		Action:   ipc.ActionAddConfiguration,
		ConfigID: 8,
		Config:   metricPayload(t, restrictedCfg),
	}, nil)

	err := fx.call(t, systemCred(), ipc.Request{Action: ipc.ActionGetData, ConfigID: 8}, nil)
	requireCode(t, err, ipc.CodeIllegalState)
}

func TestRemoveConfigurationTearsDown(t *testing.T) {
	fx := newFacadeFixture(t)
	key := schema.ConfigKey{Uid: int32(identity.DefaultSystemUID), Id: 9}

	fx.mustCall(t, systemCred(), ipc.Request{
		Action:   ipc.ActionAddConfiguration,
		ConfigID: 9,
		Config:   metricPayload(t, matchOne(47)),
	}, nil)
	fx.eng.OnEvent(context.Background(), schema.Event{Atom: 47, Uid: 1, ElapsedNanos: 100})
	if err := fx.eng.WriteToDisk(storage.ReasonManual, false); err != nil {
		t.Fatalf("WriteToDisk: %v", err)
	}
	stored, err := fx.store.ReadReports(key)
	if err != nil {
		t.Fatalf("ReadReports: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("stored reports before removal = %d, want 1", len(stored))
	}

	fx.mustCall(t, systemCred(), ipc.Request{Action: ipc.ActionRemoveConfiguration, ConfigID: 9}, nil)

	if fx.eng.ConfigCount() != 0 {
		t.Errorf("ConfigCount = %d after removal, want 0", fx.eng.ConfigCount())
	}
	if _, ok := fx.registry.Config(key); ok {
		t.Error("registry still holds the removed config")
	}
	stored, err = fx.store.ReadReports(key)
	if err != nil {
		t.Fatalf("ReadReports after removal: %v", err)
	}
	if len(stored) != 0 {
		t.Errorf("stored reports after removal = %d, want 0", len(stored))
	}
}

func TestSetActiveConfigsChangedReturnsCurrentIDs(t *testing.T) {
	fx := newFacadeFixture(t)

	fx.mustCall(t, systemCred(), ipc.Request{
		Action:   ipc.ActionAddConfiguration,
		ConfigID: 5,
		Config:   metricPayload(t, matchOne(47)),
	}, nil)
	dormant := engine.MetricConfig{
		Matchers:   []engine.Matcher{{Atom: 47}},
		Activation: &engine.Activation{Atom: 48, TtlSeconds: 60},
	}
	fx.mustCall(t, systemCred(), ipc.Request{
		Action:   ipc.ActionAddConfiguration,
		ConfigID: 6,
		Config:   metricPayload(t, dormant),
	}, nil)

	var result ipc.ConfigIDsResult
	fx.mustCall(t, systemCred(), ipc.Request{
		Action:     ipc.ActionSetActiveConfigsChangedOperation,
		SocketPath: "/run/receiver.sock",
	}, &result)

	if len(result.ConfigIDs) != 1 || result.ConfigIDs[0] != 5 {
		t.Errorf("active config ids = %v, want [5]", result.ConfigIDs)
	}
	if _, ok := fx.registry.ActiveChanged(int32(identity.DefaultSystemUID)); !ok {
		t.Error("active-changed receiver was not recorded")
	}

	fx.mustCall(t, systemCred(), ipc.Request{Action: ipc.ActionRemoveActiveConfigsChangedOperation}, nil)
	if _, ok := fx.registry.ActiveChanged(int32(identity.DefaultSystemUID)); ok {
		t.Error("active-changed receiver survived removal")
	}
}

func TestOperationRegistrationValidatesSocketPath(t *testing.T) {
	fx := newFacadeFixture(t)

	for _, action := range []string{
		ipc.ActionSetDataFetchOperation,
		ipc.ActionSetActiveConfigsChangedOperation,
	} {
		err := fx.call(t, systemCred(), ipc.Request{Action: action, ConfigID: 1}, nil)
		requireCode(t, err, ipc.CodeIllegalArgument)
	}

	err := fx.call(t, systemCred(), ipc.Request{
		Action:     ipc.ActionSetBroadcastSubscriber,
		ConfigID:   1,
		SocketPath: "/run/sub.sock",
	}, nil)
	requireCode(t, err, ipc.CodeIllegalArgument) // missing subscriber id
}

func TestBroadcastSubscriberRoundTrip(t *testing.T) {
	fx := newFacadeFixture(t)
	key := schema.ConfigKey{Uid: int32(identity.DefaultSystemUID), Id: 3}

	fx.mustCall(t, systemCred(), ipc.Request{
		Action:       ipc.ActionSetBroadcastSubscriber,
		ConfigID:     3,
		SubscriberID: 11,
		SocketPath:   "/run/sub.sock",
	}, nil)
	path, ok := fx.registry.BroadcastSubscriber(key, 11)
	if !ok || path != "/run/sub.sock" {
		t.Fatalf("BroadcastSubscriber = %q, %v; want /run/sub.sock, true", path, ok)
	}

	fx.mustCall(t, systemCred(), ipc.Request{
		Action:       ipc.ActionUnsetBroadcastSubscriber,
		ConfigID:     3,
		SubscriberID: 11,
	}, nil)
	if _, ok := fx.registry.BroadcastSubscriber(key, 11); ok {
		t.Error("broadcast subscriber survived unset")
	}
}

func TestPullRegistrationScopedToCaller(t *testing.T) {
	fx := newFacadeFixture(t)
	caller := appCred(4321)

	fx.mustCall(t, caller, ipc.Request{
		Action:         ipc.ActionRegisterPullAtomCallback,
		Atom:           99,
		SocketPath:     "/run/puller.sock",
		CoolDownMillis: 1000,
		TimeoutMillis:  2000,
	}, nil)
	if !fx.puller.Registered(4321, 99) {
		t.Fatal("pull registration did not land under the caller's uid")
	}

	fx.mustCall(t, caller, ipc.Request{Action: ipc.ActionRegisterNativePullAtomCallback, Atom: 100}, nil)
	if !fx.puller.Registered(4321, 100) {
		t.Fatal("native pull registration did not land")
	}

	fx.mustCall(t, caller, ipc.Request{Action: ipc.ActionUnregisterPullAtomCallback, Atom: 99}, nil)
	if fx.puller.Registered(4321, 99) {
		t.Error("pull registration survived unregister")
	}
	fx.mustCall(t, caller, ipc.Request{Action: ipc.ActionUnregisterNativePullAtomCallback, Atom: 100}, nil)
	if fx.puller.Registered(4321, 100) {
		t.Error("native pull registration survived unregister")
	}
}

func TestBootTokensFromLifecycleActions(t *testing.T) {
	fx := newFacadeFixture(t)

	fx.mustCall(t, systemCred(), ipc.Request{Action: ipc.ActionBootCompleted}, nil)
	fx.mustCall(t, systemCred(), ipc.Request{
		Action: ipc.ActionInformAllUidData,
		Records: []schema.UidRecord{
			{Uid: 4000, Package: "com.example.metrics"},
			{Uid: 4001, Package: "com.example.other"},
		},
	}, nil)
	if fx.uids.Size() != 2 {
		t.Fatalf("uid map size = %d, want 2", fx.uids.Size())
	}

	fx.gate.MarkComplete(boot.TokenPullersRegistered)
	fx.clk.WaitForTimers(1)
	fx.clk.Advance(boot.InitDelay)

	testutil.RequireClosed(t, fx.gateFired, 5*time.Second, "boot gate never fired after all tokens and the delay")
	if !fx.eng.IdleSettled() {
		t.Error("engine did not hear OnIdleSettled from the gate action")
	}
}

func TestInformOnePackageLifecycle(t *testing.T) {
	fx := newFacadeFixture(t)

	err := fx.call(t, systemCred(), ipc.Request{Action: ipc.ActionInformOnePackage}, nil)
	requireCode(t, err, ipc.CodeIllegalArgument)

	fx.mustCall(t, systemCred(), ipc.Request{
		Action: ipc.ActionInformOnePackage,
		Record: &schema.UidRecord{Uid: 4000, Package: "com.example.metrics"},
	}, nil)
	if uids := fx.uids.Uids("com.example.metrics"); len(uids) != 1 || uids[0] != 4000 {
		t.Fatalf("Uids(com.example.metrics) = %v, want [4000]", uids)
	}
}

func TestInformOnePackageRemovedDropsOwnedConfigs(t *testing.T) {
	fx := newFacadeFixture(t)
	key := schema.ConfigKey{Uid: 4000, Id: 12}

	fx.uids.SetAll([]schema.UidRecord{{Uid: 4000, Package: "com.example.metrics"}})
	if err := fx.f.addConfig(context.Background(), key, metricPayload(t, matchOne(47))); err != nil {
		t.Fatalf("installing config: %v", err)
	}
	if err := fx.eng.WriteToDisk(storage.ReasonManual, false); err != nil {
		t.Fatalf("WriteToDisk: %v", err)
	}

	fx.mustCall(t, systemCred(), ipc.Request{
		Action:  ipc.ActionInformOnePackageRemoved,
		Package: "com.example.metrics",
		Uid:     4000,
	}, nil)

	if len(fx.uids.Uids("com.example.metrics")) != 0 {
		t.Error("uid map still lists the removed package")
	}
	if fx.eng.ConfigCount() != 0 {
		t.Errorf("ConfigCount = %d after package removal, want 0", fx.eng.ConfigCount())
	}
	if ids := fx.registry.ConfigIDs(4000); len(ids) != 0 {
		t.Errorf("registry still holds configs %v for the removed uid", ids)
	}
	stored, err := fx.store.ReadReports(key)
	if err != nil {
		t.Fatalf("ReadReports: %v", err)
	}
	if len(stored) != 0 {
		t.Errorf("stored reports after package removal = %d, want 0", len(stored))
	}
}

func TestInformDeviceShutdownPersistsReports(t *testing.T) {
	fx := newFacadeFixture(t)
	key := schema.ConfigKey{Uid: int32(identity.DefaultSystemUID), Id: 4}

	fx.mustCall(t, systemCred(), ipc.Request{
		Action:   ipc.ActionAddConfiguration,
		ConfigID: 4,
		Config:   metricPayload(t, matchOne(47)),
	}, nil)
	fx.eng.OnEvent(context.Background(), schema.Event{Atom: 47, Uid: 1, ElapsedNanos: 50})

	fx.mustCall(t, systemCred(), ipc.Request{Action: ipc.ActionInformDeviceShutdown}, nil)

	stored, err := fx.store.ReadReports(key)
	if err != nil {
		t.Fatalf("ReadReports: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("stored reports = %d, want 1", len(stored))
	}
	if stored[0].Reason != storage.ReasonDeviceShutdown {
		t.Errorf("stored reason = %q, want %q", stored[0].Reason, storage.ReasonDeviceShutdown)
	}
	report := decodeReport(t, stored[0].Payload)
	if report.TotalMatched != 1 {
		t.Errorf("persisted report TotalMatched = %d, want 1", report.TotalMatched)
	}
}

func TestInformPollAlarmFiredRollsBuckets(t *testing.T) {
	fx := newFacadeFixture(t)

	fx.mustCall(t, systemCred(), ipc.Request{
		Action:   ipc.ActionAddConfiguration,
		ConfigID: 2,
		Config:   metricPayload(t, matchOne(47)),
	}, nil)
	fx.eng.OnEvent(context.Background(), schema.Event{Atom: 47, Uid: 1, ElapsedNanos: 10})
	fx.clk.Advance(30 * time.Second)

	fx.mustCall(t, systemCred(), ipc.Request{Action: ipc.ActionInformPollAlarmFired}, nil)
	fx.eng.OnEvent(context.Background(), schema.Event{Atom: 47, Uid: 1, ElapsedNanos: 20})

	var result ipc.GetDataResult
	fx.mustCall(t, systemCred(), ipc.Request{Action: ipc.ActionGetData, ConfigID: 2}, &result)
	report := decodeReport(t, result.Report)
	if len(report.Buckets) != 2 {
		t.Fatalf("buckets = %d after a poll roll, want 2 (one closed, one open)", len(report.Buckets))
	}
	if report.Buckets[0].EndNanos == 0 {
		t.Error("first bucket is not closed after the poll alarm")
	}
}

func TestGetMetadataCarriesCounters(t *testing.T) {
	fx := newFacadeFixture(t)
	fx.stats.NoteEventIngested()
	fx.stats.NoteEventIngested()
	fx.stats.NoteQueueOverflow()

	var result ipc.MetadataResult
	fx.mustCall(t, systemCred(), ipc.Request{Action: ipc.ActionGetMetadata}, &result)

	var snap guardrail.Snapshot
	if err := codec.Unmarshal(result.Metadata, &snap); err != nil {
		t.Fatalf("decoding metadata: %v", err)
	}
	if snap.EventsIngested != 2 {
		t.Errorf("EventsIngested = %d, want 2", snap.EventsIngested)
	}
	if snap.QueueOverflow != 1 {
		t.Errorf("QueueOverflow = %d, want 1", snap.QueueOverflow)
	}
}

func TestSystemRunningWithoutCompanionSocket(t *testing.T) {
	fx := newFacadeFixture(t)
	fx.mustCall(t, systemCred(), ipc.Request{Action: ipc.ActionSystemRunning}, nil)
}

func TestSystemRunningPingsConfiguredCompanion(t *testing.T) {
	socketPath, pings := startPingServer(t)
	fx := buildFacadeFixture(t, false, socketPath)

	fx.mustCall(t, systemCred(), ipc.Request{Action: ipc.ActionSystemRunning}, nil)
	if got := pings.Load(); got != 1 {
		t.Errorf("companion pings = %d, want 1", got)
	}
}

func TestQuerySqlDelegateFlow(t *testing.T) {
	fx := newFacadeFixture(t)
	owner := schema.ConfigKey{Uid: 4000, Id: 99}

	restrictedCfg := engine.MetricConfig{
		Matchers:   []engine.Matcher{{Atom: 47}},
		Restricted: true,
	}
	if err := fx.f.addConfig(context.Background(), owner, metricPayload(t, restrictedCfg)); err != nil {
		t.Fatalf("installing restricted config: %v", err)
	}
	fx.uids.SetAll([]schema.UidRecord{{Uid: 4000, Package: "com.example.metrics"}})
	fx.eng.OnEvent(context.Background(), schema.Event{Atom: 47, Uid: 4000, ElapsedNanos: 10})

	// Registration grants delegate standing.
	delegate := appCred(4100)
	var ids ipc.ConfigIDsResult
	fx.mustCall(t, delegate, ipc.Request{
		Action:     ipc.ActionSetRestrictedMetricsChangedOperation,
		Package:    "com.example.metrics",
		SocketPath: "/run/delegate.sock",
	}, &ids)
	if len(ids.ConfigIDs) != 1 || ids.ConfigIDs[0] != 99 {
		t.Fatalf("matched config ids = %v, want [99]", ids.ConfigIDs)
	}

	var result ipc.QueryResult
	fx.mustCall(t, delegate, ipc.Request{
		Action:  ipc.ActionQuerySql,
		Package: "com.example.metrics",
		SQL:     "SELECT COUNT(*) AS n FROM metric_events",
	}, &result)
	if len(result.Rows) != 1 {
		t.Fatalf("query rows = %d, want 1", len(result.Rows))
	}

	// A uid without a registration has no standing.
	err := fx.call(t, appCred(4200), ipc.Request{
		Action:  ipc.ActionQuerySql,
		Package: "com.example.metrics",
		SQL:     "SELECT COUNT(*) FROM metric_events",
	}, nil)
	requireCode(t, err, ipc.CodeSecurity)

	// Writes are rejected even for delegates.
	err = fx.call(t, delegate, ipc.Request{
		Action:  ipc.ActionQuerySql,
		Package: "com.example.metrics",
		SQL:     "DELETE FROM metric_events",
	}, nil)
	requireCode(t, err, ipc.CodeIllegalArgument)

	// Revocation removes standing.
	fx.mustCall(t, delegate, ipc.Request{
		Action:  ipc.ActionRemoveRestrictedMetricsChangedOperation,
		Package: "com.example.metrics",
	}, nil)
	err = fx.call(t, delegate, ipc.Request{
		Action:  ipc.ActionQuerySql,
		Package: "com.example.metrics",
		SQL:     "SELECT COUNT(*) FROM metric_events",
	}, nil)
	requireCode(t, err, ipc.CodeSecurity)
}

func TestQuerySqlWithoutRestrictedStore(t *testing.T) {
	fx := newBareFacadeFixture(t)
	err := fx.call(t, appCred(4100), ipc.Request{
		Action: ipc.ActionQuerySql,
		SQL:    "SELECT 1",
	}, nil)
	requireCode(t, err, ipc.CodeIllegalState)
}

func TestRestrictedConfigChangeNotifiesDelegates(t *testing.T) {
	fx := newFacadeFixture(t)
	owner := schema.ConfigKey{Uid: 4000, Id: 99}
	receiver := startNotifyReceiver(t)

	restrictedCfg := engine.MetricConfig{
		Matchers:   []engine.Matcher{{Atom: 47}},
		Restricted: true,
	}
	if err := fx.f.addConfig(context.Background(), owner, metricPayload(t, restrictedCfg)); err != nil {
		t.Fatalf("installing restricted config: %v", err)
	}
	fx.uids.SetAll([]schema.UidRecord{{Uid: 4000, Package: "com.example.metrics"}})
	fx.mustCall(t, appCred(4100), ipc.Request{
		Action:     ipc.ActionSetRestrictedMetricsChangedOperation,
		Package:    "com.example.metrics",
		SocketPath: receiver.path,
	}, nil)

	// Reinstall triggers the changed notification.
	if err := fx.f.addConfig(context.Background(), owner, metricPayload(t, restrictedCfg)); err != nil {
		t.Fatalf("reinstalling restricted config: %v", err)
	}
	notify := receiver.await(t)
	if notify.Kind != NotifyRestrictedChanged {
		t.Errorf("notify kind = %q, want %q", notify.Kind, NotifyRestrictedChanged)
	}
	if notify.ConfigUid != 4000 || notify.ConfigID != 99 {
		t.Errorf("notify config = %d/%d, want 4000/99", notify.ConfigUid, notify.ConfigID)
	}

	// Removal does too.
	if err := fx.f.removeConfig(context.Background(), owner); err != nil {
		t.Fatalf("removing restricted config: %v", err)
	}
	notify = receiver.await(t)
	if notify.Kind != NotifyRestrictedChanged {
		t.Errorf("removal notify kind = %q, want %q", notify.Kind, NotifyRestrictedChanged)
	}
}
