// Copyright 2026 The Telemetryd Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"context"
	"testing"
	"time"

	"github.com/telemetryd/telemetryd/guardrail"
	"github.com/telemetryd/telemetryd/lib/codec"
	"github.com/telemetryd/telemetryd/lib/ipc"
	"github.com/telemetryd/telemetryd/lib/schema"
	"github.com/telemetryd/telemetryd/lib/testutil"
)

func testBroker() *broker {
	logger := testLogger()
	return newBroker(NewBroadcaster(guardrail.NewCollector(), logger), logger)
}

func subscriptionPayload(t *testing.T, spec SubscriptionSpec) []byte {
	t.Helper()
	raw, err := codec.Marshal(spec)
	if err != nil {
		t.Fatalf("encoding subscription spec: %v", err)
	}
	return raw
}

func TestBrokerBuffersAndFlushes(t *testing.T) {
	b := testBroker()
	receiver := startNotifyReceiver(t)
	ctx := context.Background()

	b.Add(SubscriptionSpec{ID: 1, SocketPath: receiver.path})
	b.OnEvent(ctx, schema.Event{Atom: 47, ElapsedNanos: 1})
	b.OnEvent(ctx, schema.Event{Atom: 48, ElapsedNanos: 2})

	if err := b.Flush(ctx, 1); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	notify := receiver.await(t)
	if notify.Kind != NotifySubscriptionFlush {
		t.Errorf("notify kind = %q, want %q", notify.Kind, NotifySubscriptionFlush)
	}
	if notify.SubscriptionID != 1 {
		t.Errorf("SubscriptionID = %d, want 1", notify.SubscriptionID)
	}
	if len(notify.Events) != 2 {
		t.Fatalf("flushed events = %d, want 2", len(notify.Events))
	}
	if notify.Events[0].Atom != 47 || notify.Events[1].Atom != 48 {
		t.Errorf("flushed atoms = %d, %d; want 47, 48", notify.Events[0].Atom, notify.Events[1].Atom)
	}

	// An empty buffer flushes to nothing without touching the receiver.
	if err := b.Flush(ctx, 1); err != nil {
		t.Fatalf("empty Flush: %v", err)
	}
	select {
	case extra := <-receiver.notifies:
		t.Fatalf("empty flush reached the receiver: %+v", extra)
	case <-time.After(100 * time.Millisecond): //nolint:realclock absence check
	}
}

func TestBrokerFiltersByAtom(t *testing.T) {
	b := testBroker()
	receiver := startNotifyReceiver(t)
	ctx := context.Background()

	b.Add(SubscriptionSpec{ID: 2, Atoms: []int32{47}, SocketPath: receiver.path})
	b.OnEvent(ctx, schema.Event{Atom: 47, ElapsedNanos: 1})
	b.OnEvent(ctx, schema.Event{Atom: 99, ElapsedNanos: 2})

	if err := b.Flush(ctx, 2); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	notify := receiver.await(t)
	if len(notify.Events) != 1 || notify.Events[0].Atom != 47 {
		t.Errorf("flushed events = %+v, want only atom 47", notify.Events)
	}
}

func TestBrokerDropsOldestPastCap(t *testing.T) {
	b := testBroker()
	receiver := startNotifyReceiver(t)
	ctx := context.Background()

	b.Add(SubscriptionSpec{ID: 3, SocketPath: receiver.path})
	const overflow = 5
	for i := 0; i < maxSubscriptionBuffer+overflow; i++ {
		b.OnEvent(ctx, schema.Event{Atom: 47, ElapsedNanos: int64(i)})
	}

	if err := b.Flush(ctx, 3); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	notify := receiver.await(t)
	if len(notify.Events) != maxSubscriptionBuffer {
		t.Fatalf("flushed events = %d, want %d", len(notify.Events), maxSubscriptionBuffer)
	}
	if notify.Events[0].ElapsedNanos != overflow {
		t.Errorf("oldest surviving event = %d, want %d (oldest dropped first)",
			notify.Events[0].ElapsedNanos, overflow)
	}
}

func TestBrokerFlushUnknownID(t *testing.T) {
	b := testBroker()
	err := b.Flush(context.Background(), 42)
	requireCode(t, err, ipc.CodeIllegalArgument)
}

func TestBrokerReplaceDiscardsBuffer(t *testing.T) {
	b := testBroker()
	receiver := startNotifyReceiver(t)
	ctx := context.Background()

	b.Add(SubscriptionSpec{ID: 4, SocketPath: receiver.path})
	b.OnEvent(ctx, schema.Event{Atom: 47, ElapsedNanos: 1})
	b.Add(SubscriptionSpec{ID: 4, SocketPath: receiver.path})

	if err := b.Flush(ctx, 4); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	select {
	case extra := <-receiver.notifies:
		t.Fatalf("replaced subscription still flushed old events: %+v", extra)
	case <-time.After(100 * time.Millisecond): //nolint:realclock absence check
	}
}

func TestBrokerRemove(t *testing.T) {
	b := testBroker()
	b.Add(SubscriptionSpec{ID: 5, SocketPath: "/run/sub.sock"})
	if !b.Remove(5) {
		t.Error("Remove(5) = false for a live subscription")
	}
	if b.Remove(5) {
		t.Error("Remove(5) = true after removal")
	}
	if b.Count() != 0 {
		t.Errorf("Count = %d, want 0", b.Count())
	}
}

func TestBrokerMinFlushInterval(t *testing.T) {
	b := testBroker()
	if got := b.MinFlushInterval(); got != 0 {
		t.Errorf("MinFlushInterval with no subscriptions = %v, want 0", got)
	}

	b.Add(SubscriptionSpec{ID: 1, SocketPath: "/run/a.sock", FlushIntervalSeconds: 120})
	b.Add(SubscriptionSpec{ID: 2, SocketPath: "/run/b.sock", FlushIntervalSeconds: 60})
	b.Add(SubscriptionSpec{ID: 3, SocketPath: "/run/c.sock"})
	if got := b.MinFlushInterval(); got != 60*time.Second {
		t.Errorf("MinFlushInterval = %v, want 60s", got)
	}

	b.Remove(2)
	if got := b.MinFlushInterval(); got != 120*time.Second {
		t.Errorf("MinFlushInterval after removal = %v, want 120s", got)
	}
}

func TestBrokerLiveStreams(t *testing.T) {
	b := testBroker()
	ctx := context.Background()

	id, events := b.OpenStream([]int32{47})
	b.OnEvent(ctx, schema.Event{Atom: 99, ElapsedNanos: 1})
	b.OnEvent(ctx, schema.Event{Atom: 47, ElapsedNanos: 2})

	event := testutil.RequireReceive(t, events, 5*time.Second, "stream never saw the matching event")
	if event.Atom != 47 {
		t.Errorf("streamed atom = %d, want 47", event.Atom)
	}
	select {
	case extra := <-events:
		t.Fatalf("stream carried a filtered event: %+v", extra)
	default:
	}

	b.CloseStream(id)
	b.OnEvent(ctx, schema.Event{Atom: 47, ElapsedNanos: 3})
}

func TestAddSubscriptionRequiresTracingIdentity(t *testing.T) {
	fx := newFacadeFixture(t)
	payload := subscriptionPayload(t, SubscriptionSpec{ID: 1, SocketPath: "/run/sub.sock"})

	err := fx.call(t, appCred(4242), ipc.Request{Action: ipc.ActionAddSubscription, Subscription: payload}, nil)
	requireCode(t, err, ipc.CodeSecurity)
	err = fx.call(t, shellCred(), ipc.Request{Action: ipc.ActionAddSubscription, Subscription: payload}, nil)
	requireCode(t, err, ipc.CodeSecurity)

	fx.mustCall(t, tracingCred(), ipc.Request{Action: ipc.ActionAddSubscription, Subscription: payload}, nil)
	if fx.f.currentBroker().Count() != 1 {
		t.Error("tracing caller's subscription was not added")
	}
}

func TestSubscriptionSpecValidation(t *testing.T) {
	fx := newFacadeFixture(t)

	cases := []struct {
		name string
		raw  []byte
	}{
		{"empty", nil},
		{"garbage", []byte("not cbor")},
		{"missing id", subscriptionPayload(t, SubscriptionSpec{SocketPath: "/run/sub.sock"})},
		{"missing socket", subscriptionPayload(t, SubscriptionSpec{ID: 9})},
	}
	for _, tc := range cases {
		err := fx.call(t, tracingCred(), ipc.Request{Action: ipc.ActionAddSubscription, Subscription: tc.raw}, nil)
		if ipc.CodeOf(err) != ipc.CodeIllegalArgument {
			t.Errorf("%s: code = %v, want %s", tc.name, ipc.CodeOf(err), ipc.CodeIllegalArgument)
		}
	}
}

func TestSubscriptionArmsAndCancelsAlarm(t *testing.T) {
	fx := newFacadeFixture(t)
	payload := subscriptionPayload(t, SubscriptionSpec{
		ID:                   6,
		SocketPath:           "/run/sub.sock",
		FlushIntervalSeconds: 60,
	})

	fx.mustCall(t, tracingCred(), ipc.Request{Action: ipc.ActionAddSubscription, Subscription: payload}, nil)
	if got, want := fx.subscriber.Outstanding(), testEpoch.Unix()+60; got != want {
		t.Errorf("subscriber alarm = %d, want %d", got, want)
	}

	fx.mustCall(t, tracingCred(), ipc.Request{Action: ipc.ActionRemoveSubscription, Subscription: payload}, nil)
	if got := fx.subscriber.Outstanding(); got != 0 {
		t.Errorf("subscriber alarm = %d after removal, want 0", got)
	}
}

func TestFlushSubscriptionBeforeAnyAdd(t *testing.T) {
	fx := newFacadeFixture(t)
	payload := subscriptionPayload(t, SubscriptionSpec{ID: 7, SocketPath: "/run/sub.sock"})
	err := fx.call(t, tracingCred(), ipc.Request{Action: ipc.ActionFlushSubscription, Subscription: payload}, nil)
	requireCode(t, err, ipc.CodeIllegalArgument)
}

func TestSubscriberAlarmFlushCycle(t *testing.T) {
	fx := newFacadeFixture(t)
	receiver := startNotifyReceiver(t)
	ctx := context.Background()

	fx.mustCall(t, tracingCred(), ipc.Request{
		Action: ipc.ActionAddSubscription,
		Subscription: subscriptionPayload(t, SubscriptionSpec{
			ID:                   8,
			SocketPath:           receiver.path,
			FlushIntervalSeconds: 60,
		}),
	}, nil)
	fx.f.currentBroker().OnEvent(ctx, schema.Event{Atom: 47, ElapsedNanos: 1})

	fx.clk.Advance(61 * time.Second)
	fx.mustCall(t, systemCred(), ipc.Request{Action: ipc.ActionInformAlarmForSubscriberTriggeringFired}, nil)

	notify := receiver.await(t)
	if notify.Kind != NotifySubscriptionFlush || notify.SubscriptionID != 8 {
		t.Errorf("notify = %+v, want subscription-flush for id 8", notify)
	}
	if len(notify.Events) != 1 {
		t.Errorf("flushed events = %d, want 1", len(notify.Events))
	}

	// The alarm re-arms for the next interval from the fire time.
	if got, want := fx.subscriber.Outstanding(), testEpoch.Unix()+61+60; got != want {
		t.Errorf("re-armed alarm = %d, want %d", got, want)
	}
}

func TestSubscriberAlarmFireWithoutRegistration(t *testing.T) {
	fx := newFacadeFixture(t)
	fx.mustCall(t, systemCred(), ipc.Request{Action: ipc.ActionInformAlarmForSubscriberTriggeringFired}, nil)
}
