// Copyright 2026 The Telemetryd Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/telemetryd/telemetryd/lib/codec"
	"github.com/telemetryd/telemetryd/lib/ipc"
	"github.com/telemetryd/telemetryd/lib/peercred"
	"github.com/telemetryd/telemetryd/lib/schema"
	"github.com/telemetryd/telemetryd/lib/service"
)

const (
	// maxSubscriptionBuffer caps how many events a flush-based
	// subscription holds between flushes. Past the cap the oldest
	// event is dropped, same policy as the ingestion queue.
	maxSubscriptionBuffer = 1024

	// maxStreamBacklog is the channel depth for a live stream. A
	// stream reader that cannot keep up loses events rather than
	// stalling ingestion.
	maxStreamBacklog = 256

	// defaultSubscribeTimeout bounds a shell-subscribe stream whose
	// request did not name one.
	defaultSubscribeTimeout = 10 * time.Second
)

// SubscriptionSpec is the decoded form of the opaque subscription
// payload carried by add-subscription.
type SubscriptionSpec struct {
	// ID names the subscription; re-adding an id replaces it.
	ID int64 `cbor:"id"`

	// Atoms filters buffered events to the listed tags. Empty means
	// every event.
	Atoms []int32 `cbor:"atoms,omitempty"`

	// SocketPath receives the flush notification.
	SocketPath string `cbor:"socket_path"`

	// FlushIntervalSeconds asks for periodic flushing. Zero means
	// flush only on demand.
	FlushIntervalSeconds int64 `cbor:"flush_interval_seconds,omitempty"`
}

type subscription struct {
	spec    SubscriptionSpec
	atomSet map[int32]struct{}
	buffer  []schema.Event
	dropped int
}

type liveStream struct {
	atomSet map[int32]struct{}
	events  chan schema.Event
}

// broker fans ingested events out to live subscriptions. It is the
// ingestion loop's tap: OnEvent runs on the loop goroutine and must
// never block, so streams get non-blocking sends and buffers drop
// their oldest entry when full.
type broker struct {
	notify *Broadcaster
	logger *slog.Logger

	mu           sync.Mutex
	subs         map[int64]*subscription
	streams      map[int64]*liveStream
	nextStreamID int64
}

func newBroker(notify *Broadcaster, logger *slog.Logger) *broker {
	return &broker{
		notify:  notify,
		logger:  logger,
		subs:    make(map[int64]*subscription),
		streams: make(map[int64]*liveStream),
	}
}

func atomSet(atoms []int32) map[int32]struct{} {
	if len(atoms) == 0 {
		return nil
	}
	set := make(map[int32]struct{}, len(atoms))
	for _, atom := range atoms {
		set[atom] = struct{}{}
	}
	return set
}

func atomMatches(set map[int32]struct{}, atom int32) bool {
	if set == nil {
		return true
	}
	_, ok := set[atom]
	return ok
}

// OnEvent implements ingest.EventSink for the loop tap.
func (b *broker) OnEvent(_ context.Context, event schema.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if !atomMatches(sub.atomSet, event.Atom) {
			continue
		}
		if len(sub.buffer) >= maxSubscriptionBuffer {
			sub.buffer = sub.buffer[1:]
			sub.dropped++
		}
		sub.buffer = append(sub.buffer, event)
	}
	for _, stream := range b.streams {
		if !atomMatches(stream.atomSet, event.Atom) {
			continue
		}
		select {
		case stream.events <- event:
		default:
		}
	}
}

// Add installs or replaces a subscription. A replaced subscription's
// unflushed buffer is discarded.
func (b *broker) Add(spec SubscriptionSpec) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[spec.ID] = &subscription{
		spec:    spec,
		atomSet: atomSet(spec.Atoms),
	}
	b.logger.Info("subscription added", "id", spec.ID, "atoms", len(spec.Atoms), "interval_seconds", spec.FlushIntervalSeconds)
}

func (b *broker) Remove(id int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[id]; !ok {
		return false
	}
	delete(b.subs, id)
	b.logger.Info("subscription removed", "id", id)
	return true
}

// Flush sends and clears a subscription's buffered events. An empty
// buffer flushes to nothing without touching the receiver.
func (b *broker) Flush(ctx context.Context, id int64) error {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if !ok {
		b.mu.Unlock()
		return ipc.IllegalArgumentf("no subscription with id %d", id)
	}
	events := sub.buffer
	dropped := sub.dropped
	sub.buffer = nil
	sub.dropped = 0
	spec := sub.spec
	b.mu.Unlock()

	if dropped > 0 {
		b.logger.Warn("subscription dropped events before flush", "id", id, "dropped", dropped)
	}
	if len(events) == 0 {
		return nil
	}
	return b.notify.SendSubscriptionFlush(ctx, spec.SocketPath, id, events)
}

// FlushAll flushes every subscription, logging rather than propagating
// per-receiver failures.
func (b *broker) FlushAll(ctx context.Context) {
	b.mu.Lock()
	ids := make([]int64, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	b.mu.Unlock()
	for _, id := range ids {
		if err := b.Flush(ctx, id); err != nil {
			b.logger.Warn("subscription flush failed", "id", id, "error", err)
		}
	}
}

// MinFlushInterval is the shortest periodic interval across live
// subscriptions, zero when none asks for periodic flushing.
func (b *broker) MinFlushInterval() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	var min int64
	for _, sub := range b.subs {
		seconds := sub.spec.FlushIntervalSeconds
		if seconds <= 0 {
			continue
		}
		if min == 0 || seconds < min {
			min = seconds
		}
	}
	return time.Duration(min) * time.Second
}

func (b *broker) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// OpenStream attaches a live event channel filtered to the given
// atoms. The caller must CloseStream the returned id.
func (b *broker) OpenStream(atoms []int32) (int64, <-chan schema.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextStreamID++
	id := b.nextStreamID
	stream := &liveStream{
		atomSet: atomSet(atoms),
		events:  make(chan schema.Event, maxStreamBacklog),
	}
	b.streams[id] = stream
	return id, stream.events
}

func (b *broker) CloseStream(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.streams, id)
}

// broker returns the facade's subscription broker, building it and
// installing it as the ingestion tap on first use. Subscriptions are
// rare; the tap costs nothing until someone asks for one.
func (f *Facade) broker() *broker {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs == nil {
		f.subs = newBroker(f.notify, f.logger)
		f.loop.SetTap(f.subs)
	}
	return f.subs
}

// currentBroker returns the broker without building one.
func (f *Facade) currentBroker() *broker {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs
}

func decodeSubscriptionSpec(raw []byte) (SubscriptionSpec, error) {
	var spec SubscriptionSpec
	if len(raw) == 0 {
		return spec, ipc.IllegalArgumentf("subscription spec is required")
	}
	if err := codec.Unmarshal(raw, &spec); err != nil {
		return spec, ipc.IllegalArgumentf("invalid subscription spec: %v", err)
	}
	if spec.ID == 0 {
		return spec, ipc.IllegalArgumentf("subscription id is required")
	}
	if spec.SocketPath == "" {
		return spec, ipc.IllegalArgumentf("subscription socket_path is required")
	}
	return spec, nil
}

func (f *Facade) addSubscription(ctx context.Context, _ peercred.Cred, req ipc.Request) (any, error) {
	spec, err := decodeSubscriptionSpec(req.Subscription)
	if err != nil {
		return nil, err
	}
	f.broker().Add(spec)
	f.armSubscriberAlarm(ctx)
	return nil, nil
}

func (f *Facade) removeSubscription(ctx context.Context, _ peercred.Cred, req ipc.Request) (any, error) {
	spec, err := decodeSubscriptionSpec(req.Subscription)
	if err != nil {
		return nil, err
	}
	if b := f.currentBroker(); b != nil {
		b.Remove(spec.ID)
	}
	f.armSubscriberAlarm(ctx)
	return nil, nil
}

func (f *Facade) flushSubscription(ctx context.Context, _ peercred.Cred, req ipc.Request) (any, error) {
	spec, err := decodeSubscriptionSpec(req.Subscription)
	if err != nil {
		return nil, err
	}
	b := f.currentBroker()
	if b == nil {
		return nil, ipc.IllegalArgumentf("no subscription with id %d", spec.ID)
	}
	return nil, b.Flush(ctx, spec.ID)
}

// armSubscriberAlarm points the subscriber alarm at the next periodic
// flush, or cancels it when no subscription wants one.
func (f *Facade) armSubscriberAlarm(ctx context.Context) {
	b := f.currentBroker()
	if b == nil {
		return
	}
	interval := b.MinFlushInterval()
	if interval <= 0 {
		f.subscriber.CancelAlarm(ctx)
		return
	}
	f.subscriber.SetAlarm(ctx, f.clk.Now().Add(interval).Unix())
}

// handleShellSubscribe streams live events to a shell client: ack,
// then one CBOR-encoded event per match until the timeout, the client
// hanging up, or daemon shutdown.
func (f *Facade) handleShellSubscribe(ctx context.Context, caller peercred.Cred, raw []byte, conn net.Conn) error {
	if err := f.guard.RequireShell(caller); err != nil {
		service.Fail(conn, err)
		return err
	}
	req, err := decodeRequest(raw)
	if err != nil {
		service.Fail(conn, err)
		return err
	}
	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = defaultSubscribeTimeout
	}

	b := f.broker()
	id, events := b.OpenStream(req.Atoms)
	defer b.CloseStream(id)

	if err := service.Ack(conn); err != nil {
		return err
	}
	deadline := f.clk.After(timeout)
	encoder := codec.NewEncoder(conn)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-deadline:
			return nil
		case event := <-events:
			conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout)) //nolint:realclock
			if err := encoder.Encode(event); err != nil {
				// The shell client hung up; not an error.
				return nil
			}
		}
	}
}
