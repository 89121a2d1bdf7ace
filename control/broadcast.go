// Copyright 2026 The Telemetryd Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/telemetryd/telemetryd/guardrail"
	"github.com/telemetryd/telemetryd/lib/codec"
	"github.com/telemetryd/telemetryd/lib/schema"
)

// Notify kinds. Receivers switch on the kind to decide what changed.
const (
	// NotifyDataReady tells a receiver its config's report is worth
	// fetching.
	NotifyDataReady = "data-ready"

	// NotifyActiveConfigsChanged carries a uid's current active config
	// set.
	NotifyActiveConfigsChanged = "active-configs-changed"

	// NotifyBroadcastSubscriber pokes a per-(config, subscriber)
	// target.
	NotifyBroadcastSubscriber = "broadcast-subscriber"

	// NotifyRestrictedChanged tells a restricted-metrics delegate the
	// config it watches changed.
	NotifyRestrictedChanged = "restricted-metrics-changed"

	// NotifySubscriptionFlush delivers a live subscription's buffered
	// events.
	NotifySubscriptionFlush = "subscription-flush"
)

// Notify is the one-shot message the daemon writes to a receiver
// socket. There is no response: the daemon connects, writes one CBOR
// value, and closes, mirroring a fire-and-forget platform broadcast.
type Notify struct {
	Kind           string         `cbor:"kind"`
	ConfigUid      int32          `cbor:"config_uid,omitempty"`
	ConfigID       int64          `cbor:"config_id,omitempty"`
	SubscriberID   int64          `cbor:"subscriber_id,omitempty"`
	SubscriptionID int64          `cbor:"subscription_id,omitempty"`
	ConfigIDs      []int64        `cbor:"config_ids,omitempty"`
	Events         []schema.Event `cbor:"events,omitempty"`
}

// broadcastTimeout bounds one notify delivery: connect plus write. A
// receiver that cannot take a small CBOR value in this window is not
// worth stalling an RPC handler for.
const broadcastTimeout = 5 * time.Second

// Broadcaster delivers Notify messages and counts the ones that made
// it out.
type Broadcaster struct {
	stats  *guardrail.Collector
	logger *slog.Logger
}

// NewBroadcaster builds a broadcaster counting into stats.
func NewBroadcaster(stats *guardrail.Collector, logger *slog.Logger) *Broadcaster {
	return &Broadcaster{stats: stats, logger: logger}
}

// Send writes one notify to the receiver socket. Delivery failures are
// returned so shell commands can report them; RPC-path callers log and
// move on.
func (b *Broadcaster) Send(ctx context.Context, socketPath string, notify Notify) error {
	dialer := net.Dialer{Timeout: broadcastTimeout}
	conn, err := dialer.DialContext(ctx, "unix", socketPath)
	if err != nil {
		b.logger.Warn("broadcast receiver unreachable",
			"kind", notify.Kind, "socket", socketPath, "error", err)
		return err
	}
	defer conn.Close()

	conn.SetWriteDeadline(time.Now().Add(broadcastTimeout)) //nolint:realclock
	if err := codec.NewEncoder(conn).Encode(notify); err != nil {
		b.logger.Warn("broadcast write failed",
			"kind", notify.Kind, "socket", socketPath, "error", err)
		return err
	}

	b.stats.NoteBroadcastSent()
	b.logger.Debug("broadcast sent", "kind", notify.Kind, "socket", socketPath)
	return nil
}

// SendDataReady notifies the config's data-fetch receiver.
func (b *Broadcaster) SendDataReady(ctx context.Context, socketPath string, key schema.ConfigKey) error {
	return b.Send(ctx, socketPath, Notify{
		Kind:      NotifyDataReady,
		ConfigUid: key.Uid,
		ConfigID:  key.Id,
	})
}

// SendActiveConfigs notifies a uid's active-configs-changed receiver.
func (b *Broadcaster) SendActiveConfigs(ctx context.Context, socketPath string, uid int32, configIDs []int64) error {
	return b.Send(ctx, socketPath, Notify{
		Kind:      NotifyActiveConfigsChanged,
		ConfigUid: uid,
		ConfigIDs: configIDs,
	})
}

// SendRestrictedChanged notifies one delegate receiver that a
// restricted config changed.
func (b *Broadcaster) SendRestrictedChanged(ctx context.Context, socketPath string, key schema.ConfigKey) error {
	return b.Send(ctx, socketPath, Notify{
		Kind:      NotifyRestrictedChanged,
		ConfigUid: key.Uid,
		ConfigID:  key.Id,
	})
}

// SendSubscriptionFlush delivers a subscription's buffered events.
func (b *Broadcaster) SendSubscriptionFlush(ctx context.Context, socketPath string, subscriptionID int64, events []schema.Event) error {
	return b.Send(ctx, socketPath, Notify{
		Kind:           NotifySubscriptionFlush,
		SubscriptionID: subscriptionID,
		Events:         events,
	})
}
