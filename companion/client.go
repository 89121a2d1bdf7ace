// Copyright 2026 The Telemetryd Authors
// SPDX-License-Identifier: Apache-2.0

// Package companion tracks the link to the platform companion daemon:
// the privileged process that owns wakeup alarms and platform pulls on
// the daemon's behalf. The companion announces itself over the control
// socket and holds that connection open; when the connection drops the
// link runs the recovery protocol and waits for the next announcement.
package companion

import (
	"context"
	"log/slog"

	"github.com/telemetryd/telemetryd/lib/ipc"
	"github.com/telemetryd/telemetryd/lib/schema"
	"github.com/telemetryd/telemetryd/lib/service"
)

// Client is a dial-back handle to a companion socket. It satisfies
// both the alarm-forwarding and the platform-pull interfaces, so one
// handle serves the alarm monitors and the puller manager alike.
//
// The epoch distinguishes handles across companion restarts: a handle
// published after a re-link always carries a higher epoch than any
// handle from before the death.
type Client struct {
	socketPath string
	epoch      uint64
	rpc        *service.Client
}

// NewClient builds a handle for the companion socket at socketPath.
// Handles built directly carry epoch zero; Link issues the numbered
// ones.
func NewClient(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		rpc:        service.NewClient(socketPath),
	}
}

// SocketPath returns the socket this handle dials.
func (c *Client) SocketPath() string {
	return c.socketPath
}

// Epoch returns the link generation this handle belongs to.
func (c *Client) Epoch() uint64 {
	return c.epoch
}

// Ping verifies the companion answers on its socket.
func (c *Client) Ping(ctx context.Context) error {
	return c.rpc.Call(ctx, ipc.Request{Action: ipc.CompanionActionPing}, nil)
}

// SetAnomalyAlarm schedules the anomaly wakeup for atUnixSeconds.
func (c *Client) SetAnomalyAlarm(ctx context.Context, atUnixSeconds int64) error {
	return c.rpc.Call(ctx, ipc.Request{
		Action: ipc.CompanionActionSetAnomalyAlarm,
		At:     atUnixSeconds,
	}, nil)
}

// CancelAnomalyAlarm cancels the anomaly wakeup.
func (c *Client) CancelAnomalyAlarm(ctx context.Context) error {
	return c.rpc.Call(ctx, ipc.Request{Action: ipc.CompanionActionCancelAnomalyAlarm}, nil)
}

// SetAlarmForSubscriberTriggering schedules the subscriber wakeup for
// atUnixSeconds.
func (c *Client) SetAlarmForSubscriberTriggering(ctx context.Context, atUnixSeconds int64) error {
	return c.rpc.Call(ctx, ipc.Request{
		Action: ipc.CompanionActionSetSubscriberAlarm,
		At:     atUnixSeconds,
	}, nil)
}

// CancelAlarmForSubscriberTriggering cancels the subscriber wakeup.
func (c *Client) CancelAlarmForSubscriberTriggering(ctx context.Context) error {
	return c.rpc.Call(ctx, ipc.Request{Action: ipc.CompanionActionCancelSubscriberAlarm}, nil)
}

// PullAtom asks the companion to pull the platform atom and returns
// the events it produced.
func (c *Client) PullAtom(ctx context.Context, atom int32) ([]schema.Event, error) {
	var result ipc.PullResult
	if err := c.rpc.Call(ctx, ipc.Request{
		Action: ipc.CompanionActionPull,
		Atom:   atom,
	}, &result); err != nil {
		return nil, err
	}
	return result.Events, nil
}

// Hello pings a companion socket once at daemon startup. Reachability
// is best-effort: the companion links properly through its own ready
// notification later, so a failed ping is logged and swallowed.
func Hello(ctx context.Context, socketPath string, logger *slog.Logger) bool {
	if socketPath == "" {
		return false
	}
	if err := NewClient(socketPath).Ping(ctx); err != nil {
		logger.Warn("companion startup ping failed", "socket", socketPath, "error", err)
		return false
	}
	logger.Info("companion answered startup ping", "socket", socketPath)
	return true
}
