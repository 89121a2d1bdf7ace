// Copyright 2026 The Telemetryd Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/telemetryd/telemetryd/lib/ipc"
	"github.com/telemetryd/telemetryd/lib/service"
)

// socketEnvVar overrides the default control socket path without a
// flag, for shells that talk to a relocated daemon.
const socketEnvVar = "TELEMETRYD_SOCKET"

const defaultSocket = "/run/telemetryd/control.sock"

// connection carries the flags every subcommand shares: the control
// socket path and the per-call timeout.
type connection struct {
	socket  string
	timeout time.Duration
}

func (c *connection) addFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&c.socket, "socket", defaultSocketPath(), "telemetryd control socket")
	flagSet.DurationVar(&c.timeout, "call-timeout", 30*time.Second, "per-call timeout")
}

func defaultSocketPath() string {
	if path := os.Getenv(socketEnvVar); path != "" {
		return path
	}
	return defaultSocket
}

func (c *connection) client() *service.Client {
	return service.NewClient(c.socket)
}

func (c *connection) callContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), c.timeout)
}

// call performs one request/response action against the daemon.
func (c *connection) call(action string, req ipc.Request, result any) error {
	req.Action = action
	ctx, cancel := c.callContext()
	defer cancel()
	return c.client().Call(ctx, req, result)
}

// shell runs one daemon shell command and returns its result.
func (c *connection) shell(body []byte, args ...string) (ipc.OutputResult, error) {
	var out ipc.OutputResult
	if err := c.call(ipc.ActionShell, ipc.Request{Args: args, Body: body}, &out); err != nil {
		return ipc.OutputResult{}, err
	}
	return out, nil
}
