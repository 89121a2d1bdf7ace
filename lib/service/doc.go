// Copyright 2026 The Telemetryd Authors
// SPDX-License-Identifier: Apache-2.0

// Package service provides the Unix socket request-response transport
// used by every telemetryd surface: the daemon's control socket, the
// companion's command socket, and telemetryctl.
//
// The protocol is one CBOR request per connection. The request is a
// map with an "action" field; the reply is a Response envelope with
// ok/code/error plus an optional "data" payload. Streaming actions
// (report fd transfer, live event subscription, companion
// registration) keep the connection open after the envelope and write
// handler-defined data.
//
// Caller identity is not part of the payload: the server reads the
// kernel's SO_PEERCRED/SO_PEERSEC values at accept time and passes
// them to every handler. There are no client-side credentials to
// configure, and nothing in a request can override what the kernel
// reports.
package service
