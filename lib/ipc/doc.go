// Copyright 2026 The Telemetryd Authors
// SPDX-License-Identifier: Apache-2.0

// Package ipc defines the CBOR-encoded message types for the daemon's
// control socket and for the daemon→companion command socket. The
// daemon, the companion, and telemetryctl all import this package so
// the wire types are defined once rather than mirrored.
//
// Every request carries an "action" field naming the operation; the
// remaining fields are a union across actions, tagged omitempty so
// unused ones stay off the wire. Responses carry ok/code/error plus
// the action's result fields.
//
// The package also owns the error taxonomy: a failed response's Code
// classifies the failure as security, illegal-argument, illegal-state,
// or null-dependency, so callers can distinguish "you may not" from
// "you asked wrong" from "not now" without parsing message text.
package ipc
