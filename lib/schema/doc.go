// Copyright 2026 The Telemetryd Authors
// SPDX-License-Identifier: Apache-2.0

// Package schema defines the wire and storage types shared across
// telemetryd packages: config keys, telemetry events, and package
// install records.
//
// These types are the contract between the daemon, the companion, and
// the telemetryctl CLI. They live here to guarantee all sides agree on
// field names and CBOR tags. Every type in this package is encoded with
// lib/codec, whose deterministic mode makes persisted snapshots and
// report payloads byte-stable across runs.
//
// This package has no telemetryd-internal dependencies.
package schema
