// Copyright 2026 The Telemetryd Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the standard CBOR encoding configuration.
//
// The daemon uses two serialization formats with a clear boundary:
//
//   - CBOR for everything that moves or persists: control-socket
//     traffic, companion commands, on-disk report and snapshot files,
//     and client-supplied collection configs in their binary form.
//   - Text (YAML, JSONC) only at human edges: the daemon's own
//     configuration file and the shell surface's text-form collection
//     configs, both converted to internal types at the boundary.
//
// This package holds the shared CBOR modes so every package encodes
// identically without duplicating configuration. The encoder uses Core
// Deterministic Encoding (RFC 8949 §4.2): sorted map keys, smallest
// integer encoding, no indefinite-length items. The same logical value
// always produces identical bytes, which the recovery round-trip,
// report digests, and the keep-data dump contract all rely on.
//
// For buffer-oriented operations (files, snapshots):
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For stream-oriented operations (sockets):
//
//	encoder := codec.NewEncoder(conn)
//	decoder := codec.NewDecoder(conn)
//
// Internal-only types use `cbor` struct tags. Types that also appear
// in CLI JSON output use `json` tags, which the CBOR library reads as
// a fallback; never put both tags on one field.
package codec
