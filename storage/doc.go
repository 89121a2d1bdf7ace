// Copyright 2026 The Telemetryd Authors
// SPDX-License-Identifier: Apache-2.0

// Package storage persists the daemon's durable state under the state
// directory: metric configurations (small CBOR or JSONC blobs, one
// file per config key) and report buffers flushed from the engine.
//
// Every write is atomic: data goes to a temporary file in the same
// directory, is fsynced, and is renamed into place, so a crash never
// leaves a reader looking at a partial file.
//
// Report files carry a small binary envelope:
//
//	[0:4]  magic "TDR1"
//	[4]    compression tag (none, zstd, lz4)
//	[5:9]  big-endian header length
//	[9:..] CBOR header (reason, created_nanos, uncompressed_size, digest)
//	[..:]  payload, compressed per the tag
//
// The digest is a BLAKE3 hash of the uncompressed payload; a mismatch
// on read marks the file as corrupt and it is skipped. Normal flushes
// compress with zstd; "fast" flushes (shutdown paths, companion death)
// use lz4 to keep the write cheap when the daemon is on its way down.
// Incompressible payloads fall back to the none tag.
//
// Old report files are garbage-collected by SweepExpired, which the
// daemon runs at startup and the shell can trigger indirectly through
// write-to-disk maintenance.
package storage
