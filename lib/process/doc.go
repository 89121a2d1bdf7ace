// Copyright 2026 The Telemetryd Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides binary entrypoint helpers for telemetryd
// binaries. These functions centralize the two legitimate raw I/O
// patterns that exist before or after the structured logger:
//
//   - Fatal error reporting to stderr when the logger may not be
//     initialized (pre-logger).
//   - Process exit after an unrecoverable error in main().
//
// Direct fmt.Fprintf and fmt.Printf calls in non-CLI code should be
// replaced with calls to this package or with structured logging. The
// telemetryctl CLI and lib/version are the excluded paths.
package process
