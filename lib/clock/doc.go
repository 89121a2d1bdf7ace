// Copyright 2026 The Telemetryd Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction for testability.
//
// Production code accepts a Clock interface instead of calling
// time.Now, time.After, time.NewTicker, or time.Sleep directly. In
// production, Real() provides standard library behavior. In tests,
// Fake() provides a deterministic clock that advances only when
// Advance is called — which is the only way the boot gate's delayed
// completion, alarm timing rules, and subscription timeouts can be
// tested without wall-clock sleeps.
//
// # Wiring Pattern
//
// Add a Clock field to structs that use time:
//
//	type Gate struct {
//	    clock clock.Clock
//	    // ...
//	}
//
// In production:
//
//	g := NewGate(..., clock.Real())
//
// In tests:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	g := NewGate(..., c)
//	// ... trigger the delayed path ...
//	c.WaitForTimers(1)              // goroutine registered its wait
//	c.Advance(90 * time.Second)     // fire it deterministically
//
// # FakeClock Synchronization
//
// When a goroutine calls Sleep, After, or NewTicker on a FakeClock, it
// registers a pending waiter. WaitForTimers blocks until a given
// number of waiters are registered, eliminating the race between timer
// registration and time advancement that plagues tests built on real
// sleeps.
package clock
