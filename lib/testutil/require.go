// Copyright 2026 The Telemetryd Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"fmt"
	"time"
)

// failer is the slice of testing.TB these helpers need. Tests pass
// *testing.T; the interface keeps the helpers usable from fixtures
// that wrap one.
type failer interface {
	Helper()
	Fatalf(format string, args ...any)
}

// RequireReceive reads one value from ch or fails the test at the
// timeout. The daemon's tests wait on goroutine handoffs constantly —
// gate callbacks, queue wakeups, streamed frames — and a missed
// handoff must fail the test rather than hang the run.
//
//	ev := testutil.RequireReceive(t, events, 5*time.Second, "first streamed event")
func RequireReceive[T any](t failer, ch <-chan T, timeout time.Duration, msgAndArgs ...any) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed without sending a value: %s", describe(msgAndArgs))
		}
		return v
	case <-time.After(timeout): //nolint:realclock test hang prevention
		t.Fatalf("timed out after %v: %s", timeout, describe(msgAndArgs))
	}
	panic("unreachable")
}

// RequireClosed waits for ch to close (or deliver) or fails the test
// at the timeout. Readiness channels — server.Ready(), loop-done
// signals — report by closing.
//
//	testutil.RequireClosed(t, server.Ready(), 5*time.Second, "control socket up")
func RequireClosed(t failer, ch <-chan struct{}, timeout time.Duration, msgAndArgs ...any) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(timeout): //nolint:realclock test hang prevention
		t.Fatalf("timed out after %v waiting for channel close: %s", timeout, describe(msgAndArgs))
	}
}

// describe renders the trailing message arguments: a bare string, a
// format string with args, or any single value.
func describe(msgAndArgs []any) string {
	switch len(msgAndArgs) {
	case 0:
		return "(no message)"
	case 1:
		if s, ok := msgAndArgs[0].(string); ok {
			return s
		}
		return fmt.Sprintf("%v", msgAndArgs[0])
	}
	if format, ok := msgAndArgs[0].(string); ok {
		return fmt.Sprintf(format, msgAndArgs[1:]...)
	}
	return fmt.Sprintf("%v", msgAndArgs)
}
