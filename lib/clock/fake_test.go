// Copyright 2026 The Telemetryd Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sync"
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeClockNow(t *testing.T) {
	clock := Fake(epoch)
	if got := clock.Now(); !got.Equal(epoch) {
		t.Fatalf("Now() = %v, want %v", got, epoch)
	}
	clock.Advance(5 * time.Second)
	want := epoch.Add(5 * time.Second)
	if got := clock.Now(); !got.Equal(want) {
		t.Fatalf("Now() after Advance = %v, want %v", got, want)
	}
}

func TestFakeClockAfterFiresOnAdvance(t *testing.T) {
	clock := Fake(epoch)
	channel := clock.After(3 * time.Second)

	// Should not fire yet.
	select {
	case <-channel:
		t.Fatal("After fired before Advance")
	default:
	}

	// Advance past the deadline.
	clock.Advance(3 * time.Second)

	select {
	case <-channel:
	default:
		t.Fatal("After did not fire after Advance")
	}
}

func TestFakeClockAfterZeroDuration(t *testing.T) {
	clock := Fake(epoch)
	channel := clock.After(0)

	select {
	case <-channel:
	default:
		t.Fatal("After(0) should fire immediately")
	}
}

func TestFakeClockAfterNegativeDuration(t *testing.T) {
	clock := Fake(epoch)
	channel := clock.After(-1 * time.Second)

	select {
	case <-channel:
	default:
		t.Fatal("After(-1s) should fire immediately")
	}
}

func TestFakeClockAfterPartialAdvance(t *testing.T) {
	clock := Fake(epoch)
	channel := clock.After(5 * time.Second)

	clock.Advance(3 * time.Second)
	select {
	case <-channel:
		t.Fatal("After fired before deadline")
	default:
	}

	clock.Advance(2 * time.Second)
	select {
	case <-channel:
	default:
		t.Fatal("After did not fire at exact deadline")
	}
}

func TestFakeClockAfterDeliversDeadline(t *testing.T) {
	clock := Fake(epoch)
	channel := clock.After(4 * time.Second)

	clock.Advance(10 * time.Second)

	want := epoch.Add(4 * time.Second)
	select {
	case got := <-channel:
		if !got.Equal(want) {
			t.Fatalf("After delivered %v, want deadline %v", got, want)
		}
	default:
		t.Fatal("After did not fire")
	}
}

func TestFakeClockNewTicker(t *testing.T) {
	clock := Fake(epoch)
	ticker := clock.NewTicker(1 * time.Second)
	defer ticker.Stop()

	// No tick yet.
	select {
	case <-ticker.C:
		t.Fatal("ticker fired before first interval")
	default:
	}

	// First tick.
	clock.Advance(1 * time.Second)
	select {
	case <-ticker.C:
	default:
		t.Fatal("ticker did not fire after first interval")
	}

	// Second tick.
	clock.Advance(1 * time.Second)
	select {
	case <-ticker.C:
	default:
		t.Fatal("ticker did not fire after second interval")
	}
}

func TestFakeClockTickerStop(t *testing.T) {
	clock := Fake(epoch)
	ticker := clock.NewTicker(1 * time.Second)

	ticker.Stop()
	clock.Advance(5 * time.Second)

	select {
	case <-ticker.C:
		t.Fatal("ticker fired after Stop()")
	default:
	}
}

func TestFakeClockTickerPanicsOnNonPositive(t *testing.T) {
	clock := Fake(epoch)
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("NewTicker(0) should panic")
		}
	}()
	clock.NewTicker(0)
}

func TestFakeClockSleep(t *testing.T) {
	clock := Fake(epoch)

	done := make(chan struct{})
	go func() {
		clock.Sleep(3 * time.Second)
		close(done)
	}()

	clock.WaitForTimers(1)
	clock.Advance(3 * time.Second)

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatal("Sleep did not return after Advance")
	}
}

func TestFakeClockSleepZero(t *testing.T) {
	clock := Fake(epoch)
	// Should return immediately, no blocking.
	clock.Sleep(0)
}

func TestFakeClockSleepNegative(t *testing.T) {
	clock := Fake(epoch)
	// Should return immediately.
	clock.Sleep(-1 * time.Second)
}

func TestFakeClockWaitForTimers(t *testing.T) {
	clock := Fake(epoch)

	// Register timers from concurrent goroutines.
	for i := 0; i < 3; i++ {
		go func() {
			clock.Sleep(5 * time.Second)
		}()
	}

	// WaitForTimers blocks until all 3 are registered.
	clock.WaitForTimers(3)

	if got := clock.PendingCount(); got != 3 {
		t.Fatalf("PendingCount() = %d, want 3", got)
	}
}

func TestFakeClockMultipleTimersFireInOrder(t *testing.T) {
	clock := Fake(epoch)

	late := clock.After(3 * time.Second)
	early := clock.After(1 * time.Second)
	middle := clock.After(2 * time.Second)

	// A single Advance past all three deadlines delivers each
	// timer its own deadline, earliest first.
	clock.Advance(5 * time.Second)

	times := make([]time.Time, 0, 3)
	for _, channel := range []<-chan time.Time{early, middle, late} {
		select {
		case stamp := <-channel:
			times = append(times, stamp)
		default:
			t.Fatal("timer did not fire")
		}
	}

	for i := 1; i < len(times); i++ {
		if times[i].Before(times[i-1]) {
			t.Fatalf("deadlines out of order: %v", times)
		}
	}
}

func TestFakeClockTickerDropsTicks(t *testing.T) {
	clock := Fake(epoch)
	ticker := clock.NewTicker(1 * time.Second)
	defer ticker.Stop()

	// Advance past multiple intervals without reading from C.
	// Channel buffer is 1, so at most 1 tick is buffered.
	clock.Advance(5 * time.Second)

	// Exactly one tick should be buffered.
	select {
	case <-ticker.C:
	default:
		t.Fatal("expected at least one buffered tick")
	}

	// No more ticks buffered (the rest were dropped).
	select {
	case <-ticker.C:
		t.Fatal("expected no more ticks (should have been dropped)")
	default:
	}
}

func TestFakeClockAfterDoesNotRepeat(t *testing.T) {
	clock := Fake(epoch)
	channel := clock.After(1 * time.Second)

	clock.Advance(1 * time.Second)
	clock.Advance(1 * time.Second)
	clock.Advance(1 * time.Second)

	<-channel
	select {
	case <-channel:
		t.Fatal("After fired more than once")
	default:
	}
}

func TestFakeClockPendingCountExcludesStopped(t *testing.T) {
	clock := Fake(epoch)
	ticker := clock.NewTicker(1 * time.Second)
	clock.After(2 * time.Second)

	if got := clock.PendingCount(); got != 2 {
		t.Fatalf("PendingCount() = %d, want 2", got)
	}

	ticker.Stop()
	if got := clock.PendingCount(); got != 1 {
		t.Fatalf("PendingCount() after ticker stop = %d, want 1", got)
	}
}

func TestFakeClockPendingCountExcludesFired(t *testing.T) {
	clock := Fake(epoch)
	clock.After(1 * time.Second)
	clock.After(3 * time.Second)

	if got := clock.PendingCount(); got != 2 {
		t.Fatalf("PendingCount() = %d, want 2", got)
	}

	clock.Advance(2 * time.Second)
	if got := clock.PendingCount(); got != 1 {
		t.Fatalf("PendingCount() after first fires = %d, want 1", got)
	}
}

func TestFakeClockImplementsClock(t *testing.T) {
	// Compile-time check that *FakeClock satisfies Clock.
	var _ Clock = (*FakeClock)(nil)
}

func TestRealClockImplementsClock(t *testing.T) {
	// Compile-time check that realClock satisfies Clock.
	var _ Clock = Real()
}

func TestFakeClockConcurrentAccess(t *testing.T) {
	clock := Fake(epoch)
	const goroutines = 10

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			clock.After(1 * time.Second)
			clock.Now()
		}()
	}
	wg.Wait()

	clock.WaitForTimers(goroutines)
	clock.Advance(1 * time.Second)
}
