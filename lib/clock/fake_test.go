// Copyright 2026 The BakeBot Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sync/atomic"
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeAfterFiresOnAdvance(t *testing.T) {
	fake := Fake(epoch)
	ch := fake.After(5 * time.Second)

	select {
	case <-ch:
		t.Fatal("After fired before Advance")
	default:
	}

	fake.Advance(4 * time.Second)
	select {
	case <-ch:
		t.Fatal("After fired before its deadline")
	default:
	}

	fake.Advance(1 * time.Second)
	select {
	case fired := <-ch:
		if !fired.Equal(epoch.Add(5 * time.Second)) {
			t.Errorf("fired at %v, want %v", fired, epoch.Add(5*time.Second))
		}
	default:
		t.Fatal("After did not fire at its deadline")
	}
}

func TestFakeAfterNonPositive(t *testing.T) {
	fake := Fake(epoch)
	select {
	case <-fake.After(0):
	default:
		t.Fatal("After(0) should fire immediately")
	}
}

func TestFakeAfterFuncStop(t *testing.T) {
	fake := Fake(epoch)
	var calls atomic.Int32

	timer := fake.AfterFunc(time.Second, func() { calls.Add(1) })
	if !timer.Stop() {
		t.Fatal("Stop on a pending timer should return true")
	}
	fake.Advance(2 * time.Second)
	if calls.Load() != 0 {
		t.Error("stopped timer fired")
	}
	if timer.Stop() {
		t.Error("second Stop should return false")
	}
}

func TestFakeAfterFuncReset(t *testing.T) {
	fake := Fake(epoch)
	var calls atomic.Int32

	timer := fake.AfterFunc(time.Second, func() { calls.Add(1) })
	fake.Advance(time.Second)
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}

	// Reset after firing re-registers the callback.
	if timer.Reset(time.Second) {
		t.Error("Reset after firing should report inactive")
	}
	fake.Advance(time.Second)
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2 after reset", calls.Load())
	}
}

func TestFakeTickerRepeatsAndStops(t *testing.T) {
	fake := Fake(epoch)
	ticker := fake.NewTicker(time.Second)

	for i := 0; i < 3; i++ {
		fake.Advance(time.Second)
		select {
		case <-ticker.C:
		default:
			t.Fatalf("tick %d not delivered", i+1)
		}
	}

	ticker.Stop()
	fake.Advance(time.Second)
	select {
	case <-ticker.C:
		t.Error("tick delivered after Stop")
	default:
	}
}

func TestFakeAdvanceFiresInDeadlineOrder(t *testing.T) {
	fake := Fake(epoch)
	var order []int

	fake.AfterFunc(3*time.Second, func() { order = append(order, 3) })
	fake.AfterFunc(1*time.Second, func() { order = append(order, 1) })
	fake.AfterFunc(2*time.Second, func() { order = append(order, 2) })

	fake.Advance(5 * time.Second)

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("fired in order %v, want [1 2 3]", order)
	}
}

func TestWaitForTimersUnblocksOnRegistration(t *testing.T) {
	fake := Fake(epoch)
	done := make(chan struct{})

	go func() {
		fake.WaitForTimers(1)
		close(done)
	}()

	fake.After(time.Second)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("WaitForTimers did not unblock")
	}
}
