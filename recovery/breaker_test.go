// Copyright 2026 The BakeBot Authors
// SPDX-License-Identifier: Apache-2.0

package recovery

import (
	"testing"
	"time"
)

func TestBreakerOpensAtThreshold(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	b := &breaker{threshold: 5, timeout: 30 * time.Second}

	for i := 0; i < 4; i++ {
		if !b.allow(now) {
			t.Fatalf("breaker rejected attempt %d while closed", i+1)
		}
		b.recordFailure(now)
	}
	if b.open {
		t.Fatal("breaker open after 4 failures, threshold is 5")
	}
	b.recordFailure(now)
	if !b.open {
		t.Fatal("breaker still closed after 5 failures")
	}
	if b.activations != 1 {
		t.Fatalf("activations = %d, want 1", b.activations)
	}
	if b.allow(now) {
		t.Fatal("open breaker admitted an attempt before the timeout")
	}
}

func TestBreakerHalfOpenSingleProbe(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	b := &breaker{threshold: 2, timeout: 30 * time.Second}
	b.recordFailure(now)
	b.recordFailure(now)
	if !b.open {
		t.Fatal("breaker should be open")
	}

	probe := now.Add(30 * time.Second)
	if !b.allow(probe) {
		t.Fatal("breaker rejected the half-open probe")
	}
	// Only one probe is admitted while the first is in flight.
	if b.allow(probe) {
		t.Fatal("breaker admitted a second concurrent probe")
	}

	b.recordSuccess()
	if b.open {
		t.Fatal("successful probe did not close the breaker")
	}
	if !b.allow(probe) {
		t.Fatal("closed breaker rejected an attempt")
	}
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	b := &breaker{threshold: 1, timeout: 30 * time.Second}
	b.recordFailure(now)

	probe := now.Add(30 * time.Second)
	if !b.allow(probe) {
		t.Fatal("breaker rejected the half-open probe")
	}
	b.recordFailure(probe)
	if !b.open {
		t.Fatal("failed probe did not re-open the breaker")
	}
	if b.allow(probe.Add(29 * time.Second)) {
		t.Fatal("breaker admitted an attempt before the fresh timeout elapsed")
	}
	if !b.allow(probe.Add(30 * time.Second)) {
		t.Fatal("breaker rejected the next probe after the fresh timeout")
	}
}

func TestBreakerSuccessDecaysFailures(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	b := &breaker{threshold: 3, timeout: 30 * time.Second}
	b.recordFailure(now)
	b.recordFailure(now)
	b.recordSuccess()
	if b.failures != 1 {
		t.Fatalf("failures = %d after decay, want 1", b.failures)
	}
	// Decay is one step per success, never a full reset: two more
	// failures still trip the threshold.
	b.recordFailure(now)
	b.recordFailure(now)
	if !b.open {
		t.Fatal("breaker should have opened despite the interleaved success")
	}
}
