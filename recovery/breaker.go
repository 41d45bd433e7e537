// Copyright 2026 The BakeBot Authors
// SPDX-License-Identifier: Apache-2.0

package recovery

import "time"

// breaker is a per-category circuit breaker. While open it rejects
// recovery attempts outright; after the timeout it admits a single
// half-open probe whose outcome closes or re-opens the circuit.
// Successes decay the failure count one at a time rather than
// clearing it, so a category that fails often but not consecutively
// still trips eventually.
type breaker struct {
	threshold int
	timeout   time.Duration

	failures    int
	open        bool
	probing     bool
	reopenAt    time.Time
	activations int64
}

// BreakerState is a read-only snapshot of one category's breaker.
type BreakerState struct {
	Category Category  `json:"category"`
	Open     bool      `json:"open"`
	Failures int       `json:"failures"`
	ReopenAt time.Time `json:"reopen_at,omitempty"`
}

// allow reports whether a recovery attempt may proceed. At most one
// probe is admitted per open period; concurrent callers during the
// half-open window are rejected until the probe resolves.
func (b *breaker) allow(now time.Time) bool {
	if !b.open {
		return true
	}
	if b.probing || now.Before(b.reopenAt) {
		return false
	}
	b.probing = true
	return true
}

func (b *breaker) recordFailure(now time.Time) {
	if b.probing {
		// Failed probe: re-open for another full timeout.
		b.probing = false
		b.reopenAt = now.Add(b.timeout)
		return
	}
	b.failures++
	if !b.open && b.failures >= b.threshold {
		b.open = true
		b.reopenAt = now.Add(b.timeout)
		b.activations++
	}
}

func (b *breaker) recordSuccess() {
	if b.probing {
		b.probing = false
		b.open = false
	}
	if b.failures > 0 {
		b.failures--
	}
}
