// Copyright 2026 The BakeBot Authors
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"math"
	"time"
)

// Item wraps a message that failed to send with its retry state. Items
// exist only for undelivered messages: they are created on the first
// send failure, mutated on every attempt, and removed on delivery.
type Item struct {
	Message Message

	// AttemptCount counts send attempts made so far, including the
	// immediate attempt at enqueue time.
	AttemptCount int
	MaxAttempts  int

	// NextRetryAt is when the scheduled retry fires. Jittered, so two
	// items failing in the same instant do not retry in lockstep.
	NextRetryAt time.Time

	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64

	// IsPermanentFailure marks an item that exhausted MaxAttempts.
	// Permanent items are never retried automatically; the caller may
	// grant exactly one bonus attempt through ManualRetry.
	IsPermanentFailure bool
	BonusAttemptUsed   bool
	FailureReason      string

	// seq preserves enqueue order among items eligible in the same
	// scheduling pass.
	seq int64
}

// Seq returns the item's enqueue sequence number.
func (item *Item) Seq() int64 { return item.seq }

// retryDelay computes the backoff before the retry that follows
// attempt n: baseDelay * multiplier^(n-1), capped at maxDelay, spread
// by ±jitterFactor. random must be uniform in [0, 1).
func (item *Item) retryDelay(random float64, jitterFactor float64) time.Duration {
	exponent := float64(item.AttemptCount - 1)
	delay := float64(item.BaseDelay) * math.Pow(item.BackoffMultiplier, exponent)
	if capped := float64(item.MaxDelay); delay > capped {
		delay = capped
	}
	// random in [0,1) maps onto the jitter band [1-j, 1+j).
	delay *= 1 + jitterFactor*(2*random-1)
	return time.Duration(delay)
}
