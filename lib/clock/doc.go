// Copyright 2026 The BakeBot Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source so that backoff and
// timer behavior is testable without wall-clock sleeps.
//
// Every component of the resilience subsystem that schedules work
// (the connection manager's reconnect backoff, the delivery queue's
// per-message retry timers, the recovery engine's circuit breaker
// timeouts, the session coordinator's periodic consistency check)
// holds a Clock field. Production wiring passes Real(); tests pass
// Fake(t0), then use WaitForTimers and Advance to fire timers at
// exact, deterministic instants.
package clock
