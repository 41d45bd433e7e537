// Copyright 2026 The BakeBot Authors
// SPDX-License-Identifier: Apache-2.0

// Package connection owns the room transport and drives its lifecycle
// through a small state machine: disconnected, connecting, connected,
// reconnecting, failed.
//
// The manager is the single owner of the transport. Every send and
// track operation routes through it, and it is the sole consumer of
// the transport's event stream, so an unexpected connection drop and a
// concurrent caller can never race on a half-dead connection.
//
// Reconnection after an unexpected drop is automatic and bounded:
// attempt n fires after ReconnectBaseDelay * 2^(n-1), and exhausting
// MaxReconnectAttempts parks the manager in the failed state until the
// caller issues a fresh Connect. A deliberate Disconnect invalidates
// any in-flight attempt; no reconnection runs afterward.
//
// All timing runs on an injected clock.Clock, so tests drive the
// backoff schedule deterministically.
package connection
