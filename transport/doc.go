// Copyright 2026 The BakeBot Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport wraps the real-time room primitive behind the
// RoomTransport interface: connect and close, datagram send with a
// reliability mode, media track publication, and a typed event
// stream.
//
// The adapter is deliberately thin and fail-fast. It never retries,
// queues, or backs off: a send into a dead connection fails
// immediately with a *SendError. All resilience (reconnection
// backoff, delivery retry, circuit breaking) is layered above it by
// the connection, delivery, and recovery packages.
//
// Two implementations exist:
//
//   - WebRTCTransport: joins a room through the gateway's signaling
//     endpoint and carries conversation envelopes over pion data
//     channels (an ordered reliable channel for messages, a lossy one
//     for ephemeral signals).
//   - MemoryTransport: an in-process fake with scriptable failures,
//     used throughout the test suites of the layers above.
//
// The wire protocol inside the datagrams is not this package's
// concern; it moves opaque bytes.
package transport
