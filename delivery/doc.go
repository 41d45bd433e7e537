// Copyright 2026 The BakeBot Authors
// SPDX-License-Identifier: Apache-2.0

// Package delivery buffers outbound messages that fail to send and
// retries them until delivered or permanently failed.
//
// Each message is a CBOR envelope (kind tag, payload, timestamp,
// message id) treated as opaque bytes once enqueued. Failed sends
// enter a per-item retry schedule with jittered exponential backoff.
// Per-item, so one message waiting out its backoff never delays
// another. Four triggers re-attempt a send: the item's own timer, a
// connection restore (all pending items, enqueue order, one pass), an
// explicit manual retry, and a process restart reloading the
// persisted queue with overdue items firing immediately.
//
// Pending items persist in SQLite (compressed payloads, BLAKE3
// checksums verified on reload) and the store is the source of truth
// after a restart. A message that exhausts its attempts is surfaced as
// a permanent failure requiring manual action; the caller may grant
// exactly one bonus attempt, after which only dismissal remains.
package delivery
