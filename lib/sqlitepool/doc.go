// Copyright 2026 The BakeBot Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides the module's SQLite connection pool.
//
// The delivery queue persists pending messages here so that a client
// killed mid-conversation resends them on the next launch. The pool
// wraps zombiezen.com/go/sqlite with the pragmas that matter for that
// workload: WAL journal mode so a crash never corrupts the queue,
// NORMAL synchronous for process-crash durability without
// fsync-per-commit cost, and a busy timeout so a retry firing during
// an enqueue waits instead of failing with SQLITE_BUSY.
//
// The package is intentionally thin: callers Take a connection, write
// SQL with sqlitex.Execute, and Put the connection back. There is no
// query-builder layer.
package sqlitepool
