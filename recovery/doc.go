// Copyright 2026 The BakeBot Authors
// SPDX-License-Identifier: Apache-2.0

// Package recovery classifies runtime failures against a typed error
// catalog and drives automatic recovery for them.
//
// Raw errors are matched by substring patterns into catalog entries
// that name a category, a severity, and a recovery strategy. The
// engine runs the strategy (immediate retry, exponential or linear
// backoff, session restart, graceful degradation, or user
// intervention) against a caller-supplied retry callback, while
// per-category circuit breakers fail new errors fast when a category
// keeps failing. Unresolved permanent and critical errors persist
// across restarts.
package recovery
