// Copyright 2026 The BakeBot Authors
// SPDX-License-Identifier: Apache-2.0

// Package session coordinates the logical conversation session (text,
// push-to-talk voice, or continuous voice) layered above the
// connection manager.
//
// The session's turn-detection mode is derived from its type and is
// never set independently: push-to-talk detects turns client-side,
// continuous voice server-side, text not at all. The coordinator
// subscribes to connection transitions and resynchronizes the session
// against the transport's reported room state on reconnect and on a
// periodic consistency check; drift that survives a bounded number of
// correction passes parks the session in an error state instead of
// looping.
package session
