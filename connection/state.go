// Copyright 2026 The BakeBot Authors
// SPDX-License-Identifier: Apache-2.0

package connection

import "fmt"

// State is the connection manager's externally visible state. It is
// owned exclusively by the manager: transitions happen only through
// its state machine, never by callers.
type State int

const (
	// StateDisconnected means no connection exists and none is being
	// attempted. The initial state, and the result of an explicit
	// Disconnect from any other state.
	StateDisconnected State = iota

	// StateConnecting means an explicit Connect is in progress.
	StateConnecting

	// StateConnected means a live room connection exists.
	StateConnected

	// StateReconnecting means the connection dropped unexpectedly (or
	// an initial attempt failed) and automatic reconnection is
	// running.
	StateReconnecting

	// StateFailed means automatic reconnection exhausted its attempt
	// budget. Terminal for the automatic machinery: only a fresh
	// Connect call leaves this state.
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Transition is one observed state change, pushed to subscribers in
// the order it occurred.
type Transition struct {
	From State
	To   State

	// Reason carries the error that caused the transition, when one
	// did: the drop reason for connected→reconnecting, the final
	// attempt error for reconnecting→failed. Nil otherwise.
	Reason error
}
