// Copyright 2026 The BakeBot Authors
// SPDX-License-Identifier: Apache-2.0

package transport

// Event is the sealed union of transport events. Consumers switch on
// the concrete type; the unexported method keeps the set closed so
// every switch can be exhaustive.
type Event interface {
	isEvent()
}

// Connected reports that the room connection is established.
type Connected struct {
	// RoomID is the identifier of the joined room.
	RoomID string
}

// Disconnected reports that the room connection is gone. Emitted both
// for deliberate Close calls and for unexpected drops; Reason is nil
// only for deliberate closes.
type Disconnected struct {
	Reason error
}

// Reconnecting reports that the transport itself is attempting to
// restore a dropped connection (ICE restart). The connection manager
// treats this as a transient outage, distinct from a final
// Disconnected.
type Reconnecting struct{}

// Reconnected reports a transport-level reconnect has succeeded.
type Reconnected struct{}

// ParticipantJoined reports a remote participant entering the room.
type ParticipantJoined struct {
	Identity string
}

// ParticipantLeft reports a remote participant leaving the room.
type ParticipantLeft struct {
	Identity string
}

// TrackSubscribed reports a remote media track becoming available
// (the agent's synthesized speech).
type TrackSubscribed struct {
	Identity string
	Kind     TrackKind
}

// TrackUnsubscribed reports a remote media track going away.
type TrackUnsubscribed struct {
	Identity string
	Kind     TrackKind
}

// DataReceived carries one inbound datagram.
type DataReceived struct {
	Sender  string
	Payload []byte
}

func (Connected) isEvent()         {}
func (Disconnected) isEvent()      {}
func (Reconnecting) isEvent()      {}
func (Reconnected) isEvent()       {}
func (ParticipantJoined) isEvent() {}
func (ParticipantLeft) isEvent()   {}
func (TrackSubscribed) isEvent()   {}
func (TrackUnsubscribed) isEvent() {}
func (DataReceived) isEvent()      {}
