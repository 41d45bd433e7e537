// Copyright 2026 The BakeBot Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
)

// Reliability selects the delivery mode for a datagram.
type Reliability int

const (
	// Reliable datagrams are retransmitted by the transport until
	// acknowledged, in order. Used for text, image, and control
	// messages.
	Reliable Reliability = iota

	// BestEffort datagrams may be dropped or reordered. Used for
	// high-frequency ephemeral signals (level meters, typing
	// indicators) where a stale datagram is worse than a lost one.
	BestEffort
)

// String returns the reliability mode name.
func (r Reliability) String() string {
	switch r {
	case Reliable:
		return "reliable"
	case BestEffort:
		return "best_effort"
	default:
		return fmt.Sprintf("reliability(%d)", int(r))
	}
}

// TrackKind identifies a published media track.
type TrackKind string

const (
	// TrackMicrophone is the client's outbound audio track, published
	// for voice sessions and unpublished when the session ends.
	TrackMicrophone TrackKind = "microphone"
)

// ErrNotConnected is returned by Send, PublishTrack, and
// UnpublishTrack when no room connection is active. The transport is
// fail-fast: it never queues or retries. Resilience is layered above
// it by the connection manager and delivery queue.
var ErrNotConnected = errors.New("transport: not connected")

// SendError reports a failed datagram send. The delivery queue uses
// Temporary to decide between scheduling a retry and marking the
// message permanently failed.
type SendError struct {
	// Reliability is the mode the failed send used.
	Reliability Reliability

	// Temporary is true when the failure is plausibly transient
	// (connection mid-reconnect, congested channel) and a retry may
	// succeed.
	Temporary bool

	// Err is the underlying cause.
	Err error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("transport: %s send failed: %v", e.Reliability, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// RoomState is the transport's report of the room as the remote end
// sees it. The session coordinator compares this against its local
// session config during resynchronization.
type RoomState struct {
	// RoomID is the identifier of the joined room. Empty when not
	// connected.
	RoomID string

	// Connected reports whether a live room connection exists.
	Connected bool

	// AudioPublished reports whether the microphone track is
	// currently published.
	AudioPublished bool

	// Participants is the number of remote participants, including
	// the AI agent.
	Participants int
}

// RoomTransport is the thin, fail-fast wrapper over the real-time
// room primitive. It exposes connect/close, datagram send, track
// publication, and an event stream; it contains no retry or backoff
// logic of its own.
//
// The connection manager exclusively owns the transport instance.
// Other components never hold a reference; they request operations
// through the manager, which prevents races between a reconnect and a
// concurrent use of the old connection.
type RoomTransport interface {
	// Connect joins the room at endpoint using credential. Blocks
	// until the room is joined, ctx is cancelled, or the attempt
	// fails. A transport that is already connected returns an error;
	// callers disconnect first.
	Connect(ctx context.Context, endpoint, credential string) error

	// Close leaves the room and releases the connection. Idempotent.
	// After Close, Connect may be called again.
	Close() error

	// Send transmits one datagram to the room. Fails immediately with
	// ErrNotConnected (wrapped in *SendError) when no connection is
	// active.
	Send(ctx context.Context, payload []byte, reliability Reliability) error

	// PublishTrack publishes a media track to the room.
	PublishTrack(ctx context.Context, kind TrackKind) error

	// UnpublishTrack removes a previously published track. Removing a
	// track that is not published is a no-op.
	UnpublishTrack(ctx context.Context, kind TrackKind) error

	// RoomState reports the current room as the transport sees it.
	RoomState() RoomState

	// Events returns the transport's event stream. The channel is
	// owned by the transport and stays open across Connect/Close
	// cycles; events are emitted in the order the transport observes
	// them. The connection manager is the single consumer.
	Events() <-chan Event
}
