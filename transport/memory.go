// Copyright 2026 The BakeBot Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"sync"
)

// Compile-time interface check.
var _ RoomTransport = (*MemoryTransport)(nil)

// MemoryTransport is an in-process RoomTransport for tests. It records
// sent datagrams, lets tests script connect failures and connection
// drops, and exposes the same event stream the WebRTC transport does,
// so the connection manager, session coordinator, and delivery queue
// are exercised against identical semantics without a network.
type MemoryTransport struct {
	mu             sync.Mutex
	connected      bool
	roomID         string
	audioPublished bool
	participants   int
	sent           []SentDatagram
	connectErrs    []error // consumed front-to-back by Connect
	connectBlocks  []chan struct{}
	sendErr        error
	events         chan Event
	connectCount   int
}

// SentDatagram records one successful Send call.
type SentDatagram struct {
	Payload     []byte
	Reliability Reliability
}

// NewMemoryTransport creates a disconnected fake joined to roomID on
// connect.
func NewMemoryTransport(roomID string) *MemoryTransport {
	return &MemoryTransport{
		roomID: roomID,
		events: make(chan Event, 64),
	}
}

// FailNextConnect queues err to be returned by the next Connect call.
// Multiple queued errors fail successive calls in order.
func (t *MemoryTransport) FailNextConnect(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connectErrs = append(t.connectErrs, err)
}

// BlockNextConnect makes the next Connect call block until the
// returned channel is closed or its context expires. Used to test the
// connect timeout and disconnect-during-connect cancellation.
func (t *MemoryTransport) BlockNextConnect() chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	release := make(chan struct{})
	t.connectBlocks = append(t.connectBlocks, release)
	return release
}

// FailSends makes subsequent Send calls fail with a temporary
// SendError wrapping err. Pass nil to restore success.
func (t *MemoryTransport) FailSends(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sendErr = err
}

// DropConnection simulates an unexpected connection loss, emitting
// Disconnected with the given reason.
func (t *MemoryTransport) DropConnection(reason error) {
	t.mu.Lock()
	t.connected = false
	t.audioPublished = false
	t.mu.Unlock()
	t.emit(Disconnected{Reason: reason})
}

// EmitData injects an inbound datagram.
func (t *MemoryTransport) EmitData(sender string, payload []byte) {
	t.emit(DataReceived{Sender: sender, Payload: payload})
}

// EmitReconnecting injects a transport-level reconnect notice.
func (t *MemoryTransport) EmitReconnecting() { t.emit(Reconnecting{}) }

// EmitReconnected injects a transport-level reconnect success.
func (t *MemoryTransport) EmitReconnected() { t.emit(Reconnected{}) }

// SetAudioPublished overrides the reported audio publication state,
// used to fabricate session drift in sync tests.
func (t *MemoryTransport) SetAudioPublished(published bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.audioPublished = published
}

// Sent returns a copy of all successfully sent datagrams in order.
func (t *MemoryTransport) Sent() []SentDatagram {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]SentDatagram, len(t.sent))
	copy(out, t.sent)
	return out
}

// ConnectCount reports how many Connect calls have been made.
func (t *MemoryTransport) ConnectCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connectCount
}

// Connect joins the fake room, honoring any scripted failure or block.
func (t *MemoryTransport) Connect(ctx context.Context, endpoint, credential string) error {
	t.mu.Lock()
	t.connectCount++
	var scripted error
	if len(t.connectErrs) > 0 {
		scripted = t.connectErrs[0]
		t.connectErrs = t.connectErrs[1:]
	}
	var block chan struct{}
	if len(t.connectBlocks) > 0 {
		block = t.connectBlocks[0]
		t.connectBlocks = t.connectBlocks[1:]
	}
	t.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if scripted != nil {
		return scripted
	}

	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return fmt.Errorf("transport: already connected; close first")
	}
	t.connected = true
	t.participants = 1 // the agent
	roomID := t.roomID
	t.mu.Unlock()

	t.emit(Connected{RoomID: roomID})
	return nil
}

// Close leaves the fake room. Idempotent.
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	wasConnected := t.connected
	t.connected = false
	t.audioPublished = false
	t.participants = 0
	t.mu.Unlock()

	if wasConnected {
		t.emit(Disconnected{})
	}
	return nil
}

// Send records the datagram, or fails fast when disconnected or a
// failure is scripted.
func (t *MemoryTransport) Send(ctx context.Context, payload []byte, reliability Reliability) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		return &SendError{Reliability: reliability, Temporary: true, Err: ErrNotConnected}
	}
	if t.sendErr != nil {
		return &SendError{Reliability: reliability, Temporary: true, Err: t.sendErr}
	}
	copied := make([]byte, len(payload))
	copy(copied, payload)
	t.sent = append(t.sent, SentDatagram{Payload: copied, Reliability: reliability})
	return nil
}

// PublishTrack marks the audio track as published.
func (t *MemoryTransport) PublishTrack(ctx context.Context, kind TrackKind) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return ErrNotConnected
	}
	t.audioPublished = true
	return nil
}

// UnpublishTrack clears the audio track.
func (t *MemoryTransport) UnpublishTrack(ctx context.Context, kind TrackKind) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.audioPublished = false
	return nil
}

// RoomState reports the fake room state.
func (t *MemoryTransport) RoomState() RoomState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return RoomState{
		RoomID:         t.roomID,
		Connected:      t.connected,
		AudioPublished: t.audioPublished,
		Participants:   t.participants,
	}
}

// Events returns the event stream.
func (t *MemoryTransport) Events() <-chan Event {
	return t.events
}

func (t *MemoryTransport) emit(event Event) {
	select {
	case t.events <- event:
	default:
	}
}
