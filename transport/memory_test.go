// Copyright 2026 The BakeBot Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bakebot-ai/realtime/lib/testutil"
)

func TestMemoryConnectEmitsConnected(t *testing.T) {
	fake := NewMemoryTransport("room-1")
	if err := fake.Connect(context.Background(), "mem://", "token"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	event := testutil.RequireReceive(t, fake.Events(), time.Second, "waiting for Connected")
	connected, ok := event.(Connected)
	if !ok {
		t.Fatalf("event = %T, want Connected", event)
	}
	if connected.RoomID != "room-1" {
		t.Errorf("RoomID = %q, want room-1", connected.RoomID)
	}
	if state := fake.RoomState(); !state.Connected || state.RoomID != "room-1" {
		t.Errorf("RoomState = %+v, want connected room-1", state)
	}
}

func TestMemorySendFailsFastWhenDisconnected(t *testing.T) {
	fake := NewMemoryTransport("room-1")

	err := fake.Send(context.Background(), []byte("hello"), Reliable)
	var sendErr *SendError
	if !errors.As(err, &sendErr) {
		t.Fatalf("error = %v, want *SendError", err)
	}
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("error should wrap ErrNotConnected, got %v", err)
	}
	if !sendErr.Temporary {
		t.Error("disconnected send should be temporary")
	}
}

func TestMemoryScriptedConnectFailure(t *testing.T) {
	fake := NewMemoryTransport("room-1")
	scripted := errors.New("gateway unavailable")
	fake.FailNextConnect(scripted)

	if err := fake.Connect(context.Background(), "mem://", "token"); !errors.Is(err, scripted) {
		t.Errorf("Connect error = %v, want scripted failure", err)
	}
	// The failure is consumed; the next attempt succeeds.
	if err := fake.Connect(context.Background(), "mem://", "token"); err != nil {
		t.Errorf("second Connect failed: %v", err)
	}
}

func TestMemoryDropConnectionEmitsDisconnectedWithReason(t *testing.T) {
	fake := NewMemoryTransport("room-1")
	if err := fake.Connect(context.Background(), "mem://", "token"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	testutil.RequireReceive(t, fake.Events(), time.Second, "waiting for Connected")

	reason := errors.New("network unreachable")
	fake.DropConnection(reason)

	event := testutil.RequireReceive(t, fake.Events(), time.Second, "waiting for Disconnected")
	disconnected, ok := event.(Disconnected)
	if !ok {
		t.Fatalf("event = %T, want Disconnected", event)
	}
	if !errors.Is(disconnected.Reason, reason) {
		t.Errorf("Reason = %v, want %v", disconnected.Reason, reason)
	}
	if fake.RoomState().Connected {
		t.Error("RoomState still reports connected after drop")
	}
}

func TestMemorySentRecordsOrderAndReliability(t *testing.T) {
	fake := NewMemoryTransport("room-1")
	if err := fake.Connect(context.Background(), "mem://", "token"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	ctx := context.Background()
	if err := fake.Send(ctx, []byte("first"), Reliable); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if err := fake.Send(ctx, []byte("second"), BestEffort); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	sent := fake.Sent()
	if len(sent) != 2 {
		t.Fatalf("sent %d datagrams, want 2", len(sent))
	}
	if string(sent[0].Payload) != "first" || sent[0].Reliability != Reliable {
		t.Errorf("sent[0] = %+v, want reliable 'first'", sent[0])
	}
	if string(sent[1].Payload) != "second" || sent[1].Reliability != BestEffort {
		t.Errorf("sent[1] = %+v, want best_effort 'second'", sent[1])
	}
}

func TestMemoryPublishTrackTracksRoomState(t *testing.T) {
	fake := NewMemoryTransport("room-1")
	ctx := context.Background()

	if err := fake.PublishTrack(ctx, TrackMicrophone); !errors.Is(err, ErrNotConnected) {
		t.Errorf("PublishTrack while disconnected = %v, want ErrNotConnected", err)
	}

	if err := fake.Connect(ctx, "mem://", "token"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := fake.PublishTrack(ctx, TrackMicrophone); err != nil {
		t.Fatalf("PublishTrack failed: %v", err)
	}
	if !fake.RoomState().AudioPublished {
		t.Error("AudioPublished = false after publish")
	}
	if err := fake.UnpublishTrack(ctx, TrackMicrophone); err != nil {
		t.Fatalf("UnpublishTrack failed: %v", err)
	}
	if fake.RoomState().AudioPublished {
		t.Error("AudioPublished = true after unpublish")
	}
}
