// Copyright 2026 The BakeBot Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/bakebot-ai/realtime/lib/codec"
)

// Compile-time interface check.
var _ RoomTransport = (*WebRTCTransport)(nil)

// iceGatherTimeout is the maximum time to wait for ICE candidate
// gathering before publishing the SDP. Signaling is vanilla ICE: all
// candidates are gathered up front so the offer/answer exchange is a
// single round-trip.
const iceGatherTimeout = 15 * time.Second

// messagesChannelLabel is the ordered, reliable data channel carrying
// text, image, and control envelopes.
const messagesChannelLabel = "messages"

// signalsChannelLabel is the unordered, lossy data channel for
// ephemeral best-effort datagrams.
const signalsChannelLabel = "signals"

// roomEventsChannelLabel is the server-opened channel on which the
// room gateway pushes participant and track notifications.
const roomEventsChannelLabel = "room-events"

// WebRTCTransport joins a BakeBot room through the room gateway's
// WHIP-style signaling endpoint and carries conversation datagrams
// over WebRTC data channels. It is a thin adapter: a failed send is
// reported immediately and never retried here.
type WebRTCTransport struct {
	logger     *slog.Logger
	httpClient *http.Client

	mu             sync.Mutex
	peer           *webrtc.PeerConnection
	reliable       *webrtc.DataChannel
	lossy          *webrtc.DataChannel
	micTrack       *webrtc.TrackLocalStaticSample
	micSender      *webrtc.RTPSender
	endpoint      string
	credential    string
	roomID        string
	connected     bool
	participants  int
	sawDisconnect bool // ICE dipped to disconnected; next connected is a Reconnected
	events        chan Event
}

// NewWebRTCTransport creates a disconnected transport. The HTTP
// client is used only for signaling; pass nil for the default client.
func NewWebRTCTransport(logger *slog.Logger, httpClient *http.Client) *WebRTCTransport {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &WebRTCTransport{
		logger:     logger,
		httpClient: httpClient,
		events:     make(chan Event, 64),
	}
}

// joinRequest is the signaling payload POSTed to the room gateway.
type joinRequest struct {
	SDP string `json:"sdp"`
}

// joinResponse is the gateway's answer.
type joinResponse struct {
	SDP    string `json:"sdp"`
	RoomID string `json:"room_id"`
}

// roomNotification is the CBOR payload the gateway pushes on the
// room-events channel.
type roomNotification struct {
	Type     string `cbor:"type"`
	Identity string `cbor:"identity"`
	Track    string `cbor:"track,omitempty"`
}

// Connect joins the room. It creates the PeerConnection and the two
// outbound data channels, gathers all ICE candidates, exchanges SDP
// with the gateway in one round-trip, and waits for both the ICE
// connection and the reliable channel to open. ctx bounds the whole
// sequence; the connection manager supplies the configured connect
// timeout.
func (t *WebRTCTransport) Connect(ctx context.Context, endpoint, credential string) error {
	t.mu.Lock()
	if t.peer != nil && t.connected {
		t.mu.Unlock()
		return fmt.Errorf("transport: already connected; close first")
	}
	// An ICE failure leaves a dead PeerConnection behind; release it
	// so a redial starts from a clean slate.
	stale := t.peer
	t.peer = nil
	t.reliable = nil
	t.lossy = nil
	t.micTrack = nil
	t.micSender = nil
	t.roomID = ""
	t.participants = 0
	t.endpoint = endpoint
	t.credential = credential
	t.mu.Unlock()
	if stale != nil {
		stale.Close()
	}

	peer, err := newPeerConnection()
	if err != nil {
		return fmt.Errorf("creating PeerConnection: %w", err)
	}

	reliableOrdered := true
	reliable, err := peer.CreateDataChannel(messagesChannelLabel, &webrtc.DataChannelInit{
		Ordered: &reliableOrdered,
	})
	if err != nil {
		peer.Close()
		return fmt.Errorf("creating %s channel: %w", messagesChannelLabel, err)
	}

	lossyOrdered := false
	var zeroRetransmits uint16
	lossy, err := peer.CreateDataChannel(signalsChannelLabel, &webrtc.DataChannelInit{
		Ordered:        &lossyOrdered,
		MaxRetransmits: &zeroRetransmits,
	})
	if err != nil {
		peer.Close()
		return fmt.Errorf("creating %s channel: %w", signalsChannelLabel, err)
	}

	reliable.OnMessage(func(message webrtc.DataChannelMessage) {
		t.emit(DataReceived{Sender: "agent", Payload: message.Data})
	})
	peer.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != roomEventsChannelLabel {
			return
		}
		dc.OnMessage(func(message webrtc.DataChannelMessage) {
			t.handleRoomNotification(message.Data)
		})
	})
	peer.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		t.handleICEStateChange(state)
	})

	// Create the local offer and wait for ICE gathering to complete
	// (vanilla ICE), so the SDP posted to the gateway carries every
	// candidate.
	offer, err := peer.CreateOffer(nil)
	if err != nil {
		peer.Close()
		return fmt.Errorf("creating SDP offer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(peer)
	if err := peer.SetLocalDescription(offer); err != nil {
		peer.Close()
		return fmt.Errorf("setting local description: %w", err)
	}
	select {
	case <-gatherComplete:
	case <-time.After(iceGatherTimeout):
		peer.Close()
		return fmt.Errorf("ICE gathering timed out after %s", iceGatherTimeout)
	case <-ctx.Done():
		peer.Close()
		return ctx.Err()
	}

	answer, roomID, err := t.exchangeSDP(ctx, peer.LocalDescription().SDP)
	if err != nil {
		peer.Close()
		return err
	}
	if err := peer.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer,
	}); err != nil {
		peer.Close()
		return fmt.Errorf("setting remote description: %w", err)
	}

	// Wait for the reliable channel to open; ICE connectivity is
	// implied by the channel opening.
	opened := make(chan struct{})
	reliable.OnOpen(func() { close(opened) })
	select {
	case <-opened:
	case <-ctx.Done():
		peer.Close()
		return ctx.Err()
	}

	t.mu.Lock()
	t.peer = peer
	t.reliable = reliable
	t.lossy = lossy
	t.roomID = roomID
	t.connected = true
	t.sawDisconnect = false
	t.mu.Unlock()

	t.logger.Info("room joined", "room_id", roomID)
	t.emit(Connected{RoomID: roomID})
	return nil
}

// exchangeSDP posts the complete offer to the gateway and returns the
// answer SDP and assigned room ID.
func (t *WebRTCTransport) exchangeSDP(ctx context.Context, offerSDP string) (string, string, error) {
	body, err := json.Marshal(joinRequest{SDP: offerSDP})
	if err != nil {
		return "", "", fmt.Errorf("encoding join request: %w", err)
	}

	t.mu.Lock()
	endpoint, credential := t.endpoint, t.credential
	t.mu.Unlock()

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/v1/rooms/join", bytes.NewReader(body))
	if err != nil {
		return "", "", fmt.Errorf("building join request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Bearer "+credential)

	response, err := t.httpClient.Do(request)
	if err != nil {
		return "", "", fmt.Errorf("posting SDP offer: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(response.Body, 4096))
		return "", "", fmt.Errorf("gateway rejected join: %s: %s", response.Status, payload)
	}

	var join joinResponse
	if err := json.NewDecoder(response.Body).Decode(&join); err != nil {
		return "", "", fmt.Errorf("decoding join response: %w", err)
	}
	if join.SDP == "" || join.RoomID == "" {
		return "", "", errors.New("gateway returned incomplete join response")
	}
	return join.SDP, join.RoomID, nil
}

// Close leaves the room. Idempotent; a closed transport may Connect
// again.
func (t *WebRTCTransport) Close() error {
	t.mu.Lock()
	peer := t.peer
	t.peer = nil
	t.reliable = nil
	t.lossy = nil
	t.micTrack = nil
	t.micSender = nil
	wasConnected := t.connected
	t.connected = false
	t.roomID = ""
	t.participants = 0
	t.mu.Unlock()

	if peer != nil {
		peer.Close()
	}
	if wasConnected {
		t.emit(Disconnected{})
	}
	return nil
}

// Send transmits one datagram. Fail-fast: no queueing, no retry.
func (t *WebRTCTransport) Send(ctx context.Context, payload []byte, reliability Reliability) error {
	t.mu.Lock()
	channel := t.reliable
	if reliability == BestEffort {
		channel = t.lossy
	}
	connected := t.connected
	t.mu.Unlock()

	if !connected || channel == nil {
		return &SendError{Reliability: reliability, Temporary: true, Err: ErrNotConnected}
	}
	if channel.ReadyState() != webrtc.DataChannelStateOpen {
		return &SendError{
			Reliability: reliability,
			Temporary:   true,
			Err:         fmt.Errorf("channel %s state %s", channel.Label(), channel.ReadyState()),
		}
	}
	if err := channel.Send(payload); err != nil {
		return &SendError{Reliability: reliability, Temporary: true, Err: err}
	}
	return nil
}

// PublishTrack publishes the microphone track. The audio source
// itself (capture, encoding) is outside this subsystem; the track is
// fed by the view layer through the sample writer it obtains from the
// client facade.
func (t *WebRTCTransport) PublishTrack(ctx context.Context, kind TrackKind) error {
	if kind != TrackMicrophone {
		return fmt.Errorf("transport: unknown track kind %q", kind)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected || t.peer == nil {
		return ErrNotConnected
	}
	if t.micSender != nil {
		return nil // already published
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		string(TrackMicrophone), "bakebot-client",
	)
	if err != nil {
		return fmt.Errorf("creating microphone track: %w", err)
	}
	sender, err := t.peer.AddTrack(track)
	if err != nil {
		return fmt.Errorf("publishing microphone track: %w", err)
	}
	t.micTrack = track
	t.micSender = sender
	t.logger.Debug("microphone track published")
	return nil
}

// UnpublishTrack removes the microphone track. A no-op when the track
// is not published.
func (t *WebRTCTransport) UnpublishTrack(ctx context.Context, kind TrackKind) error {
	if kind != TrackMicrophone {
		return fmt.Errorf("transport: unknown track kind %q", kind)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.micSender == nil {
		return nil
	}
	if t.peer == nil {
		t.micTrack = nil
		t.micSender = nil
		return nil
	}
	if err := t.peer.RemoveTrack(t.micSender); err != nil {
		return fmt.Errorf("unpublishing microphone track: %w", err)
	}
	t.micTrack = nil
	t.micSender = nil
	t.logger.Debug("microphone track unpublished")
	return nil
}

// RoomState reports the room as this transport sees it.
func (t *WebRTCTransport) RoomState() RoomState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return RoomState{
		RoomID:         t.roomID,
		Connected:      t.connected,
		AudioPublished: t.micSender != nil,
		Participants:   t.participants,
	}
}

// Events returns the transport event stream.
func (t *WebRTCTransport) Events() <-chan Event {
	return t.events
}

// handleRoomNotification decodes a gateway push and emits the
// corresponding event.
func (t *WebRTCTransport) handleRoomNotification(payload []byte) {
	var notification roomNotification
	if err := codec.Unmarshal(payload, &notification); err != nil {
		t.logger.Warn("undecodable room notification", "error", err)
		return
	}

	switch notification.Type {
	case "participant_joined":
		t.mu.Lock()
		t.participants++
		t.mu.Unlock()
		t.emit(ParticipantJoined{Identity: notification.Identity})
	case "participant_left":
		t.mu.Lock()
		if t.participants > 0 {
			t.participants--
		}
		t.mu.Unlock()
		t.emit(ParticipantLeft{Identity: notification.Identity})
	case "track_subscribed":
		t.emit(TrackSubscribed{Identity: notification.Identity, Kind: TrackKind(notification.Track)})
	case "track_unsubscribed":
		t.emit(TrackUnsubscribed{Identity: notification.Identity, Kind: TrackKind(notification.Track)})
	default:
		t.logger.Debug("unknown room notification", "type", notification.Type)
	}
}

// handleICEStateChange maps ICE connectivity transitions onto
// transport events. A dip to disconnected is reported as
// Reconnecting because ICE can recover on its own; failed and closed
// are final.
func (t *WebRTCTransport) handleICEStateChange(state webrtc.ICEConnectionState) {
	t.logger.Debug("ICE state change", "state", state.String())

	switch state {
	case webrtc.ICEConnectionStateDisconnected:
		t.mu.Lock()
		t.sawDisconnect = true
		t.mu.Unlock()
		t.emit(Reconnecting{})

	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		t.mu.Lock()
		recovered := t.sawDisconnect && t.connected
		t.sawDisconnect = false
		t.mu.Unlock()
		if recovered {
			t.emit(Reconnected{})
		}

	case webrtc.ICEConnectionStateFailed:
		t.mu.Lock()
		wasConnected := t.connected
		t.connected = false
		t.mu.Unlock()
		if wasConnected {
			t.emit(Disconnected{Reason: errors.New("ICE connection failed")})
		}
	}
}

// emit delivers an event. The channel is buffered and the connection
// manager drains it continuously; if the consumer has stopped, the
// event is dropped rather than blocking a pion callback goroutine.
func (t *WebRTCTransport) emit(event Event) {
	select {
	case t.events <- event:
	default:
		t.logger.Warn("transport event dropped, no consumer", "event", fmt.Sprintf("%T", event))
	}
}

// newPeerConnection builds a pion PeerConnection with the default
// STUN configuration and loopback candidates enabled so local
// gateway setups and tests work without external STUN.
func newPeerConnection() (*webrtc.PeerConnection, error) {
	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(true)

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	return api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
	})
}
