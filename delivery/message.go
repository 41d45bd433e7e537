// Copyright 2026 The BakeBot Authors
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/bakebot-ai/realtime/lib/codec"
)

// Kind identifies the content type of an outbound message.
type Kind string

const (
	KindText    Kind = "text"
	KindImage   Kind = "image"
	KindControl Kind = "control"
)

// Message is one discrete outbound message. The payload is the fully
// encoded wire envelope; the queue treats it as opaque bytes from
// enqueue to delivery.
type Message struct {
	// ID is the envelope's message id, unique per message.
	ID string

	Kind    Kind
	Payload []byte

	// Checksum is the BLAKE3 hash of the payload, used as the
	// idempotency key in the persistent store and verified on reload.
	Checksum [32]byte

	CreatedAt time.Time
}

// Envelope is the wire format of a datagram: a kind tag, the
// kind-specific payload, the client timestamp in Unix milliseconds,
// and a unique message id. Encoded as deterministic CBOR.
type Envelope struct {
	Type      string           `cbor:"type"`
	Payload   codec.RawMessage `cbor:"payload"`
	Timestamp int64            `cbor:"timestamp"`
	MessageID string           `cbor:"message_id"`
}

// TextPayload carries a chat message.
type TextPayload struct {
	Content string `cbor:"content"`
	Sender  string `cbor:"sender"`
}

// ImagePayload carries image bytes with their content type.
type ImagePayload struct {
	Data     []byte `cbor:"data"`
	MIMEType string `cbor:"mime_type"`
	Caption  string `cbor:"caption,omitempty"`
}

// ControlPayload carries a session control action (mute, unmute,
// session lifecycle notices).
type ControlPayload struct {
	Action string         `cbor:"action"`
	Detail map[string]any `cbor:"detail,omitempty"`
}

// NewText builds a text message stamped at now.
func NewText(content, sender string, now time.Time) (Message, error) {
	return newMessage(KindText, TextPayload{Content: content, Sender: sender}, now)
}

// NewImage builds an image message stamped at now.
func NewImage(data []byte, mimeType, caption string, now time.Time) (Message, error) {
	return newMessage(KindImage, ImagePayload{Data: data, MIMEType: mimeType, Caption: caption}, now)
}

// NewControl builds a control message stamped at now.
func NewControl(action string, detail map[string]any, now time.Time) (Message, error) {
	return newMessage(KindControl, ControlPayload{Action: action, Detail: detail}, now)
}

func newMessage(kind Kind, payload any, now time.Time) (Message, error) {
	encoded, err := codec.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("delivery: encoding %s payload: %w", kind, err)
	}
	envelope := Envelope{
		Type:      string(kind),
		Payload:   encoded,
		Timestamp: now.UnixMilli(),
		MessageID: uuid.NewString(),
	}
	wire, err := codec.Marshal(envelope)
	if err != nil {
		return Message{}, fmt.Errorf("delivery: encoding envelope: %w", err)
	}
	return Message{
		ID:        envelope.MessageID,
		Kind:      kind,
		Payload:   wire,
		Checksum:  blake3.Sum256(wire),
		CreatedAt: now,
	}, nil
}

// DecodeEnvelope parses an inbound datagram.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var envelope Envelope
	if err := codec.Unmarshal(data, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("delivery: decoding envelope: %w", err)
	}
	return envelope, nil
}

// DecodePayload decodes the kind-specific payload. Returns a
// TextPayload, ImagePayload, or ControlPayload; an unknown type tag is
// an error, never silently skipped.
func (e Envelope) DecodePayload() (any, error) {
	switch Kind(e.Type) {
	case KindText:
		var payload TextPayload
		if err := codec.Unmarshal(e.Payload, &payload); err != nil {
			return nil, fmt.Errorf("delivery: decoding text payload: %w", err)
		}
		return payload, nil
	case KindImage:
		var payload ImagePayload
		if err := codec.Unmarshal(e.Payload, &payload); err != nil {
			return nil, fmt.Errorf("delivery: decoding image payload: %w", err)
		}
		return payload, nil
	case KindControl:
		var payload ControlPayload
		if err := codec.Unmarshal(e.Payload, &payload); err != nil {
			return nil, fmt.Errorf("delivery: decoding control payload: %w", err)
		}
		return payload, nil
	default:
		return nil, fmt.Errorf("delivery: unknown message type %q", e.Type)
	}
}
