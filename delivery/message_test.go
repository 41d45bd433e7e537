// Copyright 2026 The BakeBot Authors
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"testing"
	"time"

	"github.com/bakebot-ai/realtime/lib/codec"
)

func TestEnvelopeCarriesTextPayload(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	message, err := NewText("what temperature for focaccia?", "user", now)
	if err != nil {
		t.Fatalf("NewText: %v", err)
	}

	envelope, err := DecodeEnvelope(message.Payload)
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	if envelope.Type != "text" || envelope.MessageID != message.ID {
		t.Fatalf("envelope = %+v", envelope)
	}
	if envelope.Timestamp != now.UnixMilli() {
		t.Fatalf("timestamp = %d, want %d", envelope.Timestamp, now.UnixMilli())
	}

	payload, err := envelope.DecodePayload()
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	text, ok := payload.(TextPayload)
	if !ok {
		t.Fatalf("payload type %T, want TextPayload", payload)
	}
	if text.Content != "what temperature for focaccia?" || text.Sender != "user" {
		t.Fatalf("payload = %+v", text)
	}
}

func TestDecodePayloadRejectsUnknownType(t *testing.T) {
	raw, err := codec.Marshal(Envelope{Type: "telemetry", MessageID: "m1"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	envelope, err := DecodeEnvelope(raw)
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	if _, err := envelope.DecodePayload(); err == nil {
		t.Fatal("DecodePayload accepted an unknown type tag")
	}
}

func TestCompressionRoundTrip(t *testing.T) {
	text := []byte("repetitive repetitive repetitive repetitive repetitive payload")
	stored, tag, err := compressPayload(text, compressionZstd)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	if tag != compressionZstd || len(stored) >= len(text) {
		t.Fatalf("text payload not compressed: tag %d, %d >= %d bytes", tag, len(stored), len(text))
	}
	restored, err := decompressPayload(stored, tag, len(text))
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if string(restored) != string(text) {
		t.Fatal("round trip mismatch")
	}
}

func TestIncompressiblePayloadStoredRaw(t *testing.T) {
	// High-entropy bytes that neither codec can shrink.
	data := make([]byte, 256)
	state := uint32(0x9e3779b9)
	for i := range data {
		state = state*1664525 + 1013904223
		data[i] = byte(state >> 24)
	}
	stored, tag, err := compressPayload(data, compressionLZ4)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	if tag != compressionNone {
		t.Fatalf("tag = %d, want none for incompressible data", tag)
	}
	restored, err := decompressPayload(stored, tag, len(data))
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if string(restored) != string(data) {
		t.Fatal("round trip mismatch")
	}
}
