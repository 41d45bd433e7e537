// Copyright 2026 The BakeBot Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"fmt"
	"time"

	"github.com/bakebot-ai/realtime/transport"
)

// Type identifies the conversation mode of a session.
type Type string

const (
	// TypeNone means no session; the zero value outside a session.
	TypeNone Type = "none"
	// TypeText is a text-only conversation.
	TypeText Type = "text"
	// TypeVoicePTT is push-to-talk voice: the client decides when a
	// turn ends by releasing the talk control.
	TypeVoicePTT Type = "voice_ptt"
	// TypeVoiceVAD is continuous voice: the server's voice activity
	// detection decides when a turn ends.
	TypeVoiceVAD Type = "voice_vad"
)

// Voice reports whether the session type carries live audio and so
// needs the microphone track published.
func (t Type) Voice() bool {
	return t == TypeVoicePTT || t == TypeVoiceVAD
}

// State is the lifecycle state of a session.
type State string

const (
	StateIdle    State = "idle"
	StateActive  State = "active"
	StateEnding  State = "ending"
	StateSyncing State = "syncing"
	StateError   State = "error"
)

// VoiceMode qualifies how a voice session captures speech.
type VoiceMode string

const (
	VoicePushToTalk VoiceMode = "push_to_talk"
	VoiceContinuous VoiceMode = "continuous"
)

// TurnDetection names who decides when a speaker's turn ends.
type TurnDetection string

const (
	TurnServer TurnDetection = "server"
	TurnClient TurnDetection = "client"
	TurnNone   TurnDetection = "none"
)

// TurnDetectionFor returns the only legal turn-detection mode for a
// session type: push-to-talk turns end client-side on release,
// continuous voice turns end server-side via voice activity detection,
// and text sessions have no turns to detect.
func TurnDetectionFor(t Type) TurnDetection {
	switch t {
	case TypeVoicePTT:
		return TurnClient
	case TypeVoiceVAD:
		return TurnServer
	default:
		return TurnNone
	}
}

// Config is the coordinator's view of the current session. Callers
// receive copies; only the coordinator mutates it.
type Config struct {
	Type          Type
	State         State
	VoiceMode     VoiceMode
	IsMuted       bool
	TurnDetection TurnDetection

	// RoomID is the room the session was started in, checked against
	// the transport's reported room during sync.
	RoomID string

	StartedAt  time.Time
	LastSyncAt time.Time

	// SyncAttempts counts correction passes within the current drift
	// episode; it resets to zero once the session is consistent again.
	SyncAttempts          int
	InconsistencyDetected bool
}

// Patch is a partial update applied by Update. Nil fields are left
// unchanged.
type Patch struct {
	Type      *Type
	VoiceMode *VoiceMode
	IsMuted   *bool
}

// Validation is the result of checking a session config against the
// transport's reported room state.
type Validation struct {
	IsValid         bool
	Inconsistencies []string
	// Corrections is the config with every config-level inconsistency
	// corrected. Track-level drift (microphone missing) is not
	// expressible here; it is repaired through the transport.
	Corrections Config
	NeedsResync bool
}

// validate compares cfg against the room the transport reports.
func validate(cfg Config, room transport.RoomState) Validation {
	var inconsistencies []string
	corrected := cfg

	if want := TurnDetectionFor(cfg.Type); cfg.TurnDetection != want {
		inconsistencies = append(inconsistencies, fmt.Sprintf(
			"turn detection is %q, want %q for %s session", cfg.TurnDetection, want, cfg.Type))
		corrected.TurnDetection = want
	}
	if room.RoomID != "" && cfg.RoomID != room.RoomID {
		inconsistencies = append(inconsistencies, fmt.Sprintf(
			"session bound to room %q, transport reports %q", cfg.RoomID, room.RoomID))
		corrected.RoomID = room.RoomID
	}
	if cfg.Type.Voice() && !room.AudioPublished {
		inconsistencies = append(inconsistencies,
			"voice session without a published microphone track")
	}
	if !cfg.Type.Voice() && room.AudioPublished {
		inconsistencies = append(inconsistencies,
			"microphone track published outside a voice session")
	}

	return Validation{
		IsValid:         len(inconsistencies) == 0,
		Inconsistencies: inconsistencies,
		Corrections:     corrected,
		NeedsResync:     len(inconsistencies) > 0,
	}
}
