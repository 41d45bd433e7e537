// Copyright 2026 The BakeBot Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bakebot-ai/realtime/connection"
	"github.com/bakebot-ai/realtime/lib/clock"
	"github.com/bakebot-ai/realtime/transport"
)

// ErrNoConnection is returned by Start when the underlying connection
// is not live.
var ErrNoConnection = errors.New("session: connection not live")

// ErrSessionActive is returned by Start when a session already exists.
var ErrSessionActive = errors.New("session: session already active")

// ErrNoActiveSession is returned by Update when there is no active
// session to update.
var ErrNoActiveSession = errors.New("session: no active session")

// ErrInvalidType is returned by Start for the none type.
var ErrInvalidType = errors.New("session: invalid session type")

// SyncTrigger names why a resynchronization pass was requested.
type SyncTrigger string

const (
	SyncReconnecting SyncTrigger = "reconnecting"
	SyncReconnected  SyncTrigger = "reconnected"
	SyncPeriodic     SyncTrigger = "periodic"
	SyncManual       SyncTrigger = "manual"
)

// Conn is the slice of the connection manager the coordinator uses.
// *connection.Manager satisfies it.
type Conn interface {
	State() connection.State
	Subscribe() (<-chan connection.Transition, func())
	RoomState() transport.RoomState
	PublishTrack(ctx context.Context, kind transport.TrackKind) error
	UnpublishTrack(ctx context.Context, kind transport.TrackKind) error
}

// ControlSender forwards session control notices (mute, unmute) to the
// remote agent. The client facade implements it over the delivery
// queue so control notices get the same retry guarantees as content.
type ControlSender interface {
	SendControl(ctx context.Context, action string, detail map[string]any) error
}

// Options configures a Coordinator. Zero values get defaults.
type Options struct {
	Clock  clock.Clock
	Logger *slog.Logger

	// Control is optional; without it mute notices stay local.
	Control ControlSender

	// SyncInterval is the period of the background consistency check.
	// Default 30s.
	SyncInterval time.Duration

	// MaxSyncAttempts bounds correction passes within one drift
	// episode before the session parks in StateError. Default 3.
	MaxSyncAttempts int
}

// Coordinator is the session state machine layered above the
// connection manager. It represents what kind of conversation is
// happening independent of the connection's up/down status, and keeps
// the two in agreement: it subscribes to connection transitions,
// resynchronizes on reconnect, and runs a periodic consistency check.
//
// All mutations are serialized by an internal mutex; sync passes run
// on a single goroutine and concurrent sync requests coalesce.
type Coordinator struct {
	conn    Conn
	clock   clock.Clock
	logger  *slog.Logger
	control ControlSender

	syncInterval    time.Duration
	maxSyncAttempts int

	mu          sync.Mutex
	cfg         Config
	subscribers []chan Config

	// syncRequests has capacity 1: a request arriving while one is
	// queued or in flight is coalesced into the pending pass.
	syncRequests chan SyncTrigger

	done     chan struct{}
	doneOnce sync.Once
	loopDone chan struct{}
}

// NewCoordinator creates a coordinator subscribed to conn's
// transitions and starts its sync loop. Call Close when done.
func NewCoordinator(conn Conn, opts Options) *Coordinator {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = 30 * time.Second
	}
	if opts.MaxSyncAttempts <= 0 {
		opts.MaxSyncAttempts = 3
	}
	c := &Coordinator{
		conn:            conn,
		clock:           opts.Clock,
		logger:          opts.Logger,
		control:         opts.Control,
		syncInterval:    opts.SyncInterval,
		maxSyncAttempts: opts.MaxSyncAttempts,
		cfg:             Config{Type: TypeNone, State: StateIdle, TurnDetection: TurnNone},
		syncRequests:    make(chan SyncTrigger, 1),
		done:            make(chan struct{}),
		loopDone:        make(chan struct{}),
	}
	go c.run()
	return c
}

// Close stops the sync loop and unsubscribes from the connection
// manager. The coordinator must not be used afterward.
func (c *Coordinator) Close() {
	c.doneOnce.Do(func() { close(c.done) })
	<-c.loopDone
}

// Snapshot returns a copy of the current session config.
func (c *Coordinator) Snapshot() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// Subscribe registers a config listener. Every mutation pushes the
// resulting config, in order; a subscriber that stops draining loses
// updates rather than blocking the coordinator. The returned function
// unsubscribes.
func (c *Coordinator) Subscribe() (<-chan Config, func()) {
	ch := make(chan Config, 16)
	c.mu.Lock()
	c.subscribers = append(c.subscribers, ch)
	c.mu.Unlock()

	unsubscribe := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, subscriber := range c.subscribers {
			if subscriber == ch {
				c.subscribers = append(c.subscribers[:i], c.subscribers[i+1:]...)
				return
			}
		}
	}
	return ch, unsubscribe
}

// Start begins a session of the given type. Fails unless the
// connection is live and no session is active. Voice types publish the
// microphone track before the session becomes active; a publish
// failure leaves the session idle.
func (c *Coordinator) Start(ctx context.Context, sessionType Type, voiceMode VoiceMode) error {
	if sessionType == TypeNone || sessionType == "" {
		return fmt.Errorf("%w: %q", ErrInvalidType, sessionType)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn.State() != connection.StateConnected {
		return ErrNoConnection
	}
	if c.cfg.State != StateIdle && c.cfg.State != StateError {
		return fmt.Errorf("%w (state %s)", ErrSessionActive, c.cfg.State)
	}

	if sessionType.Voice() {
		if err := c.conn.PublishTrack(ctx, transport.TrackMicrophone); err != nil {
			return fmt.Errorf("session: publish microphone: %w", err)
		}
	}
	if voiceMode == "" {
		switch sessionType {
		case TypeVoicePTT:
			voiceMode = VoicePushToTalk
		case TypeVoiceVAD:
			voiceMode = VoiceContinuous
		}
	}

	room := c.conn.RoomState()
	c.cfg = Config{
		Type:          sessionType,
		State:         StateActive,
		VoiceMode:     voiceMode,
		TurnDetection: TurnDetectionFor(sessionType),
		RoomID:        room.RoomID,
		StartedAt:     c.clock.Now(),
	}
	c.logger.Info("session started",
		"type", string(sessionType), "turn_detection", string(c.cfg.TurnDetection), "room", room.RoomID)
	c.notifyLocked()
	return nil
}

// End finishes the current session: releases voice resources and
// returns to idle. A no-op when no session is active.
func (c *Coordinator) End(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfg.State == StateIdle {
		c.logger.Debug("end requested with no active session")
		return
	}

	c.cfg.State = StateEnding
	c.notifyLocked()

	// A pending sync pass is for the session being torn down; drop it.
	select {
	case <-c.syncRequests:
	default:
	}

	if c.cfg.Type.Voice() {
		if err := c.conn.UnpublishTrack(ctx, transport.TrackMicrophone); err != nil {
			c.logger.Warn("unpublish microphone failed", "error", err)
		}
	}

	c.logger.Info("session ended", "type", string(c.cfg.Type))
	c.resetLocked()
	c.notifyLocked()
}

// Update merges a partial config into the active session. The
// turn-detection mode is re-derived from the resulting type, so the
// type/turn-detection invariant holds after every update. A mute
// change is forwarded to the agent as a control notice.
func (c *Coordinator) Update(ctx context.Context, patch Patch) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfg.State != StateActive {
		return fmt.Errorf("%w (state %s)", ErrNoActiveSession, c.cfg.State)
	}

	if patch.Type != nil && *patch.Type != c.cfg.Type {
		if *patch.Type == TypeNone || *patch.Type == "" {
			return fmt.Errorf("%w: %q", ErrInvalidType, *patch.Type)
		}
		wasVoice, isVoice := c.cfg.Type.Voice(), patch.Type.Voice()
		if isVoice && !wasVoice {
			if err := c.conn.PublishTrack(ctx, transport.TrackMicrophone); err != nil {
				return fmt.Errorf("session: publish microphone: %w", err)
			}
		}
		if wasVoice && !isVoice {
			if err := c.conn.UnpublishTrack(ctx, transport.TrackMicrophone); err != nil {
				c.logger.Warn("unpublish microphone failed", "error", err)
			}
		}
		c.cfg.Type = *patch.Type
	}
	if patch.VoiceMode != nil {
		c.cfg.VoiceMode = *patch.VoiceMode
	}
	if patch.IsMuted != nil && *patch.IsMuted != c.cfg.IsMuted {
		c.cfg.IsMuted = *patch.IsMuted
		if c.control != nil {
			action := "mute"
			if !c.cfg.IsMuted {
				action = "unmute"
			}
			if err := c.control.SendControl(ctx, action, nil); err != nil {
				c.logger.Warn("control notice failed", "action", action, "error", err)
			}
		}
	}
	c.cfg.TurnDetection = TurnDetectionFor(c.cfg.Type)
	c.notifyLocked()
	return nil
}

// Sync requests a resynchronization pass. Requests coalesce: one
// queued pass absorbs any number of concurrent triggers.
func (c *Coordinator) Sync(trigger SyncTrigger) {
	select {
	case c.syncRequests <- trigger:
	default:
	}
}

// Validate is the read-only consistency check, exposed for diagnostic
// surfaces. It never mutates the session.
func (c *Coordinator) Validate() Validation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return validate(c.cfg, c.conn.RoomState())
}

// run reacts to connection transitions, the periodic consistency
// ticker, and explicit sync requests. It is the only goroutine that
// executes sync passes, which serializes them.
func (c *Coordinator) run() {
	defer close(c.loopDone)

	transitions, unsubscribe := c.conn.Subscribe()
	defer unsubscribe()
	ticker := c.clock.NewTicker(c.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case tr := <-transitions:
			c.handleTransition(tr)
		case <-ticker.C:
			if c.Snapshot().State == StateActive {
				c.Sync(SyncPeriodic)
			}
		case trigger := <-c.syncRequests:
			c.runSync(trigger)
		}
	}
}

func (c *Coordinator) handleTransition(tr connection.Transition) {
	switch {
	case tr.To == connection.StateDisconnected, tr.To == connection.StateFailed:
		c.mu.Lock()
		if c.cfg.State != StateIdle {
			c.logger.Info("connection gone, resetting session",
				"type", string(c.cfg.Type), "connection", tr.To.String())
			c.resetLocked()
			c.notifyLocked()
		}
		c.mu.Unlock()
	case tr.To == connection.StateReconnecting:
		c.Sync(SyncReconnecting)
	case tr.To == connection.StateConnected && tr.From == connection.StateReconnecting:
		c.Sync(SyncReconnected)
	}
}

// runSync is one resynchronization pass: validate the session against
// the transport's reported room, apply corrections, and either return
// to active or, after maxSyncAttempts correction passes in a single
// drift episode, park in StateError.
func (c *Coordinator) runSync(trigger SyncTrigger) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfg.State != StateActive && c.cfg.State != StateSyncing {
		return
	}

	// While the connection is down the drift cannot be repaired; mark
	// the session syncing and wait for the reconnected trigger.
	if c.conn.State() != connection.StateConnected {
		c.cfg.InconsistencyDetected = true
		c.setStateLocked(StateSyncing)
		return
	}

	room := c.conn.RoomState()
	result := validate(c.cfg, room)
	if result.IsValid {
		c.markConsistentLocked()
		return
	}

	c.logger.Warn("session drift detected",
		"trigger", string(trigger), "inconsistencies", result.Inconsistencies)
	c.cfg.InconsistencyDetected = true
	c.setStateLocked(StateSyncing)
	c.cfg.SyncAttempts++
	if c.cfg.SyncAttempts > c.maxSyncAttempts {
		c.logger.Error("session could not be resynchronized",
			"attempts", c.cfg.SyncAttempts-1)
		c.setStateLocked(StateError)
		return
	}

	c.applyCorrectionsLocked(result)

	if validate(c.cfg, c.conn.RoomState()).IsValid {
		c.markConsistentLocked()
		return
	}
	// Still drifted; run another bounded pass.
	c.Sync(trigger)
}

func (c *Coordinator) markConsistentLocked() {
	c.cfg.LastSyncAt = c.clock.Now()
	c.cfg.SyncAttempts = 0
	c.cfg.InconsistencyDetected = false
	c.setStateLocked(StateActive)
}

// applyCorrectionsLocked repairs config-level drift from the validated
// corrections and track-level drift through the transport.
func (c *Coordinator) applyCorrectionsLocked(result Validation) {
	c.cfg.TurnDetection = result.Corrections.TurnDetection
	c.cfg.RoomID = result.Corrections.RoomID

	room := c.conn.RoomState()
	ctx := context.Background()
	if c.cfg.Type.Voice() && !room.AudioPublished {
		if err := c.conn.PublishTrack(ctx, transport.TrackMicrophone); err != nil {
			c.logger.Warn("republish microphone failed", "error", err)
		}
	}
	if !c.cfg.Type.Voice() && room.AudioPublished {
		if err := c.conn.UnpublishTrack(ctx, transport.TrackMicrophone); err != nil {
			c.logger.Warn("unpublish microphone failed", "error", err)
		}
	}
}

func (c *Coordinator) resetLocked() {
	c.cfg = Config{Type: TypeNone, State: StateIdle, TurnDetection: TurnNone}
}

func (c *Coordinator) setStateLocked(to State) {
	if c.cfg.State == to {
		return
	}
	c.logger.Debug("session state", "from", string(c.cfg.State), "to", string(to))
	c.cfg.State = to
	c.notifyLocked()
}

func (c *Coordinator) notifyLocked() {
	for _, subscriber := range c.subscribers {
		select {
		case subscriber <- c.cfg:
		default:
			c.logger.Warn("session update dropped for slow subscriber")
		}
	}
}
