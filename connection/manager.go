// Copyright 2026 The BakeBot Authors
// SPDX-License-Identifier: Apache-2.0

package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bakebot-ai/realtime/lib/clock"
	"github.com/bakebot-ai/realtime/transport"
)

// ErrConnectInProgress is returned by Connect when a connection
// attempt or live connection already exists.
var ErrConnectInProgress = errors.New("connection: connect already in progress or connected")

// ErrNotConnected is returned by Send and the track operations when
// the manager is not in the connected state.
var ErrNotConnected = errors.New("connection: not connected")

// ErrConnectTimeout is the reason recorded when a single transport
// connect attempt exceeds the configured timeout.
var ErrConnectTimeout = errors.New("connection: connect timed out")

// Config tunes the manager.
type Config struct {
	// Endpoint and Credential are passed to the transport on every
	// connect attempt.
	Endpoint   string
	Credential string

	// MaxReconnectAttempts bounds automatic reconnection; exceeding
	// it parks the manager in StateFailed.
	MaxReconnectAttempts int

	// ReconnectBaseDelay is the delay before reconnection attempt 1;
	// attempt n waits ReconnectBaseDelay * 2^(n-1). No jitter is
	// applied at this layer: a single client reconnecting does not
	// need storm protection, and keeping the schedule exact makes the
	// backoff observable and testable. The delivery queue, where many
	// items retry at once, does jitter.
	ReconnectBaseDelay time.Duration

	// ConnectTimeout bounds each individual transport connect. A
	// timeout counts as a failed attempt and feeds the reconnection
	// schedule. Zero disables the per-attempt bound; the transport's
	// own deadline (ICE gathering, HTTP) still applies.
	ConnectTimeout time.Duration
}

// Manager owns the transport and drives the reconnection state
// machine. It is the only component holding the transport reference;
// the session coordinator and delivery queue request sends and track
// operations through it, which prevents races between a reconnect and
// a concurrent use of a dead connection.
//
// All state transitions are serialized by an internal mutex, and
// subscribers observe them in exactly the order they occurred.
type Manager struct {
	transport transport.RoomTransport
	cfg       Config
	clock     clock.Clock
	logger    *slog.Logger

	mu          sync.Mutex
	state       State
	lastError   error
	generation  int  // bumped by Disconnect to invalidate in-flight attempts
	retrying    bool // a reconnect schedule is running
	cancelRetry context.CancelFunc
	subscribers []chan Transition

	inbound chan transport.DataReceived

	done     chan struct{}
	doneOnce sync.Once
	pumpDone chan struct{}
}

// NewManager creates a manager and starts its transport event pump.
// The caller must call Shutdown when the client goes away.
func NewManager(roomTransport transport.RoomTransport, cfg Config, clk clock.Clock, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	m := &Manager{
		transport: roomTransport,
		cfg:       cfg,
		clock:     clk,
		logger:    logger,
		state:     StateDisconnected,
		inbound:   make(chan transport.DataReceived, 64),
		done:      make(chan struct{}),
		pumpDone:  make(chan struct{}),
	}
	go m.pumpEvents()
	return m
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastError returns the error behind the most recent failure-driven
// transition, for UI surfaces that show why the connection failed.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastError
}

// Subscribe registers a transition listener. Transitions arrive in
// order; the channel is buffered and a subscriber that stops draining
// loses transitions rather than blocking the state machine. The
// returned function unsubscribes.
func (m *Manager) Subscribe() (<-chan Transition, func()) {
	ch := make(chan Transition, 32)
	m.mu.Lock()
	m.subscribers = append(m.subscribers, ch)
	m.mu.Unlock()

	unsubscribe := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, subscriber := range m.subscribers {
			if subscriber == ch {
				m.subscribers = append(m.subscribers[:i], m.subscribers[i+1:]...)
				return
			}
		}
	}
	return ch, unsubscribe
}

// Inbound returns the stream of datagrams received from the room.
func (m *Manager) Inbound() <-chan transport.DataReceived {
	return m.inbound
}

// RoomState reports the transport's view of the room.
func (m *Manager) RoomState() transport.RoomState {
	return m.transport.RoomState()
}

// Connect establishes the room connection. It blocks until the
// connection is live, ctx is cancelled, or, when the initial attempt
// fails and automatic reconnection runs, the attempt budget is
// exhausted and the manager parks in StateFailed. Legal from
// StateDisconnected and StateFailed only.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateDisconnected && m.state != StateFailed {
		m.mu.Unlock()
		return ErrConnectInProgress
	}
	generation := m.generation
	attemptCtx, cancel := context.WithCancel(ctx)
	m.cancelRetry = cancel
	m.transitionLocked(StateConnecting, nil)
	m.mu.Unlock()
	defer cancel()

	if err := m.connectOnce(attemptCtx); err == nil {
		return m.finishAttempt(generation, StateConnected, nil)
	} else if attemptCtx.Err() != nil && ctx.Err() != nil {
		// Caller cancelled; leave the machine where Disconnect (or
		// the caller's own cleanup) puts it.
		m.finishAttempt(generation, StateDisconnected, nil)
		return ctx.Err()
	} else {
		m.logger.Warn("initial connect failed, entering reconnect", "error", err)
		if done := m.startReconnect(generation, err); done != nil {
			return done
		}
	}

	defer m.endReconnect(generation)
	return m.reconnectLoop(attemptCtx, generation)
}

// startReconnect transitions into the reconnecting state and marks
// the schedule as running, unless the attempt was invalidated by a
// concurrent Disconnect.
func (m *Manager) startReconnect(generation int, reason error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.generation != generation {
		return fmt.Errorf("connection: attempt cancelled by disconnect")
	}
	m.retrying = true
	m.transitionLocked(StateReconnecting, reason)
	return nil
}

// endReconnect clears the running-schedule marker once a reconnect
// loop returns, whatever its outcome. A loop invalidated by
// Disconnect must not clear the marker of a schedule started after
// the disconnect, so the clear is gated on the generation.
func (m *Manager) endReconnect(generation int) {
	m.mu.Lock()
	if m.generation == generation {
		m.retrying = false
	}
	m.mu.Unlock()
}

// connectOnce runs a single transport connect bounded by the
// configured timeout. The timeout runs on the injected clock so tests
// drive it deterministically.
func (m *Manager) connectOnce(ctx context.Context) error {
	if m.cfg.ConnectTimeout <= 0 {
		return m.transport.Connect(ctx, m.cfg.Endpoint, m.cfg.Credential)
	}
	timeoutCtx, cancel := context.WithCancelCause(ctx)
	timer := m.clock.AfterFunc(m.cfg.ConnectTimeout, func() {
		cancel(ErrConnectTimeout)
	})
	defer timer.Stop()
	defer cancel(nil)

	err := m.transport.Connect(timeoutCtx, m.cfg.Endpoint, m.cfg.Credential)
	if err != nil && errors.Is(context.Cause(timeoutCtx), ErrConnectTimeout) {
		return ErrConnectTimeout
	}
	return err
}

// reconnectLoop runs the bounded exponential backoff schedule:
// attempt n fires after ReconnectBaseDelay * 2^(n-1). Returns nil
// when a reattempt succeeds; the terminal error when the budget is
// exhausted (manager parked in StateFailed); ctx.Err() when cancelled
// by Disconnect or the caller.
func (m *Manager) reconnectLoop(ctx context.Context, generation int) error {
	var lastError error
	for attempt := 1; attempt <= m.cfg.MaxReconnectAttempts; attempt++ {
		delay := m.cfg.ReconnectBaseDelay * time.Duration(1<<(attempt-1))
		select {
		case <-ctx.Done():
			return m.abortReconnect(ctx, generation)
		case <-m.clock.After(delay):
		}
		if m.staleGeneration(generation) {
			return ctx.Err()
		}

		m.logger.Info("reconnect attempt", "attempt", attempt, "delay", delay)
		err := m.connectOnce(ctx)
		if err == nil {
			if done := m.finishAttempt(generation, StateConnected, nil); done != nil {
				return done
			}
			m.logger.Info("reconnected", "attempt", attempt)
			return nil
		}
		if ctx.Err() != nil {
			return m.abortReconnect(ctx, generation)
		}
		lastError = err
		m.logger.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
	}

	terminal := fmt.Errorf("connection: %d reconnect attempts exhausted: %w",
		m.cfg.MaxReconnectAttempts, lastError)
	m.finishAttempt(generation, StateFailed, terminal)
	return terminal
}

// abortReconnect resolves a cancelled reconnect schedule. When
// Disconnect did the cancelling it has already bumped the generation
// and transitioned itself; a caller cancelling its own Connect
// context gets the machine parked back in the disconnected state so a
// later Connect stays legal.
func (m *Manager) abortReconnect(ctx context.Context, generation int) error {
	m.finishAttempt(generation, StateDisconnected, nil)
	return ctx.Err()
}

// finishAttempt transitions to the target state if the attempt's
// generation is still current. Returns a non-nil error only when the
// attempt was invalidated by a concurrent Disconnect.
func (m *Manager) finishAttempt(generation int, to State, reason error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.generation != generation {
		return fmt.Errorf("connection: attempt cancelled by disconnect")
	}
	m.transitionLocked(to, reason)
	return nil
}

func (m *Manager) staleGeneration(generation int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation != generation
}

// Disconnect deliberately tears the connection down: it atomically
// invalidates any in-flight connect or reconnect attempt, closes the
// transport, and transitions to StateDisconnected. A fresh Connect is
// always legal afterward.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.generation++
	m.retrying = false
	if m.cancelRetry != nil {
		m.cancelRetry()
		m.cancelRetry = nil
	}
	alreadyDisconnected := m.state == StateDisconnected
	if !alreadyDisconnected {
		m.transitionLocked(StateDisconnected, nil)
	}
	m.mu.Unlock()

	if err := m.transport.Close(); err != nil {
		m.logger.Warn("transport close failed", "error", err)
	}
}

// Shutdown disconnects and stops the event pump. The manager must not
// be used afterward.
func (m *Manager) Shutdown() {
	m.Disconnect()
	m.doneOnce.Do(func() { close(m.done) })
	<-m.pumpDone
}

// Send transmits a datagram through the owned transport. Fails fast
// with ErrNotConnected unless the manager is connected.
func (m *Manager) Send(ctx context.Context, payload []byte, reliability transport.Reliability) error {
	if m.State() != StateConnected {
		return &transport.SendError{Reliability: reliability, Temporary: true, Err: ErrNotConnected}
	}
	return m.transport.Send(ctx, payload, reliability)
}

// PublishTrack publishes a media track. Requires StateConnected.
func (m *Manager) PublishTrack(ctx context.Context, kind transport.TrackKind) error {
	if m.State() != StateConnected {
		return ErrNotConnected
	}
	return m.transport.PublishTrack(ctx, kind)
}

// UnpublishTrack removes a media track. A no-op when disconnected;
// the track died with the connection.
func (m *Manager) UnpublishTrack(ctx context.Context, kind transport.TrackKind) error {
	if m.State() != StateConnected {
		return nil
	}
	return m.transport.UnpublishTrack(ctx, kind)
}

// pumpEvents is the single consumer of the transport's event stream.
// It reacts to unexpected drops by starting asynchronous
// reconnection, maps transport-level reconnect notices onto manager
// states, and forwards inbound datagrams.
func (m *Manager) pumpEvents() {
	defer close(m.pumpDone)
	events := m.transport.Events()
	for {
		select {
		case <-m.done:
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			m.handleEvent(event)
		}
	}
}

func (m *Manager) handleEvent(event transport.Event) {
	switch event := event.(type) {
	case transport.Disconnected:
		if event.Reason == nil {
			return // deliberate close; Disconnect already transitioned
		}
		m.mu.Lock()
		// A reasoned drop is actionable from connected, and from
		// reconnecting when no schedule of our own is running: the
		// transport promised to ride out a dip and has now given up,
		// so recovery falls to the manager.
		actionable := m.state == StateConnected ||
			(m.state == StateReconnecting && !m.retrying)
		if !actionable {
			m.mu.Unlock()
			return
		}
		generation := m.generation
		retryCtx, cancel := context.WithCancel(context.Background())
		m.cancelRetry = cancel
		m.retrying = true
		m.lastError = event.Reason
		m.transitionLocked(StateReconnecting, event.Reason)
		m.mu.Unlock()

		m.logger.Warn("connection dropped, reconnecting", "reason", event.Reason)
		go func() {
			defer cancel()
			defer m.endReconnect(generation)
			// The dead transport must be released before redialing:
			// Connect refuses while the failed peer is still held.
			if err := m.transport.Close(); err != nil {
				m.logger.Warn("transport close failed", "error", err)
			}
			m.reconnectLoop(retryCtx, generation)
		}()

	case transport.Reconnecting:
		m.mu.Lock()
		if m.state == StateConnected {
			m.transitionLocked(StateReconnecting, nil)
		}
		m.mu.Unlock()

	case transport.Reconnected:
		m.mu.Lock()
		if m.state == StateReconnecting {
			m.transitionLocked(StateConnected, nil)
		}
		m.mu.Unlock()

	case transport.DataReceived:
		select {
		case m.inbound <- event:
		default:
			m.logger.Warn("inbound datagram dropped, consumer not draining")
		}

	case transport.Connected, transport.ParticipantJoined, transport.ParticipantLeft,
		transport.TrackSubscribed, transport.TrackUnsubscribed:
		// Connected is handled synchronously by the Connect path;
		// participant and track notices are room topology, not
		// connection state.
	}
}

// transitionLocked records a state change and pushes it to
// subscribers. Callers hold m.mu, which serializes transitions and
// preserves their order for every subscriber.
func (m *Manager) transitionLocked(to State, reason error) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	if reason != nil {
		m.lastError = reason
	}
	m.logger.Debug("connection state", "from", from.String(), "to", to.String())

	t := Transition{From: from, To: to, Reason: reason}
	for _, subscriber := range m.subscribers {
		select {
		case subscriber <- t:
		default:
			m.logger.Warn("transition dropped for slow subscriber",
				"from", from.String(), "to", to.String())
		}
	}
}
