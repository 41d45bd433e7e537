// Copyright 2026 The BakeBot Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/bakebot-ai/realtime/connection"
	"github.com/bakebot-ai/realtime/delivery"
	"github.com/bakebot-ai/realtime/lib/clock"
	"github.com/bakebot-ai/realtime/lib/config"
	"github.com/bakebot-ai/realtime/recovery"
	"github.com/bakebot-ai/realtime/session"
	"github.com/bakebot-ai/realtime/transport"
)

// Options carries the client's collaborators. Transport and Config are
// required; the rest default.
type Options struct {
	// Transport is the room transport the connection manager will own.
	Transport transport.RoomTransport

	// Config is the loaded client configuration.
	Config *config.Config

	// Clock defaults to clock.Real().
	Clock clock.Clock

	// Logger receives logs from every component. Nil discards.
	Logger *slog.Logger

	// Random overrides the delivery queue's jitter source, for tests.
	Random func() float64
}

// Client is the facade the UI layer talks to. It wires the connection
// manager, session coordinator, delivery queue, and recovery engine
// together: session control notices travel through the delivery queue
// for retry guarantees, permanently failed deliveries and exhausted
// reconnections are handed to the recovery engine, and the engine's
// restart_session strategy drives the session coordinator.
type Client struct {
	cfg      *config.Config
	clock    clock.Clock
	logger   *slog.Logger
	conn     *connection.Manager
	sessions *session.Coordinator
	queue    *delivery.Queue
	engine   *recovery.Engine
	store    *delivery.Store

	unsubscribeNotices     func()
	unsubscribeTransitions func()
	watcherDone            chan struct{}
	closeOnce              sync.Once
}

// New builds and wires a client. Call Close when done.
func New(opts Options) (*Client, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("client: transport is required")
	}
	if opts.Config == nil {
		return nil, fmt.Errorf("client: config is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	c := &Client{
		cfg:         opts.Config,
		clock:       opts.Clock,
		logger:      opts.Logger,
		watcherDone: make(chan struct{}),
	}

	var store *delivery.Store
	var persistPath string
	if dir := opts.Config.Paths.State; dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating state directory: %w", err)
		}
		var err error
		store, err = delivery.OpenStore(filepath.Join(dir, "delivery.db"), opts.Logger)
		if err != nil {
			return nil, fmt.Errorf("opening delivery store: %w", err)
		}
		persistPath = filepath.Join(dir, "errors.state")
	}
	c.store = store

	c.conn = connection.NewManager(opts.Transport, connection.Config{
		Endpoint:             opts.Config.Endpoint,
		Credential:           opts.Config.Credential,
		MaxReconnectAttempts: opts.Config.Connection.MaxReconnectAttempts,
		ReconnectBaseDelay:   opts.Config.Connection.ReconnectBaseDelay,
		ConnectTimeout:       opts.Config.Connection.ConnectTimeout,
	}, opts.Clock, opts.Logger)

	queue, err := delivery.NewQueue(c.conn, delivery.Config{
		MaxAttempts: opts.Config.Delivery.MaxAttempts,
		BaseDelay:   opts.Config.Delivery.BaseDelay,
		MaxDelay:    opts.Config.Delivery.MaxDelay,
	}, delivery.Options{
		Store:  store,
		Clock:  opts.Clock,
		Logger: opts.Logger,
		Random: opts.Random,
	})
	if err != nil {
		c.conn.Shutdown()
		if store != nil {
			store.Close()
		}
		return nil, fmt.Errorf("starting delivery queue: %w", err)
	}
	c.queue = queue

	c.sessions = session.NewCoordinator(c.conn, session.Options{
		Clock:   opts.Clock,
		Logger:  opts.Logger,
		Control: c,
	})

	c.engine = recovery.NewEngine(recovery.Options{
		Clock:            opts.Clock,
		Logger:           opts.Logger,
		BreakerThreshold: opts.Config.Recovery.BreakerThreshold,
		BreakerTimeout:   opts.Config.Recovery.BreakerTimeout,
		Sessions:         c,
		PersistPath:      persistPath,
	})

	notices, unsubscribeNotices := c.queue.Subscribe()
	transitions, unsubscribeTransitions := c.conn.Subscribe()
	c.unsubscribeNotices = unsubscribeNotices
	c.unsubscribeTransitions = unsubscribeTransitions
	go c.watch(notices, transitions)

	return c, nil
}

// Close shuts the client down in dependency order: session first so it
// releases the microphone, then the queue, the recovery engine, the
// connection, and finally the store.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.unsubscribeNotices()
		c.unsubscribeTransitions()
		close(c.watcherDone)
		c.sessions.Close()
		c.queue.Close()
		c.engine.Shutdown()
		c.conn.Shutdown()
		if c.store != nil {
			if err := c.store.Close(); err != nil {
				c.logger.Warn("closing delivery store", "error", err)
			}
		}
	})
}

// Connect establishes the room connection, blocking through the
// automatic reconnection schedule. Exhausted reconnections surface
// asynchronously through ActiveErrors as well as in the returned
// error.
func (c *Client) Connect(ctx context.Context) error {
	return c.conn.Connect(ctx)
}

// Disconnect tears the connection down intentionally. No reconnection
// is attempted and the active session, if any, resets to idle.
func (c *Client) Disconnect() {
	c.conn.Disconnect()
}

// ConnectionState returns the current connection state.
func (c *Client) ConnectionState() connection.State { return c.conn.State() }

// Session returns a snapshot of the current session configuration.
func (c *Client) Session() session.Config { return c.sessions.Snapshot() }

// Transitions subscribes to connection state transitions.
func (c *Client) Transitions() (<-chan connection.Transition, func()) {
	return c.conn.Subscribe()
}

// Sessions subscribes to session configuration changes.
func (c *Client) Sessions() (<-chan session.Config, func()) {
	return c.sessions.Subscribe()
}

// Deliveries subscribes to delivery lifecycle notices.
func (c *Client) Deliveries() (<-chan delivery.Notice, func()) {
	return c.queue.Subscribe()
}

// StartSession begins a conversation of the given type. Failures that
// are not caller mistakes (microphone denied, transport down mid-call)
// are additionally routed through the recovery engine.
func (c *Client) StartSession(ctx context.Context, sessionType session.Type, voiceMode session.VoiceMode) error {
	err := c.sessions.Start(ctx, sessionType, voiceMode)
	if err == nil || errors.Is(err, session.ErrSessionActive) ||
		errors.Is(err, session.ErrNoConnection) || errors.Is(err, session.ErrInvalidType) {
		return err
	}
	appErr := c.engine.Handle(ctx, err, recovery.Context{
		Operation: "start_session",
		Component: "session",
		Extra:     map[string]string{"type": string(sessionType)},
	}, func(ctx context.Context) error {
		return c.sessions.Start(ctx, sessionType, voiceMode)
	})
	return appErr
}

// EndSession ends the active session, releasing the microphone.
func (c *Client) EndSession(ctx context.Context) {
	c.sessions.End(ctx)
}

// UpdateSession applies a partial change to the active session.
func (c *Client) UpdateSession(ctx context.Context, patch session.Patch) error {
	return c.sessions.Update(ctx, patch)
}

// SendText enqueues a text message for delivery. It never fails for
// transport reasons: an undeliverable message enters the retry
// schedule and eventually surfaces as a permanent failure notice.
func (c *Client) SendText(ctx context.Context, content string) error {
	msg, err := delivery.NewText(content, c.cfg.Identity, c.clock.Now())
	if err != nil {
		return err
	}
	return c.queue.Enqueue(ctx, msg)
}

// SendImage enqueues an image message for delivery.
func (c *Client) SendImage(ctx context.Context, data []byte, mimeType, caption string) error {
	msg, err := delivery.NewImage(data, mimeType, caption, c.clock.Now())
	if err != nil {
		return err
	}
	return c.queue.Enqueue(ctx, msg)
}

// SendMessage enqueues a pre-built message for delivery.
func (c *Client) SendMessage(ctx context.Context, msg delivery.Message) error {
	return c.queue.Enqueue(ctx, msg)
}

// Inbound returns the stream of datagrams received from the room.
func (c *Client) Inbound() <-chan transport.DataReceived {
	return c.conn.Inbound()
}

// PendingMessages lists messages awaiting delivery, oldest first.
func (c *Client) PendingMessages() []delivery.Item { return c.queue.Pending() }

// FailedMessages lists permanently failed messages, oldest first.
func (c *Client) FailedMessages() []delivery.Item { return c.queue.Failed() }

// RetryMessage re-attempts a queued or permanently failed message.
func (c *Client) RetryMessage(ctx context.Context, messageID string) error {
	return c.queue.ManualRetry(ctx, messageID)
}

// DismissMessage drops a permanently failed message.
func (c *Client) DismissMessage(ctx context.Context, messageID string) error {
	return c.queue.Dismiss(ctx, messageID)
}

// ActiveErrors lists unresolved recovery-tracked errors, oldest first.
func (c *Client) ActiveErrors() []*recovery.AppError { return c.engine.ActiveErrors() }

// RecoverError runs one immediate recovery attempt for a tracked
// error.
func (c *Client) RecoverError(ctx context.Context, id string) error {
	return c.engine.Recover(ctx, id)
}

// RetryError re-runs a tracked error's recovery schedule, optionally
// overriding the strategy.
func (c *Client) RetryError(ctx context.Context, id string, strategy recovery.Strategy) error {
	return c.engine.Retry(ctx, id, strategy)
}

// ErrorStats returns recovery statistics.
func (c *Client) ErrorStats() recovery.Stats { return c.engine.Stats() }

// SendControl forwards a session control notice through the delivery
// queue, giving it the same retry guarantees as content messages.
func (c *Client) SendControl(ctx context.Context, action string, detail map[string]any) error {
	msg, err := delivery.NewControl(action, detail, c.clock.Now())
	if err != nil {
		return err
	}
	return c.queue.Enqueue(ctx, msg)
}

// RestartSession tears down and restarts the current session with its
// last configuration. Used by the recovery engine's restart_session
// strategy.
func (c *Client) RestartSession(ctx context.Context) error {
	snapshot := c.sessions.Snapshot()
	if snapshot.Type == session.TypeNone {
		return nil
	}
	c.sessions.End(ctx)
	return c.sessions.Start(ctx, snapshot.Type, snapshot.VoiceMode)
}

// watch routes queue and connection outcomes into the recovery engine:
// permanently failed deliveries and exhausted reconnections become
// tracked errors the UI can act on.
func (c *Client) watch(notices <-chan delivery.Notice, transitions <-chan connection.Transition) {
	for {
		select {
		case <-c.watcherDone:
			return
		case notice, ok := <-notices:
			if !ok {
				return
			}
			if notice.Kind != delivery.NoticePermanentFailure {
				continue
			}
			item := notice.Item
			c.engine.Handle(context.Background(),
				fmt.Errorf("message delivery failed permanently: %s", item.FailureReason),
				recovery.Context{
					Operation: "deliver_message",
					Component: "delivery",
					Extra: map[string]string{
						"message_id": item.Message.ID,
						"kind":       string(item.Message.Kind),
					},
				},
				func(ctx context.Context) error {
					return c.queue.ManualRetry(ctx, item.Message.ID)
				})
		case tr, ok := <-transitions:
			if !ok {
				return
			}
			if tr.To != connection.StateFailed || tr.Reason == nil {
				continue
			}
			c.engine.Handle(context.Background(), tr.Reason,
				recovery.Context{Operation: "reconnect", Component: "connection"},
				func(ctx context.Context) error {
					return c.conn.Connect(ctx)
				})
		}
	}
}

var (
	_ session.ControlSender     = (*Client)(nil)
	_ recovery.SessionRestarter = (*Client)(nil)
)
