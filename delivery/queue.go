// Copyright 2026 The BakeBot Authors
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/bakebot-ai/realtime/connection"
	"github.com/bakebot-ai/realtime/lib/clock"
	"github.com/bakebot-ai/realtime/transport"
)

// ErrUnknownMessage is returned by ManualRetry and Dismiss for a
// message id the queue does not hold.
var ErrUnknownMessage = errors.New("delivery: unknown message")

// ErrRetriesExhausted is returned by ManualRetry when the one bonus
// attempt after a permanent failure has already been spent.
var ErrRetriesExhausted = errors.New("delivery: retries exhausted")

// Trigger names why a retry attempt ran.
type Trigger string

const (
	TriggerConnectionRestored Trigger = "connection_restored"
	TriggerScheduled          Trigger = "scheduled_retry"
	TriggerManual             Trigger = "manual_retry"
	TriggerRestart            Trigger = "app_restart"
)

// NoticeKind classifies queue notices.
type NoticeKind string

const (
	// NoticeDelivered: the message reached the transport.
	NoticeDelivered NoticeKind = "delivered"
	// NoticeRetryScheduled: a send failed and a retry is scheduled;
	// the item carries the attempt count and next retry time.
	NoticeRetryScheduled NoticeKind = "retry_scheduled"
	// NoticePermanentFailure: the attempt budget is spent; the message
	// needs manual action.
	NoticePermanentFailure NoticeKind = "permanent_failure"
)

// Notice is a queue event pushed to subscribers. Item is a copy.
type Notice struct {
	Kind NoticeKind
	Item Item
}

// Conn is the slice of the connection manager the queue uses.
// *connection.Manager satisfies it.
type Conn interface {
	Send(ctx context.Context, payload []byte, reliability transport.Reliability) error
	Subscribe() (<-chan connection.Transition, func())
}

// Config tunes the retry policy. Zero values get defaults.
type Config struct {
	// MaxAttempts bounds total send attempts per message, counting
	// the immediate attempt at enqueue. Default 5.
	MaxAttempts int

	// BaseDelay is the backoff before the first retry; the delay
	// after attempt n is BaseDelay * BackoffMultiplier^(n-1), capped
	// at MaxDelay. Defaults 1s, 30s, 2.
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64

	// JitterFactor spreads each delay across [1-j, 1+j) so messages
	// that failed together do not retry in lockstep. Default 0.2.
	JitterFactor float64
}

func (cfg Config) withDefaults() Config {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.BackoffMultiplier <= 1 {
		cfg.BackoffMultiplier = 2
	}
	if cfg.JitterFactor <= 0 {
		cfg.JitterFactor = 0.2
	}
	return cfg
}

// Options carries the queue's collaborators.
type Options struct {
	// Store persists pending items across restarts. Nil disables
	// persistence (tests of pure retry behavior).
	Store *Store

	Clock  clock.Clock
	Logger *slog.Logger

	// Random is the jitter source, uniform in [0, 1). Defaults to
	// math/rand; tests inject a fixed value to make schedules exact.
	Random func() float64
}

// Queue guarantees send-or-durably-report for discrete outbound
// messages. Enqueue always accepts the message and attempts an
// immediate send; failures enter a per-item retry schedule with
// jittered exponential backoff, persisted so pending messages survive
// a process restart. Items that exhaust their attempts are surfaced as
// permanent failures, never silently dropped.
//
// Retries are scheduled per item: a message waiting out its backoff
// never blocks a later, independently eligible message. A connection
// restore re-attempts everything pending, in enqueue order, in one
// pass.
type Queue struct {
	conn   Conn
	store  *Store
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger
	random func() float64

	// sendMu serializes retry attempts across triggers, so a timer
	// firing concurrently with a manual retry cannot double-send.
	sendMu sync.Mutex

	mu          sync.Mutex
	pending     map[string]*Item
	timers      map[string]*clock.Timer
	seq         int64
	subscribers []chan Notice

	done     chan struct{}
	doneOnce sync.Once
	loopDone chan struct{}
}

// NewQueue creates the queue, reloads persisted items, and schedules
// their retries; items whose retry time passed while the process was
// down fire immediately. Call Close when done.
func NewQueue(conn Conn, cfg Config, opts Options) (*Queue, error) {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Random == nil {
		opts.Random = rand.Float64
	}
	q := &Queue{
		conn:     conn,
		store:    opts.Store,
		cfg:      cfg.withDefaults(),
		clock:    opts.Clock,
		logger:   opts.Logger,
		random:   opts.Random,
		pending:  make(map[string]*Item),
		timers:   make(map[string]*clock.Timer),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}

	if q.store != nil {
		items, err := q.store.Load(context.Background())
		if err != nil {
			return nil, err
		}
		now := q.clock.Now()
		for _, item := range items {
			q.pending[item.Message.ID] = item
			if item.seq >= q.seq {
				q.seq = item.seq + 1
			}
		}
		// Schedule after the map is complete; an overdue timer may
		// fire synchronously and needs to see every reloaded item.
		for _, item := range items {
			if item.IsPermanentFailure {
				continue
			}
			delay := item.NextRetryAt.Sub(now)
			q.logger.Info("reloaded pending message",
				"message_id", item.Message.ID, "attempts", item.AttemptCount,
				"overdue", delay <= 0)
			q.schedule(item.Message.ID, delay)
		}
	}

	// Subscribe before returning so a connection established right
	// after NewQueue cannot slip past the watcher goroutine.
	transitions, unsubscribe := conn.Subscribe()
	go q.run(transitions, unsubscribe)
	return q, nil
}

// Close stops the retry timers and the connection watcher. Pending
// items stay persisted for the next run.
func (q *Queue) Close() {
	q.doneOnce.Do(func() { close(q.done) })
	<-q.loopDone

	q.mu.Lock()
	defer q.mu.Unlock()
	for id, timer := range q.timers {
		timer.Stop()
		delete(q.timers, id)
	}
}

// Subscribe registers a notice listener. The channel is buffered; a
// subscriber that stops draining loses notices rather than blocking
// the queue. The returned function unsubscribes.
func (q *Queue) Subscribe() (<-chan Notice, func()) {
	ch := make(chan Notice, 32)
	q.mu.Lock()
	q.subscribers = append(q.subscribers, ch)
	q.mu.Unlock()

	unsubscribe := func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		for i, subscriber := range q.subscribers {
			if subscriber == ch {
				q.subscribers = append(q.subscribers[:i], q.subscribers[i+1:]...)
				return
			}
		}
	}
	return ch, unsubscribe
}

// Enqueue accepts the message and attempts an immediate send. It
// never fails on a send error; the message enters the retry schedule
// instead. The returned error covers only malformed input.
func (q *Queue) Enqueue(ctx context.Context, message Message) error {
	if message.ID == "" || len(message.Payload) == 0 {
		return fmt.Errorf("delivery: message without id or payload")
	}

	q.mu.Lock()
	seq := q.seq
	q.seq++
	q.mu.Unlock()

	err := q.conn.Send(ctx, message.Payload, transport.Reliable)
	if err == nil {
		q.logger.Debug("message delivered", "message_id", message.ID, "kind", string(message.Kind))
		q.notify(Notice{Kind: NoticeDelivered, Item: Item{Message: message, AttemptCount: 1, seq: seq}})
		return nil
	}

	item := &Item{
		Message:           message,
		AttemptCount:      1,
		MaxAttempts:       q.cfg.MaxAttempts,
		BaseDelay:         q.cfg.BaseDelay,
		MaxDelay:          q.cfg.MaxDelay,
		BackoffMultiplier: q.cfg.BackoffMultiplier,
		FailureReason:     err.Error(),
		seq:               seq,
	}

	q.mu.Lock()
	q.pending[message.ID] = item
	var delay time.Duration
	permanent := item.AttemptCount >= item.MaxAttempts
	if permanent {
		item.IsPermanentFailure = true
	} else {
		delay = item.retryDelay(q.random(), q.cfg.JitterFactor)
		item.NextRetryAt = q.clock.Now().Add(delay)
	}
	snapshot := *item
	q.mu.Unlock()

	q.persist(&snapshot)
	if permanent {
		q.logger.Error("message failed permanently",
			"message_id", message.ID, "attempts", snapshot.AttemptCount, "error", err)
		q.notify(Notice{Kind: NoticePermanentFailure, Item: snapshot})
		return nil
	}
	q.logger.Warn("send failed, retry scheduled",
		"message_id", message.ID, "attempt", snapshot.AttemptCount, "delay", delay, "error", err)
	q.notify(Notice{Kind: NoticeRetryScheduled, Item: snapshot})
	q.schedule(message.ID, delay)
	return nil
}

// ManualRetry re-attempts a queued message right now. For an item that
// already failed permanently it grants exactly one bonus attempt; a
// second call after that fails with ErrRetriesExhausted. Returns the
// send error when the attempt does not deliver.
func (q *Queue) ManualRetry(ctx context.Context, messageID string) error {
	q.sendMu.Lock()
	defer q.sendMu.Unlock()

	q.mu.Lock()
	item, ok := q.pending[messageID]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownMessage, messageID)
	}
	if item.IsPermanentFailure {
		if item.BonusAttemptUsed {
			q.mu.Unlock()
			return ErrRetriesExhausted
		}
		item.BonusAttemptUsed = true
		q.mu.Unlock()
		return q.bonusAttempt(ctx, messageID)
	}
	q.mu.Unlock()

	delivered, err := q.attempt(ctx, messageID, TriggerManual)
	if delivered || err == nil {
		return nil
	}
	return fmt.Errorf("delivery: manual retry: %w", err)
}

// Dismiss drops a permanently failed message without retrying it.
func (q *Queue) Dismiss(ctx context.Context, messageID string) error {
	q.mu.Lock()
	item, ok := q.pending[messageID]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownMessage, messageID)
	}
	if !item.IsPermanentFailure {
		q.mu.Unlock()
		return fmt.Errorf("delivery: message %s is still being retried", messageID)
	}
	q.removeLocked(messageID)
	q.mu.Unlock()

	q.deleteFromStore(messageID)
	q.logger.Info("failed message dismissed", "message_id", messageID)
	return nil
}

// Pending returns copies of the items still being retried, in enqueue
// order.
func (q *Queue) Pending() []Item {
	return q.snapshot(func(item *Item) bool { return !item.IsPermanentFailure })
}

// Failed returns copies of the permanently failed items awaiting
// manual action, in enqueue order.
func (q *Queue) Failed() []Item {
	return q.snapshot(func(item *Item) bool { return item.IsPermanentFailure })
}

func (q *Queue) snapshot(keep func(*Item) bool) []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	var items []Item
	for _, item := range q.pending {
		if keep(item) {
			items = append(items, *item)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].seq < items[j].seq })
	return items
}

// run watches connection transitions: every transition into the
// connected state re-attempts all pending items.
func (q *Queue) run(transitions <-chan connection.Transition, unsubscribe func()) {
	defer close(q.loopDone)
	defer unsubscribe()

	for {
		select {
		case <-q.done:
			return
		case tr := <-transitions:
			if tr.To == connection.StateConnected {
				q.retryAllPending()
			}
		}
	}
}

// retryAllPending is the connection_restored pass: every retryable
// item is attempted immediately, in enqueue order, regardless of its
// scheduled time. Items that fail again go back onto their per-item
// schedule.
func (q *Queue) retryAllPending() {
	q.sendMu.Lock()
	defer q.sendMu.Unlock()

	q.mu.Lock()
	var eligible []*Item
	for id, item := range q.pending {
		if item.IsPermanentFailure {
			continue
		}
		if timer, ok := q.timers[id]; ok {
			timer.Stop()
			delete(q.timers, id)
		}
		eligible = append(eligible, item)
	}
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].seq < eligible[j].seq })
	q.mu.Unlock()

	if len(eligible) == 0 {
		return
	}
	q.logger.Info("connection restored, retrying pending messages", "count", len(eligible))
	for _, item := range eligible {
		q.attempt(context.Background(), item.Message.ID, TriggerConnectionRestored)
	}
}

// scheduledRetry is the per-item timer callback.
func (q *Queue) scheduledRetry(messageID string) {
	q.sendMu.Lock()
	defer q.sendMu.Unlock()

	q.mu.Lock()
	delete(q.timers, messageID)
	q.mu.Unlock()

	q.attempt(context.Background(), messageID, TriggerScheduled)
}

// attempt runs one send attempt for a queued item. Caller holds
// sendMu. On failure the item either reschedules or goes permanent.
func (q *Queue) attempt(ctx context.Context, messageID string, trigger Trigger) (bool, error) {
	q.mu.Lock()
	item, ok := q.pending[messageID]
	if !ok || item.IsPermanentFailure {
		q.mu.Unlock()
		return false, nil
	}
	payload := item.Message.Payload
	q.mu.Unlock()

	err := q.conn.Send(ctx, payload, transport.Reliable)

	q.mu.Lock()
	if _, still := q.pending[messageID]; !still {
		q.mu.Unlock()
		return false, nil
	}
	if err == nil {
		attempts := item.AttemptCount + 1
		q.removeLocked(messageID)
		snapshot := *item
		snapshot.AttemptCount = attempts
		q.mu.Unlock()

		q.deleteFromStore(messageID)
		q.logger.Info("message delivered after retry",
			"message_id", messageID, "attempts", attempts, "trigger", string(trigger))
		q.notify(Notice{Kind: NoticeDelivered, Item: snapshot})
		return true, nil
	}

	item.AttemptCount++
	item.FailureReason = err.Error()
	if item.AttemptCount >= item.MaxAttempts {
		item.IsPermanentFailure = true
		snapshot := *item
		q.mu.Unlock()

		q.persist(&snapshot)
		q.logger.Error("message failed permanently",
			"message_id", messageID, "attempts", snapshot.AttemptCount, "error", err)
		q.notify(Notice{Kind: NoticePermanentFailure, Item: snapshot})
		return false, err
	}

	delay := item.retryDelay(q.random(), q.cfg.JitterFactor)
	item.NextRetryAt = q.clock.Now().Add(delay)
	snapshot := *item
	q.mu.Unlock()

	q.persist(&snapshot)
	q.logger.Warn("retry failed, rescheduled",
		"message_id", messageID, "attempt", snapshot.AttemptCount,
		"delay", delay, "trigger", string(trigger), "error", err)
	q.notify(Notice{Kind: NoticeRetryScheduled, Item: snapshot})
	q.schedule(messageID, delay)
	return false, err
}

// bonusAttempt is the single manual attempt granted after a permanent
// failure. Whatever the outcome, no automatic retry follows. Caller
// holds sendMu and has marked BonusAttemptUsed.
func (q *Queue) bonusAttempt(ctx context.Context, messageID string) error {
	q.mu.Lock()
	item, ok := q.pending[messageID]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownMessage, messageID)
	}
	payload := item.Message.Payload
	q.mu.Unlock()

	err := q.conn.Send(ctx, payload, transport.Reliable)

	q.mu.Lock()
	if err == nil {
		item.AttemptCount++
		q.removeLocked(messageID)
		snapshot := *item
		q.mu.Unlock()

		q.deleteFromStore(messageID)
		q.logger.Info("message delivered on bonus attempt",
			"message_id", messageID, "attempts", snapshot.AttemptCount)
		q.notify(Notice{Kind: NoticeDelivered, Item: snapshot})
		return nil
	}
	item.AttemptCount++
	item.FailureReason = err.Error()
	snapshot := *item
	q.mu.Unlock()

	q.persist(&snapshot)
	q.logger.Error("bonus attempt failed", "message_id", messageID, "error", err)
	return fmt.Errorf("delivery: manual retry: %w", err)
}

// schedule arms the per-item retry timer. Must not be called with
// q.mu held: an overdue timer fires synchronously on the fake clock.
func (q *Queue) schedule(messageID string, delay time.Duration) {
	if delay < 0 {
		delay = 0
	}
	timer := q.clock.AfterFunc(delay, func() { q.scheduledRetry(messageID) })

	q.mu.Lock()
	defer q.mu.Unlock()
	_, stillPending := q.pending[messageID]
	_, alreadyArmed := q.timers[messageID]
	// A zero delay fires synchronously inside AfterFunc; by the time
	// we get here the item may be gone or rescheduled with a fresh
	// timer. Never displace a live timer with a spent one.
	if stillPending && !alreadyArmed {
		q.timers[messageID] = timer
	} else {
		timer.Stop()
	}
}

// removeLocked drops an item and its timer. Caller holds q.mu.
func (q *Queue) removeLocked(messageID string) {
	delete(q.pending, messageID)
	if timer, ok := q.timers[messageID]; ok {
		timer.Stop()
		delete(q.timers, messageID)
	}
}

func (q *Queue) persist(item *Item) {
	if q.store == nil {
		return
	}
	if err := q.store.Save(context.Background(), item); err != nil {
		q.logger.Warn("persisting queue item failed",
			"message_id", item.Message.ID, "error", err)
	}
}

func (q *Queue) deleteFromStore(messageID string) {
	if q.store == nil {
		return
	}
	if err := q.store.Delete(context.Background(), messageID); err != nil {
		q.logger.Warn("deleting queue item failed", "message_id", messageID, "error", err)
	}
}

func (q *Queue) notify(notice Notice) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, subscriber := range q.subscribers {
		select {
		case subscriber <- notice:
		default:
			q.logger.Warn("queue notice dropped for slow subscriber", "kind", string(notice.Kind))
		}
	}
}
