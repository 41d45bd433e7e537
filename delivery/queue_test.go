// Copyright 2026 The BakeBot Authors
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/bakebot-ai/realtime/connection"
	"github.com/bakebot-ai/realtime/lib/clock"
	"github.com/bakebot-ai/realtime/transport"
)

const waitTimeout = 5 * time.Second

// stubConn is a scriptable Conn: sends fail globally or per payload,
// and tests inject connection transitions directly.
type stubConn struct {
	mu          sync.Mutex
	sendErr     error
	failBodies  map[string]bool
	sent        []string
	transitions chan connection.Transition
}

func newStubConn() *stubConn {
	return &stubConn{
		failBodies:  make(map[string]bool),
		transitions: make(chan connection.Transition, 8),
	}
}

func (s *stubConn) Send(ctx context.Context, payload []byte, reliability transport.Reliability) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	if s.failBodies[string(payload)] {
		return errors.New("scripted payload failure")
	}
	s.sent = append(s.sent, string(payload))
	return nil
}

func (s *stubConn) Subscribe() (<-chan connection.Transition, func()) {
	return s.transitions, func() {}
}

func (s *stubConn) failAll(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

func (s *stubConn) failBody(payload []byte, fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failBodies[string(payload)] = fail
}

func (s *stubConn) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func (s *stubConn) sentBodies() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

// midJitter pins the jitter multiplier to exactly 1.0, making retry
// schedules exact for assertions.
func midJitter() float64 { return 0.5 }

func newTestQueue(t *testing.T, conn Conn, cfg Config, store *Store) (*Queue, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	q, err := NewQueue(conn, cfg, Options{
		Store:  store,
		Clock:  clk,
		Logger: slog.New(slog.DiscardHandler),
		Random: midJitter,
	})
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	t.Cleanup(q.Close)
	return q, clk
}

func textMessage(t *testing.T, content string, now time.Time) Message {
	t.Helper()
	message, err := NewText(content, "user", now)
	if err != nil {
		t.Fatalf("NewText: %v", err)
	}
	return message
}

func waitUntil(t *testing.T, cond func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf(format, args...)
}

func TestEnqueueDeliversImmediately(t *testing.T) {
	conn := newStubConn()
	q, clk := newTestQueue(t, conn, Config{}, nil)

	message := textMessage(t, "hello", clk.Now())
	if err := q.Enqueue(context.Background(), message); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if got := conn.sentCount(); got != 1 {
		t.Fatalf("sent = %d, want 1", got)
	}
	if pending := q.Pending(); len(pending) != 0 {
		t.Fatalf("pending = %d items after immediate delivery", len(pending))
	}
}

// Three consecutive failures with a 1s base delay and multiplier 2
// must schedule retries at exactly +1s, +2s, +4s (jitter pinned to
// the middle of its band).
func TestRetryBackoffSchedule(t *testing.T) {
	conn := newStubConn()
	conn.failAll(errors.New("transport down"))
	q, clk := newTestQueue(t, conn, Config{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
	}, nil)

	message := textMessage(t, "hello", clk.Now())
	if err := q.Enqueue(context.Background(), message); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	for _, step := range []struct {
		attempts int
		delay    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
	} {
		pending := q.Pending()
		if len(pending) != 1 {
			t.Fatalf("pending = %d items, want 1", len(pending))
		}
		item := pending[0]
		if item.AttemptCount != step.attempts {
			t.Fatalf("attempts = %d, want %d", item.AttemptCount, step.attempts)
		}
		if want := clk.Now().Add(step.delay); !item.NextRetryAt.Equal(want) {
			t.Fatalf("attempt %d: next retry at %v, want %v", step.attempts, item.NextRetryAt, want)
		}
		clk.Advance(step.delay)
	}
}

func TestPermanentAfterMaxAttempts(t *testing.T) {
	conn := newStubConn()
	conn.failAll(errors.New("transport down"))
	q, clk := newTestQueue(t, conn, Config{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
	}, nil)

	message := textMessage(t, "doomed", clk.Now())
	if err := q.Enqueue(context.Background(), message); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	clk.Advance(time.Second)     // attempt 2
	clk.Advance(2 * time.Second) // attempt 3, budget spent

	if pending := q.Pending(); len(pending) != 0 {
		t.Fatalf("pending = %d items, want 0", len(pending))
	}
	failed := q.Failed()
	if len(failed) != 1 {
		t.Fatalf("failed = %d items, want 1", len(failed))
	}
	if !failed[0].IsPermanentFailure || failed[0].AttemptCount != 3 {
		t.Fatalf("failed item = %+v, want permanent after 3 attempts", failed[0])
	}
	if failed[0].FailureReason == "" {
		t.Fatal("permanent item has no failure reason")
	}

	// No automatic attempt ever runs again.
	clk.Advance(time.Hour)
	if got := conn.sentCount(); got != 0 {
		t.Fatalf("sent = %d after permanent failure, want 0", got)
	}
}

// A permanently failed message gets exactly one manual bonus attempt.
func TestManualRetryBonusAttempt(t *testing.T) {
	conn := newStubConn()
	conn.failAll(errors.New("transport down"))
	q, clk := newTestQueue(t, conn, Config{
		MaxAttempts: 2,
		BaseDelay:   time.Second,
	}, nil)

	message := textMessage(t, "stubborn", clk.Now())
	if err := q.Enqueue(context.Background(), message); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	clk.Advance(time.Second) // attempt 2, permanent

	// Bonus attempt fails too.
	if err := q.ManualRetry(context.Background(), message.ID); err == nil {
		t.Fatal("ManualRetry succeeded against a failing transport")
	}
	// The bonus is spent; a second manual retry is refused.
	if err := q.ManualRetry(context.Background(), message.ID); !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("second ManualRetry = %v, want ErrRetriesExhausted", err)
	}
	clk.Advance(time.Hour)
	if got := conn.sentCount(); got != 0 {
		t.Fatalf("sent = %d, want 0 (no automatic retry after bonus)", got)
	}
}

func TestManualRetryBonusDelivers(t *testing.T) {
	conn := newStubConn()
	conn.failAll(errors.New("transport down"))
	q, clk := newTestQueue(t, conn, Config{
		MaxAttempts: 2,
		BaseDelay:   time.Second,
	}, nil)

	message := textMessage(t, "eventually", clk.Now())
	if err := q.Enqueue(context.Background(), message); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	clk.Advance(time.Second) // permanent

	conn.failAll(nil)
	if err := q.ManualRetry(context.Background(), message.ID); err != nil {
		t.Fatalf("ManualRetry: %v", err)
	}
	if got := conn.sentCount(); got != 1 {
		t.Fatalf("sent = %d, want 1", got)
	}
	if failed := q.Failed(); len(failed) != 0 {
		t.Fatalf("failed = %d items after bonus delivery, want 0", len(failed))
	}
}

// A connection restore re-attempts everything pending immediately, in
// enqueue order, regardless of each item's scheduled retry time.
func TestConnectionRestoredRetriesInOrder(t *testing.T) {
	conn := newStubConn()
	conn.failAll(errors.New("transport down"))
	q, clk := newTestQueue(t, conn, Config{BaseDelay: time.Minute}, nil)

	var messages []Message
	for _, content := range []string{"first", "second", "third"} {
		message := textMessage(t, content, clk.Now())
		messages = append(messages, message)
		if err := q.Enqueue(context.Background(), message); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	conn.failAll(nil)
	conn.transitions <- connection.Transition{
		From: connection.StateReconnecting,
		To:   connection.StateConnected,
	}

	waitUntil(t, func() bool { return conn.sentCount() == 3 },
		"connection restore retried %d of 3", conn.sentCount())
	sent := conn.sentBodies()
	for i, message := range messages {
		if sent[i] != string(message.Payload) {
			t.Fatalf("send %d out of order", i)
		}
	}
	if pending := q.Pending(); len(pending) != 0 {
		t.Fatalf("pending = %d items after restore, want 0", len(pending))
	}
}

// Retries are per item: an earlier message still waiting or failing
// never blocks a later, independently eligible one.
func TestNoHeadOfLineBlocking(t *testing.T) {
	conn := newStubConn()
	q, clk := newTestQueue(t, conn, Config{BaseDelay: time.Second}, nil)

	blocked := textMessage(t, "blocked", clk.Now())
	conn.failBody(blocked.Payload, true)
	if err := q.Enqueue(context.Background(), blocked); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	clear := textMessage(t, "clear", clk.Now())
	conn.failBody(clear.Payload, true)
	if err := q.Enqueue(context.Background(), clear); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// The later message recovers; the earlier one keeps failing.
	conn.failBody(clear.Payload, false)
	clk.Advance(time.Second)

	if got := conn.sentBodies(); len(got) != 1 || got[0] != string(clear.Payload) {
		t.Fatalf("sent = %v, want just the later message", got)
	}
	pending := q.Pending()
	if len(pending) != 1 || pending[0].Message.ID != blocked.ID {
		t.Fatalf("pending = %+v, want just the earlier message", pending)
	}
}

// Pending items survive a restart: the new queue reloads them from
// the store and overdue items fire immediately.
func TestRestartReloadsAndFiresOverdue(t *testing.T) {
	store, err := OpenStore(t.TempDir()+"/queue.db", slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer store.Close()

	conn := newStubConn()
	conn.failAll(errors.New("transport down"))
	q, clk := newTestQueue(t, conn, Config{BaseDelay: time.Second}, store)

	first := textMessage(t, "persisted-1", clk.Now())
	second := textMessage(t, "persisted-2", clk.Now())
	for _, message := range []Message{first, second} {
		if err := q.Enqueue(context.Background(), message); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	q.Close()

	// The replacement process starts past the scheduled retry times;
	// both items are overdue and fire during construction.
	restartConn := newStubConn()
	restartClock := clock.Fake(time.Unix(1_700_000_000, 0).Add(time.Hour))
	restarted, err := NewQueue(restartConn, Config{BaseDelay: time.Second}, Options{
		Store:  store,
		Clock:  restartClock,
		Logger: slog.New(slog.DiscardHandler),
		Random: midJitter,
	})
	if err != nil {
		t.Fatalf("NewQueue after restart: %v", err)
	}
	defer restarted.Close()

	sent := restartConn.sentBodies()
	if len(sent) != 2 || sent[0] != string(first.Payload) || sent[1] != string(second.Payload) {
		t.Fatalf("resent %d messages, want both in enqueue order", len(sent))
	}
	if pending := restarted.Pending(); len(pending) != 0 {
		t.Fatalf("pending = %d items after overdue delivery, want 0", len(pending))
	}
}

func TestDismissRemovesPermanentFailure(t *testing.T) {
	conn := newStubConn()
	conn.failAll(errors.New("transport down"))
	q, clk := newTestQueue(t, conn, Config{MaxAttempts: 1}, nil)

	message := textMessage(t, "unwanted", clk.Now())
	if err := q.Enqueue(context.Background(), message); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if failed := q.Failed(); len(failed) != 1 {
		t.Fatalf("failed = %d items, want 1", len(failed))
	}
	if err := q.Dismiss(context.Background(), message.ID); err != nil {
		t.Fatalf("Dismiss: %v", err)
	}
	if failed := q.Failed(); len(failed) != 0 {
		t.Fatalf("failed = %d items after dismiss, want 0", len(failed))
	}
	if err := q.Dismiss(context.Background(), message.ID); !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("second Dismiss = %v, want ErrUnknownMessage", err)
	}
}

func TestSubscribeSeesLifecycle(t *testing.T) {
	conn := newStubConn()
	conn.failAll(errors.New("transport down"))
	q, clk := newTestQueue(t, conn, Config{MaxAttempts: 2, BaseDelay: time.Second}, nil)
	notices, unsubscribe := q.Subscribe()
	defer unsubscribe()

	message := textMessage(t, "watched", clk.Now())
	if err := q.Enqueue(context.Background(), message); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	clk.Advance(time.Second) // attempt 2, permanent

	want := []NoticeKind{NoticeRetryScheduled, NoticePermanentFailure}
	for i, kind := range want {
		select {
		case notice := <-notices:
			if notice.Kind != kind {
				t.Fatalf("notice %d = %s, want %s", i, notice.Kind, kind)
			}
		default:
			t.Fatalf("notice %d missing", i)
		}
	}
}
