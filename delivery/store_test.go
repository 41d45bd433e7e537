// Copyright 2026 The BakeBot Authors
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(t.TempDir()+"/queue.db", slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// Persisting items and reloading them must yield an equivalent set:
// same ids, payloads, and retry state, in enqueue order.
func TestStoreRoundTrip(t *testing.T) {
	store := openTestStore(t)
	now := time.Unix(1_700_000_000, 0)

	text := textMessage(t, "compress me, I am a long repetitive repetitive repetitive payload", now)
	image, err := NewImage(bytes.Repeat([]byte{0x89, 0x50, 0x4e, 0x47}, 64), "image/png", "", now)
	if err != nil {
		t.Fatalf("NewImage: %v", err)
	}

	items := []*Item{
		{
			Message:           text,
			AttemptCount:      2,
			MaxAttempts:       5,
			NextRetryAt:       now.Add(2 * time.Second),
			BaseDelay:         time.Second,
			MaxDelay:          30 * time.Second,
			BackoffMultiplier: 2,
			FailureReason:     "transport down",
			seq:               0,
		},
		{
			Message:            image,
			AttemptCount:       5,
			MaxAttempts:        5,
			NextRetryAt:        now.Add(16 * time.Second),
			BaseDelay:          time.Second,
			MaxDelay:           30 * time.Second,
			BackoffMultiplier:  2,
			IsPermanentFailure: true,
			BonusAttemptUsed:   true,
			FailureReason:      "still down",
			seq:                1,
		},
	}
	for _, item := range items {
		if err := store.Save(context.Background(), item); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	loaded, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != len(items) {
		t.Fatalf("loaded %d items, want %d", len(loaded), len(items))
	}
	for i, want := range items {
		got := loaded[i]
		if got.Message.ID != want.Message.ID {
			t.Fatalf("item %d: id %q, want %q", i, got.Message.ID, want.Message.ID)
		}
		if !bytes.Equal(got.Message.Payload, want.Message.Payload) {
			t.Fatalf("item %d: payload mismatch after reload", i)
		}
		if got.Message.Checksum != want.Message.Checksum {
			t.Fatalf("item %d: checksum mismatch", i)
		}
		if got.AttemptCount != want.AttemptCount ||
			got.IsPermanentFailure != want.IsPermanentFailure ||
			got.BonusAttemptUsed != want.BonusAttemptUsed {
			t.Fatalf("item %d: retry state %+v, want %+v", i, got, want)
		}
		if !got.NextRetryAt.Equal(want.NextRetryAt) {
			t.Fatalf("item %d: next retry at %v, want %v", i, got.NextRetryAt, want.NextRetryAt)
		}
		if got.seq != want.seq {
			t.Fatalf("item %d: seq %d, want %d", i, got.seq, want.seq)
		}
	}
}

func TestStoreSaveUpdatesRetryState(t *testing.T) {
	store := openTestStore(t)
	now := time.Unix(1_700_000_000, 0)

	item := &Item{
		Message:           textMessage(t, "mutating", now),
		AttemptCount:      1,
		MaxAttempts:       5,
		NextRetryAt:       now.Add(time.Second),
		BaseDelay:         time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2,
	}
	if err := store.Save(context.Background(), item); err != nil {
		t.Fatalf("Save: %v", err)
	}
	item.AttemptCount = 3
	item.NextRetryAt = now.Add(4 * time.Second)
	item.FailureReason = "again"
	if err := store.Save(context.Background(), item); err != nil {
		t.Fatalf("Save update: %v", err)
	}

	loaded, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("loaded %d items, want 1 (upsert, not duplicate)", len(loaded))
	}
	if loaded[0].AttemptCount != 3 || loaded[0].FailureReason != "again" {
		t.Fatalf("loaded = %+v, want updated retry state", loaded[0])
	}
}

func TestStoreDelete(t *testing.T) {
	store := openTestStore(t)
	now := time.Unix(1_700_000_000, 0)

	item := &Item{
		Message:           textMessage(t, "ephemeral", now),
		AttemptCount:      1,
		MaxAttempts:       5,
		NextRetryAt:       now.Add(time.Second),
		BaseDelay:         time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2,
	}
	if err := store.Save(context.Background(), item); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := store.Delete(context.Background(), item.Message.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	loaded, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 0 {
		t.Fatalf("loaded %d items after delete, want 0", len(loaded))
	}
}
