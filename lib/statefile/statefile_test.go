// Copyright 2026 The BakeBot Authors
// SPDX-License-Identifier: Apache-2.0

package statefile

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type record struct {
	ID        string    `cbor:"id"`
	Attempts  int       `cbor:"attempts"`
	Timestamp time.Time `cbor:"timestamp"`
}

func TestWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "errors.state")

	in := record{ID: "err-1", Attempts: 3, Timestamp: time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)}
	if err := Write(path, in); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	var out record
	if err := Read(path, &out); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if out.ID != in.ID || out.Attempts != in.Attempts || !out.Timestamp.Equal(in.Timestamp) {
		t.Errorf("round trip mismatch: got %+v, want %+v", out, in)
	}
}

func TestWriteReplacesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "errors.state")

	if err := Write(path, record{ID: "old"}); err != nil {
		t.Fatalf("first Write failed: %v", err)
	}
	if err := Write(path, record{ID: "new"}); err != nil {
		t.Fatalf("second Write failed: %v", err)
	}

	var out record
	if err := Read(path, &out); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if out.ID != "new" {
		t.Errorf("ID = %q, want %q", out.ID, "new")
	}
}

func TestReadMissingWrapsNotExist(t *testing.T) {
	var out record
	err := Read(filepath.Join(t.TempDir(), "absent.state"), &out)
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("error = %v, want os.ErrNotExist", err)
	}
}

func TestWriteLeavesNoTemporaryFile(t *testing.T) {
	directory := t.TempDir()
	path := filepath.Join(directory, "errors.state")
	if err := Write(path, record{ID: "x"}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	entries, err := os.ReadDir(directory)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "errors.state" {
		t.Errorf("directory contains %v, want only errors.state", entries)
	}
}

func TestClearIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "errors.state")
	if err := Write(path, record{ID: "x"}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := Clear(path); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if err := Clear(path); err != nil {
		t.Errorf("Clear on missing file failed: %v", err)
	}
}
