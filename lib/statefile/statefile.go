// Copyright 2026 The BakeBot Authors
// SPDX-License-Identifier: Apache-2.0

// Package statefile provides atomic CBOR state files for the small
// pieces of durable state that survive a client restart: the recovery
// engine's persisted errors and any component that needs a crash-safe
// single-record store without pulling in SQLite.
//
// Files are written to a temporary path in the same directory, fsynced,
// and renamed into place, so a reader never observes a partial or
// corrupt record. The parent directory is synced after the rename so
// the replacement survives power loss.
package statefile

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/bakebot-ai/realtime/lib/codec"
)

// Write atomically replaces the state file at path with the CBOR
// encoding of v. The file is created with mode 0600; the parent
// directory must exist.
func Write(path string, v any) error {
	data, err := codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}

	temporaryPath := path + ".tmp"
	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("creating temporary state file: %w", err)
	}

	// Write, sync, close, in that order. On any failure, remove the
	// temporary file and report the first error.
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("writing temporary state file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("syncing temporary state file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing temporary state file: %w", err)
	}

	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("renaming state file into place: %w", err)
	}

	// Sync the parent directory so the rename itself is durable.
	if parent, err := os.Open(filepath.Dir(path)); err == nil {
		parent.Sync()
		parent.Close()
	}

	return nil
}

// Read decodes the state file at path into v. When the file does not
// exist, the returned error wraps os.ErrNotExist (testable with
// errors.Is) and v is left untouched; callers treat that as "no
// persisted state yet".
func Read(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := codec.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding state file %s: %w", path, err)
	}
	return nil
}

// Clear removes the state file. Missing files are not an error.
func Clear(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing state file: %w", err)
	}
	return nil
}
