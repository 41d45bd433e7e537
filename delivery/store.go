// Copyright 2026 The BakeBot Authors
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/zeebo/blake3"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bakebot-ai/realtime/lib/sqlitepool"
)

// storeSchema is the pending-message table. One row per undelivered
// item; rows are deleted on delivery, so a drained queue leaves an
// empty table.
const storeSchema = `
	CREATE TABLE IF NOT EXISTS pending_messages (
		message_id         TEXT PRIMARY KEY,
		seq                INTEGER NOT NULL,
		kind               TEXT NOT NULL,
		payload            BLOB NOT NULL,
		compression        INTEGER NOT NULL,
		uncompressed_size  INTEGER NOT NULL,
		checksum           BLOB NOT NULL,
		created_at         INTEGER NOT NULL,
		attempt_count      INTEGER NOT NULL,
		max_attempts       INTEGER NOT NULL,
		next_retry_at      INTEGER NOT NULL,
		base_delay_ms      INTEGER NOT NULL,
		max_delay_ms       INTEGER NOT NULL,
		backoff_multiplier REAL NOT NULL,
		permanent          INTEGER NOT NULL,
		bonus_used         INTEGER NOT NULL,
		failure_reason     TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS pending_messages_seq ON pending_messages (seq);
`

// Store persists retry queue items. It is the source of truth for
// pending messages across process restarts: the queue rebuilds its
// in-memory state from the store on startup, never the reverse.
type Store struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
}

// OpenStore opens (creating if needed) the queue database at path.
// The caller must Close the store when done.
func OpenStore(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   path,
		Logger: logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, storeSchema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("delivery: opening store: %w", err)
	}
	return &Store{pool: pool, logger: logger}, nil
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// Save upserts an item's full retry state. The payload is compressed
// per the message kind, falling back to uncompressed storage when
// compression does not help.
func (s *Store) Save(ctx context.Context, item *Item) error {
	stored, tag, err := compressPayload(item.Message.Payload, tagFor(item.Message.Kind))
	if err != nil {
		return fmt.Errorf("delivery: compressing payload for %s: %w", item.Message.ID, err)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	query := `
		INSERT INTO pending_messages (
			message_id, seq, kind, payload, compression, uncompressed_size,
			checksum, created_at, attempt_count, max_attempts, next_retry_at,
			base_delay_ms, max_delay_ms, backoff_multiplier, permanent,
			bonus_used, failure_reason
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (message_id) DO UPDATE SET
			attempt_count = excluded.attempt_count,
			next_retry_at = excluded.next_retry_at,
			permanent = excluded.permanent,
			bonus_used = excluded.bonus_used,
			failure_reason = excluded.failure_reason`
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: []any{
			item.Message.ID,
			item.seq,
			string(item.Message.Kind),
			stored,
			int(tag),
			len(item.Message.Payload),
			item.Message.Checksum[:],
			item.Message.CreatedAt.UnixMilli(),
			item.AttemptCount,
			item.MaxAttempts,
			item.NextRetryAt.UnixMilli(),
			item.BaseDelay.Milliseconds(),
			item.MaxDelay.Milliseconds(),
			item.BackoffMultiplier,
			boolToInt(item.IsPermanentFailure),
			boolToInt(item.BonusAttemptUsed),
			item.FailureReason,
		},
	})
	if err != nil {
		return fmt.Errorf("delivery: saving %s: %w", item.Message.ID, err)
	}
	return nil
}

// Delete removes a delivered (or dismissed) item.
func (s *Store) Delete(ctx context.Context, messageID string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `DELETE FROM pending_messages WHERE message_id = ?`,
		&sqlitex.ExecOptions{Args: []any{messageID}})
	if err != nil {
		return fmt.Errorf("delivery: deleting %s: %w", messageID, err)
	}
	return nil
}

// Load reads every persisted item in enqueue order. Rows whose payload
// fails decompression or checksum verification are skipped with a
// warning rather than poisoning the whole reload.
func (s *Store) Load(ctx context.Context) ([]*Item, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var items []*Item
	query := `
		SELECT message_id, seq, kind, payload, compression, uncompressed_size,
		       checksum, created_at, attempt_count, max_attempts, next_retry_at,
		       base_delay_ms, max_delay_ms, backoff_multiplier, permanent,
		       bonus_used, failure_reason
		FROM pending_messages ORDER BY seq`
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			item, err := itemFromRow(stmt)
			if err != nil {
				s.logger.Warn("skipping corrupt pending message",
					"message_id", stmt.ColumnText(0), "error", err)
				return nil
			}
			items = append(items, item)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("delivery: loading pending messages: %w", err)
	}
	return items, nil
}

func itemFromRow(stmt *sqlite.Stmt) (*Item, error) {
	stored := make([]byte, stmt.ColumnLen(3))
	stmt.ColumnBytes(3, stored)
	tag := compressionTag(stmt.ColumnInt64(4))
	uncompressedSize := int(stmt.ColumnInt64(5))

	payload, err := decompressPayload(stored, tag, uncompressedSize)
	if err != nil {
		return nil, err
	}

	var checksum [32]byte
	if stmt.ColumnLen(6) != len(checksum) {
		return nil, fmt.Errorf("checksum length %d", stmt.ColumnLen(6))
	}
	stmt.ColumnBytes(6, checksum[:])
	if blake3.Sum256(payload) != checksum {
		return nil, fmt.Errorf("checksum mismatch")
	}

	return &Item{
		Message: Message{
			ID:        stmt.ColumnText(0),
			Kind:      Kind(stmt.ColumnText(2)),
			Payload:   payload,
			Checksum:  checksum,
			CreatedAt: time.UnixMilli(stmt.ColumnInt64(7)),
		},
		seq:                stmt.ColumnInt64(1),
		AttemptCount:       int(stmt.ColumnInt64(8)),
		MaxAttempts:        int(stmt.ColumnInt64(9)),
		NextRetryAt:        time.UnixMilli(stmt.ColumnInt64(10)),
		BaseDelay:          time.Duration(stmt.ColumnInt64(11)) * time.Millisecond,
		MaxDelay:           time.Duration(stmt.ColumnInt64(12)) * time.Millisecond,
		BackoffMultiplier:  stmt.ColumnFloat(13),
		IsPermanentFailure: stmt.ColumnInt64(14) != 0,
		BonusAttemptUsed:   stmt.ColumnInt64(15) != 0,
		FailureReason:      stmt.ColumnText(16),
	}, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
