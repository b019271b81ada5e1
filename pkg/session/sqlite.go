// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists sessions in SQLite. Timestamps are stored as Unix
// nanoseconds in UTC.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a SQLite-backed session store and ensures schema.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New("db is nil")
	}
	if err := ensureSessionSchema(db); err != nil {
		return nil, fmt.Errorf("session schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Create implements Store.
func (s *SQLiteStore) Create(ctx context.Context, sess Session) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	created := sess.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO chat_sessions (id, user_id, app_name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, sess.ID, sess.UserID, sess.AppName, created.UnixNano(), created.UnixNano())
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrSessionExists
	}
	if err := insertMessages(ctx, tx, sess.ID, 0, prepare(sess.ID, sess.Messages)); err != nil {
		return err
	}
	return tx.Commit()
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Session, error) {
	var (
		sess             Session
		created, updated int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, app_name, created_at, updated_at FROM chat_sessions WHERE id = ?
	`, id).Scan(&sess.ID, &sess.UserID, &sess.AppName, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sess.CreatedAt = fromNanos(created)
	sess.UpdatedAt = fromNanos(updated)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, content, created_at FROM chat_messages
		WHERE session_id = ? ORDER BY seq ASC
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	sess.Messages = []Message{}
	for rows.Next() {
		var (
			msg Message
			ts  int64
		)
		if err := rows.Scan(&msg.ID, &msg.Role, &msg.Content, &ts); err != nil {
			return nil, err
		}
		msg.SessionID = id
		msg.Timestamp = fromNanos(ts)
		sess.Messages = append(sess.Messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &sess, nil
}

// Append implements Store.
func (s *SQLiteStore) Append(ctx context.Context, sessionID string, msgs ...Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE chat_sessions SET updated_at = ? WHERE id = ?`,
		time.Now().UTC().UnixNano(), sessionID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrNotFound
	}

	var next int64
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) FROM chat_messages WHERE session_id = ?
	`, sessionID).Scan(&next); err != nil {
		return err
	}
	if err := insertMessages(ctx, tx, sessionID, next, prepare(sessionID, msgs)); err != nil {
		return err
	}
	return tx.Commit()
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM chat_messages WHERE session_id = ?`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM chat_sessions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// ExpireIdle implements Expirer.
func (s *SQLiteStore) ExpireIdle(ctx context.Context, before time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()
	cutoff := before.UnixNano()
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM chat_messages WHERE session_id IN (
			SELECT id FROM chat_sessions WHERE updated_at < ?
		)`, cutoff); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM chat_sessions WHERE updated_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), tx.Commit()
}

func insertMessages(ctx context.Context, tx *sql.Tx, sessionID string, after int64, msgs []Message) error {
	for i, m := range msgs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO chat_messages (id, session_id, seq, role, content, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, m.ID, sessionID, after+int64(i)+1, m.Role, m.Content, m.Timestamp.UnixNano()); err != nil {
			return err
		}
	}
	return nil
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func ensureSessionSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS chat_sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL DEFAULT '',
			app_name TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS chat_messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			UNIQUE(session_id, seq)
		);
		CREATE INDEX IF NOT EXISTS idx_chat_messages_session ON chat_messages(session_id, seq);
	`)
	return err
}

var _ Store = (*SQLiteStore)(nil)
var _ Store = (*MemoryStore)(nil)
