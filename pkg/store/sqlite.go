// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jllopis/kairosforge/pkg/agent"
	"github.com/jllopis/kairosforge/pkg/core"
	"github.com/jllopis/kairosforge/pkg/errors"
)

// SQLiteStore persists descriptors as JSON documents in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens dsn with the modernc driver.
func OpenSQLite(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.New(errors.CodeInternal, "open sqlite", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.New(errors.CodeInternal, "ping sqlite", err)
	}
	return db, nil
}

// NewSQLiteStore creates a SQLite-backed descriptor store and ensures schema.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, stderrors.New("db is nil")
	}
	if err := ensureDescriptorSchema(db); err != nil {
		return nil, fmt.Errorf("descriptor schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) put(ctx context.Context, kind, id string, v any) error {
	if err := requireID(kind, id); err != nil {
		return err
	}
	data, err := encode(v)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO descriptors (kind, id, doc, updated_at, deleted_at)
		VALUES (?, ?, ?, ?, NULL)
		ON CONFLICT(kind, id) DO UPDATE SET
			doc = excluded.doc,
			updated_at = excluded.updated_at,
			deleted_at = NULL
	`, kind, id, string(data), time.Now().UTC().UnixNano())
	if err != nil {
		return errors.New(errors.CodeInternal, fmt.Sprintf("save %s %q", kind, id), err)
	}
	return nil
}

func (s *SQLiteStore) get(ctx context.Context, kind, id string) ([]byte, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `
		SELECT doc FROM descriptors WHERE kind = ? AND id = ? AND deleted_at IS NULL
	`, kind, id).Scan(&doc)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, notFound(kind, id)
	}
	if err != nil {
		return nil, errors.New(errors.CodeInternal, fmt.Sprintf("load %s %q", kind, id), err)
	}
	return []byte(doc), nil
}

func (s *SQLiteStore) list(ctx context.Context, kind string) ([][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT doc FROM descriptors WHERE kind = ? AND deleted_at IS NULL ORDER BY id ASC
	`, kind)
	if err != nil {
		return nil, errors.New(errors.CodeInternal, "list "+kind+"s", err)
	}
	defer rows.Close()
	var out [][]byte
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		out = append(out, []byte(doc))
	}
	return out, rows.Err()
}

func (s *SQLiteStore) remove(ctx context.Context, kind, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE descriptors SET deleted_at = ? WHERE kind = ? AND id = ? AND deleted_at IS NULL
	`, time.Now().UTC().UnixNano(), kind, id)
	if err != nil {
		return errors.New(errors.CodeInternal, fmt.Sprintf("delete %s %q", kind, id), err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return notFound(kind, id)
	}
	return nil
}

// SaveAgent implements AgentStore.
func (s *SQLiteStore) SaveAgent(ctx context.Context, desc agent.Descriptor) error {
	return s.put(ctx, kindAgent, desc.ID, desc)
}

// GetAgent implements AgentStore.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*agent.Descriptor, error) {
	data, err := s.get(ctx, kindAgent, id)
	if err != nil {
		return nil, err
	}
	d, err := decodeAgent(data)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ListAgents implements AgentStore.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]agent.Descriptor, error) {
	docs, err := s.list(ctx, kindAgent)
	if err != nil {
		return nil, err
	}
	out := make([]agent.Descriptor, 0, len(docs))
	for _, data := range docs {
		d, err := decodeAgent(data)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// DeleteAgent implements AgentStore.
func (s *SQLiteStore) DeleteAgent(ctx context.Context, id string) error {
	return s.remove(ctx, kindAgent, id)
}

// SaveTool implements ToolStore.
func (s *SQLiteStore) SaveTool(ctx context.Context, def core.ToolDefinition) error {
	return s.put(ctx, kindTool, def.ID, def)
}

// GetTool implements ToolStore.
func (s *SQLiteStore) GetTool(ctx context.Context, id string) (*core.ToolDefinition, error) {
	data, err := s.get(ctx, kindTool, id)
	if err != nil {
		return nil, err
	}
	d, err := decodeTool(data)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ListTools implements ToolStore.
func (s *SQLiteStore) ListTools(ctx context.Context) ([]core.ToolDefinition, error) {
	docs, err := s.list(ctx, kindTool)
	if err != nil {
		return nil, err
	}
	out := make([]core.ToolDefinition, 0, len(docs))
	for _, data := range docs {
		d, err := decodeTool(data)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// DeleteTool implements ToolStore.
func (s *SQLiteStore) DeleteTool(ctx context.Context, id string) error {
	return s.remove(ctx, kindTool, id)
}

func ensureDescriptorSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS descriptors (
			kind TEXT NOT NULL,
			id TEXT NOT NULL,
			doc TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			deleted_at INTEGER,
			PRIMARY KEY (kind, id)
		);
		CREATE INDEX IF NOT EXISTS idx_descriptors_live ON descriptors(kind, deleted_at);
	`)
	return err
}
