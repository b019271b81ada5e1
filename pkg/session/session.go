// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package session stores chat sessions: ordered user/assistant messages
// keyed by an opaque session id.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Roles recorded in a session.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

var (
	// ErrSessionExists is returned by Create when the id is taken.
	ErrSessionExists = errors.New("session already exists")
	// ErrNotFound is returned for unknown session ids.
	ErrNotFound = errors.New("session not found")
)

// Message is one chat turn.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// NewMessage stamps a message with a fresh id and the current time.
func NewMessage(role, content string) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

// Session is a conversation owned by a user.
type Session struct {
	ID        string    `json:"session_id"`
	UserID    string    `json:"user_id,omitempty"`
	AppName   string    `json:"app_name,omitempty"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store persists sessions. Append adds messages in order; it does not
// serialise concurrent callers against the same session.
type Store interface {
	Create(ctx context.Context, s Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Append(ctx context.Context, sessionID string, msgs ...Message) error
	Delete(ctx context.Context, id string) error
}

// Expirer removes sessions idle since before a cutoff.
type Expirer interface {
	ExpireIdle(ctx context.Context, before time.Time) (int, error)
}

// EnsureExists creates the session when absent. A concurrent creator
// winning the race is not an error.
func EnsureExists(ctx context.Context, store Store, s Session) error {
	if _, err := store.Get(ctx, s.ID); err == nil {
		return nil
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	if err := store.Create(ctx, s); err != nil && !errors.Is(err, ErrSessionExists) {
		return err
	}
	return nil
}

// Window keeps the last n messages of a history. n <= 0 keeps everything.
func Window(msgs []Message, n int) []Message {
	if n <= 0 || len(msgs) <= n {
		return msgs
	}
	return msgs[len(msgs)-n:]
}

func prepare(sessionID string, msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		if m.Timestamp.IsZero() {
			m.Timestamp = time.Now().UTC()
		}
		m.SessionID = sessionID
		out[i] = m
	}
	return out
}
