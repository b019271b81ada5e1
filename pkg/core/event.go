// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"context"
	"time"
)

// EventType identifies a turn event produced by a model backend.
type EventType string

const (
	EventLLMCall    EventType = "llm.call"
	EventToolCall   EventType = "tool.call"
	EventToolResult EventType = "tool.result"
	EventDelegation EventType = "agent.delegation"
	EventMessage    EventType = "agent.message"
	EventError      EventType = "agent.error"
)

// Event is one step of an agent turn.
type Event struct {
	Type      EventType
	Agent     string
	Content   string
	ToolName  string
	Final     bool
	Timestamp time.Time
	Payload   map[string]any
	Err       error
}

// IsFinalResponse reports whether the event closes the turn with text.
func (e Event) IsFinalResponse() bool {
	return e.Final && e.Content != ""
}

// NewEvent builds an event stamped with the current time.
func NewEvent(eventType EventType, agent string) Event {
	return Event{
		Type:      eventType,
		Agent:     agent,
		Timestamp: time.Now().UTC(),
	}
}

// EventEmitter receives turn events as they are observed.
type EventEmitter interface {
	Emit(ctx context.Context, event Event)
}

// EmitterFunc adapts a function to EventEmitter.
type EmitterFunc func(ctx context.Context, event Event)

// Emit implements EventEmitter.
func (f EmitterFunc) Emit(ctx context.Context, event Event) { f(ctx, event) }

// NoopEventEmitter discards events.
type NoopEventEmitter struct{}

// Emit implements EventEmitter.
func (NoopEventEmitter) Emit(_ context.Context, _ Event) {}
