// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"
)

// Span attribute keys recorded by the runtime.
const (
	AttrAgentID      = "forge.agent.id"
	AttrAgentName    = "forge.agent.name"
	AttrAgentKind    = "forge.agent.kind"
	AttrUserID       = "forge.user.id"
	AttrSessionID    = "forge.session.id"
	AttrAppName      = "forge.app.name"
	AttrRunID        = "forge.run.id"
	AttrStartedAt    = "forge.execution.started_at"
	AttrSuccess      = "forge.execution.success"
	AttrDurationMs   = "forge.execution.duration_ms"
	AttrResponseLen  = "forge.response.length"
	AttrErrorMessage = "forge.error.message"
	AttrCallerPrefix = "forge.caller."

	AttrToolName      = "forge.tool.name"
	AttrToolKind      = "forge.tool.kind"
	AttrToolCallCount = "forge.tool.call_count"
	AttrToolNames     = "forge.tool.names"

	AttrLLMModel     = "gen_ai.request.model"
	AttrLLMCallCount = "gen_ai.call_count"
	AttrLLMTokensIn  = "gen_ai.usage.input_tokens"
	AttrLLMTokensOut = "gen_ai.usage.output_tokens"
	AttrEventType    = "forge.event.type"
	AttrEventAgent   = "forge.event.agent"
)

// ExecutionAttributes returns the identity attributes of one agent turn.
func ExecutionAttributes(agentID, userID, sessionID, appName string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.String(AttrAgentID, agentID)}
	if userID != "" {
		attrs = append(attrs, attribute.String(AttrUserID, userID))
	}
	if sessionID != "" {
		attrs = append(attrs, attribute.String(AttrSessionID, sessionID))
	}
	if appName != "" {
		attrs = append(attrs, attribute.String(AttrAppName, appName))
	}
	return attrs
}

// CallerAttributes renders caller-supplied key/values under the caller
// prefix, in key order so span output is stable.
func CallerAttributes(values map[string]any) []attribute.KeyValue {
	if len(values) == 0 {
		return nil
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	attrs := make([]attribute.KeyValue, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, anyAttribute(AttrCallerPrefix+k, values[k]))
	}
	return attrs
}

func anyAttribute(key string, v any) attribute.KeyValue {
	switch val := v.(type) {
	case string:
		return attribute.String(key, val)
	case bool:
		return attribute.Bool(key, val)
	case int:
		return attribute.Int(key, val)
	case int64:
		return attribute.Int64(key, val)
	case float64:
		return attribute.Float64(key, val)
	case []string:
		return attribute.StringSlice(key, val)
	default:
		return attribute.String(key, fmt.Sprint(val))
	}
}
