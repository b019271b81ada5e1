// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package errors provides the typed error taxonomy used across the tool
// builder, agent resolver and execution engine.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode classifies errors for monitoring, HTTP mapping and recovery.
type ErrorCode string

const (
	// CodeToolBuild marks a malformed tool definition or uncompilable source.
	CodeToolBuild ErrorCode = "TOOL_BUILD_ERROR"

	// CodeToolExecution marks a failure while running a compiled tool.
	// It never leaves the sandbox; it is rendered as tool output text.
	CodeToolExecution ErrorCode = "TOOL_EXECUTION_ERROR"

	// CodeAgentBuild marks a structural failure resolving an agent descriptor.
	CodeAgentBuild ErrorCode = "AGENT_BUILD_ERROR"

	// CodeExecution marks a failure during a live agent turn.
	CodeExecution ErrorCode = "EXECUTION_ERROR"

	// CodeTimeout indicates an operation exceeded its time limit.
	CodeTimeout ErrorCode = "TIMEOUT"

	// CodeNotFound indicates a resource was not found.
	CodeNotFound ErrorCode = "NOT_FOUND"

	// CodeInvalidInput indicates the input was invalid.
	CodeInvalidInput ErrorCode = "INVALID_INPUT"

	// CodeLLMError indicates an LLM provider error.
	CodeLLMError ErrorCode = "LLM_ERROR"

	// CodeSessionStore indicates a session persistence failure.
	CodeSessionStore ErrorCode = "SESSION_ERROR"

	// CodeInternal indicates an internal system error.
	CodeInternal ErrorCode = "INTERNAL_ERROR"
)

// ForgeError is a typed error with context for observability.
// It can be matched with errors.As and unwrapped with errors.Unwrap.
type ForgeError struct {
	Code        ErrorCode
	Message     string
	Err         error
	Context     map[string]any
	Attributes  map[string]string
	Recoverable bool
	StatusCode  int
}

// Error implements the error interface.
func (e *ForgeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *ForgeError) Unwrap() error {
	return e.Err
}

// MarshalJSON renders the error for structured logs and API payloads.
func (e *ForgeError) MarshalJSON() ([]byte, error) {
	out := struct {
		Code        string            `json:"code"`
		Message     string            `json:"message"`
		Cause       string            `json:"cause,omitempty"`
		Context     map[string]any    `json:"context,omitempty"`
		Attributes  map[string]string `json:"attributes,omitempty"`
		Recoverable bool              `json:"recoverable"`
	}{
		Code:        string(e.Code),
		Message:     e.Message,
		Context:     e.Context,
		Attributes:  e.Attributes,
		Recoverable: e.Recoverable,
	}
	if e.Err != nil {
		out.Cause = e.Err.Error()
	}
	return json.Marshal(out)
}

// New creates a ForgeError with the given code, message and cause.
func New(code ErrorCode, msg string, cause error) *ForgeError {
	return &ForgeError{
		Code:       code,
		Message:    msg,
		Err:        cause,
		Context:    make(map[string]any),
		Attributes: make(map[string]string),
		StatusCode: codeToStatusCode(code),
	}
}

// Newf is New with a formatted message and no cause.
func Newf(code ErrorCode, format string, args ...any) *ForgeError {
	return New(code, fmt.Sprintf(format, args...), nil)
}

// WithContext adds a key-value pair to the error context.
func (e *ForgeError) WithContext(key string, value any) *ForgeError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithAttribute adds a string attribute recorded on spans.
func (e *ForgeError) WithAttribute(key, value string) *ForgeError {
	if e.Attributes == nil {
		e.Attributes = make(map[string]string)
	}
	e.Attributes[key] = value
	return e
}

// WithRecoverable sets whether the caller may retry.
func (e *ForgeError) WithRecoverable(recoverable bool) *ForgeError {
	e.Recoverable = recoverable
	return e
}

// AsForgeError returns err as a ForgeError, wrapping unknown errors as internal.
func AsForgeError(err error) *ForgeError {
	if err == nil {
		return nil
	}
	var fe *ForgeError
	if stderrors.As(err, &fe) {
		return fe
	}
	return New(CodeInternal, "wrapped error", err)
}

// IsCode reports whether any ForgeError in err's chain carries code.
func IsCode(err error, code ErrorCode) bool {
	var fe *ForgeError
	for err != nil {
		if !stderrors.As(err, &fe) {
			return false
		}
		if fe.Code == code {
			return true
		}
		err = fe.Err
	}
	return false
}

// StatusCode returns the HTTP status for err, 500 when it is not typed.
func StatusCode(err error) int {
	var fe *ForgeError
	if stderrors.As(err, &fe) && fe.StatusCode != 0 {
		return fe.StatusCode
	}
	return http.StatusInternalServerError
}

func codeToStatusCode(code ErrorCode) int {
	switch code {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidInput, CodeToolBuild, CodeAgentBuild:
		return http.StatusBadRequest
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeLLMError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
