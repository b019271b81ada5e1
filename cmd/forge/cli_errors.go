// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/jllopis/kairosforge/pkg/errors"
)

// CLIError wraps ForgeError with a hint for the user.
type CLIError struct {
	*errors.ForgeError
	Hint string
}

// NewCLIError creates a new CLI error.
func NewCLIError(fe *errors.ForgeError, hint string) *CLIError {
	return &CLIError{ForgeError: fe, Hint: hint}
}

// Error returns the message followed by the hint.
func (e *CLIError) Error() string {
	if e.ForgeError == nil {
		return "unknown error"
	}
	msg := e.ForgeError.Error()
	if e.Hint != "" {
		msg += "\n  Hint: " + e.Hint
	}
	return msg
}

// PrintError writes the error to stderr.
func (e *CLIError) PrintError(asJSON bool) {
	if asJSON {
		payload, _ := json.Marshal(map[string]any{"error": map[string]string{
			"code":    string(e.Code),
			"message": e.Message,
			"hint":    e.Hint,
		}})
		fmt.Fprintln(os.Stderr, string(payload))
		return
	}
	fmt.Fprintf(os.Stderr, "Error [%s]: %s\n", e.Code, e.Message)
	if e.Err != nil {
		fmt.Fprintf(os.Stderr, "  Cause: %v\n", e.Err)
	}
	if e.Hint != "" {
		fmt.Fprintf(os.Stderr, "  Hint: %s\n", e.Hint)
	}
}

// NewInvalidArgumentError reports a bad command line.
func NewInvalidArgumentError(arg, reason string) *CLIError {
	fe := errors.New(errors.CodeInvalidInput, "invalid argument: "+reason, nil).
		WithContext("argument", arg)
	return NewCLIError(fe, "run 'forge help' for usage information")
}

// NewConfigError reports a configuration that could not be loaded.
func NewConfigError(err error, configPath string) *CLIError {
	fe := errors.New(errors.CodeInvalidInput, "configuration error", err).
		WithContext("config_path", configPath)
	hint := "check the --set overrides and FORGE_ environment variables"
	if configPath != "" {
		hint = fmt.Sprintf("check %s for syntax errors", configPath)
	}
	return NewCLIError(fe, hint)
}

// NewStartupError reports a component that failed to initialise.
func NewStartupError(err error, component string) *CLIError {
	fe := errors.AsForgeError(err).WithContext("component", component)
	return NewCLIError(fe, fmt.Sprintf("check the %s settings", component))
}

// fatal prints err and exits with status 1.
func fatal(err error) {
	fatalJSON(err, false)
}

func fatalJSON(err error, asJSON bool) {
	if cliErr, ok := err.(*CLIError); ok {
		cliErr.PrintError(asJSON)
	} else {
		NewCLIError(errors.AsForgeError(err), "").PrintError(asJSON)
	}
	os.Exit(1)
}
