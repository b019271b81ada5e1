// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/jllopis/kairosforge/pkg/core"
	"github.com/jllopis/kairosforge/pkg/runtime"
	"github.com/jllopis/kairosforge/pkg/service"
)

func runChat(ctx context.Context, flags globalFlags, args []string) {
	cmd := flag.NewFlagSet("chat", flag.ContinueOnError)
	agentID := cmd.String("agent", "", "Agent ID")
	prompt := cmd.String("prompt", "", "Single prompt to run (non-interactive)")
	sessionID := cmd.String("session", "", "Session ID to continue")
	userID := cmd.String("user", "", "User ID")
	verbose := cmd.Bool("verbose", false, "Print tool calls and delegations")
	if err := cmd.Parse(args); err != nil {
		fatal(NewInvalidArgumentError("chat", err.Error()))
	}
	if strings.TrimSpace(*agentID) == "" {
		fatal(NewInvalidArgumentError("--agent", "an agent id is required"))
	}

	cfg, err := loadConfig(flags)
	if err != nil {
		fatalJSON(err, flags.JSON)
	}
	a, err := newApp(ctx, cfg, os.Stderr)
	if err != nil {
		fatalJSON(err, flags.JSON)
	}
	defer a.Close(context.Background())

	c := &chatter{
		svc:     a.service,
		agentID: *agentID,
		session: *sessionID,
		user:    *userID,
		json:    flags.JSON,
		verbose: *verbose,
		out:     os.Stdout,
	}
	if *prompt != "" {
		if !c.turn(ctx, *prompt) {
			os.Exit(1)
		}
		return
	}
	interactive := isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd())
	c.loop(ctx, os.Stdin, interactive && !flags.JSON)
}

// chatter runs turns against one agent, carrying the session between them.
type chatter struct {
	svc     *service.Service
	agentID string
	session string
	user    string
	json    bool
	verbose bool
	out     io.Writer
}

func (c *chatter) turn(ctx context.Context, message string) bool {
	if c.verbose && !c.json {
		ctx = core.WithEmitter(ctx, core.EmitterFunc(c.trace))
	}
	res := c.svc.Chat(ctx, service.ChatRequest{
		AgentID:   c.agentID,
		Message:   message,
		SessionID: c.session,
		UserID:    c.user,
	})
	if id, ok := res.Metadata["session_id"].(string); ok && id != "" {
		c.session = id
	}
	c.print(res)
	return res.Success
}

func (c *chatter) print(res runtime.Result) {
	if c.json {
		printJSON(res)
		return
	}
	if res.Success {
		fmt.Fprintln(c.out, res.Response)
		return
	}
	fmt.Fprintf(os.Stderr, "Error [%s]: %s\n", res.Code, res.Error)
}

func (c *chatter) trace(_ context.Context, ev core.Event) {
	switch ev.Type {
	case core.EventToolCall:
		fmt.Fprintf(os.Stderr, "  -> %s %s\n", ev.ToolName, truncateMessage(ev.Content, 80))
	case core.EventToolResult:
		fmt.Fprintf(os.Stderr, "  <- %s %s\n", ev.ToolName, truncateMessage(ev.Content, 80))
	case core.EventDelegation:
		fmt.Fprintf(os.Stderr, "  => %s\n", ev.Agent)
	}
}

// loop reads one message per line until EOF, "exit" or cancellation.
func (c *chatter) loop(ctx context.Context, in io.Reader, interactive bool) {
	if interactive {
		fmt.Fprintf(c.out, "Chatting with %s. Type 'exit' or Ctrl+C to quit.\n", c.agentID)
	}
	scanner := bufio.NewScanner(in)
	for {
		if interactive {
			fmt.Fprint(c.out, "\n> ")
		}
		if ctx.Err() != nil || !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			break
		}
		c.turn(ctx, input)
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "Read error: %v\n", err)
	}
}
