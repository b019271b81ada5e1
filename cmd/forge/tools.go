// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/jllopis/kairosforge/pkg/mcp"
)

func runTools(ctx context.Context, flags globalFlags, args []string) {
	if len(args) == 0 || args[0] != "list" {
		fatal(NewInvalidArgumentError(strings.Join(args, " "), "usage: forge tools list"))
	}
	ensureNoArgs(args[1:])

	cfg, err := loadConfig(flags)
	if err != nil {
		fatalJSON(err, flags.JSON)
	}
	a, err := newApp(ctx, cfg, os.Stderr)
	if err != nil {
		fatalJSON(err, flags.JSON)
	}
	defer a.Close(context.Background())

	summaries := a.service.ListTools(ctx)
	if flags.JSON {
		printJSON(summaries)
		return
	}
	writer := newTabWriter()
	writeRow(writer, "ID", "KIND", "BOUND", "DESCRIPTION")
	for _, s := range summaries {
		writeRow(writer, s.ID, string(s.Kind), fmt.Sprint(s.Bound), truncateMessage(s.Description, 60))
	}
	_ = writer.Flush()
}

func runMCP(ctx context.Context, flags globalFlags, args []string) {
	if len(args) == 0 {
		fatal(NewInvalidArgumentError("mcp", "usage: forge mcp serve | forge mcp list"))
	}
	switch args[0] {
	case "serve":
		runMCPServe(ctx, flags, args[1:])
	case "list":
		runMCPList(ctx, flags, args[1:])
	default:
		fatal(NewInvalidArgumentError(args[0], "unknown mcp command"))
	}
}

// runMCPServe publishes the registry on stdio. Logs go to stderr so stdout
// carries only the protocol.
func runMCPServe(ctx context.Context, flags globalFlags, args []string) {
	ensureNoArgs(args)
	cfg, err := loadConfig(flags)
	if err != nil {
		fatalJSON(err, flags.JSON)
	}
	cfg.Telemetry.Exporter = "none"
	a, err := newApp(ctx, cfg, os.Stderr)
	if err != nil {
		fatalJSON(err, flags.JSON)
	}
	defer a.Close(context.Background())

	if err := a.mcpServer.ServeStdio(); err != nil {
		fatal(NewStartupError(err, "mcp"))
	}
}

// runMCPList lists the tools of a remote MCP server, the same way opaque
// tools bound to it would see them.
func runMCPList(ctx context.Context, flags globalFlags, args []string) {
	cmd := flag.NewFlagSet("mcp list", flag.ContinueOnError)
	url := cmd.String("url", "", "Streamable HTTP endpoint of the server")
	command := cmd.String("command", "", "Command starting a stdio server")
	if err := cmd.Parse(args); err != nil {
		fatal(NewInvalidArgumentError("mcp list", err.Error()))
	}
	if (*url == "") == (*command == "") {
		fatal(NewInvalidArgumentError("mcp list", "exactly one of --url or --command is required"))
	}

	opts := []mcp.ClientOption{mcp.WithTimeout(flags.Timeout)}
	var (
		client *mcp.Client
		err    error
	)
	if *url != "" {
		client, err = mcp.NewClientWithStreamableHTTP(*url, opts...)
	} else {
		client, err = mcp.NewClientWithStdio(*command, cmd.Args(), opts...)
	}
	if err != nil {
		fatalJSON(NewStartupError(err, "mcp"), flags.JSON)
	}
	defer client.Close()

	listCtx, cancel := context.WithTimeout(ctx, flags.Timeout)
	defer cancel()
	tools, err := client.ListTools(listCtx)
	if err != nil {
		fatalJSON(NewStartupError(err, "mcp"), flags.JSON)
	}

	if flags.JSON {
		printJSON(tools)
		return
	}
	writer := newTabWriter()
	writeRow(writer, "TOOL", "DESCRIPTION")
	for _, t := range tools {
		writeRow(writer, t.Name, truncateMessage(t.Description, 70))
	}
	_ = writer.Flush()
}
