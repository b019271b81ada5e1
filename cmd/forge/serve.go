// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jllopis/kairosforge/pkg/server"
)

func runServe(ctx context.Context, flags globalFlags, args []string) {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	addr := cmd.String("addr", "", "Listen address (default server.addr)")
	noMCP := cmd.Bool("no-mcp", false, "Do not mount the MCP endpoint at /mcp")
	if err := cmd.Parse(args); err != nil {
		fatal(NewInvalidArgumentError("serve", err.Error()))
	}
	ensureNoArgs(cmd.Args())

	cfg, err := loadConfig(flags)
	if err != nil {
		fatalJSON(err, flags.JSON)
	}
	a, err := newApp(ctx, cfg, os.Stderr)
	if err != nil {
		fatalJSON(err, flags.JSON)
	}
	defer a.Close(context.Background())

	opts := []server.Option{
		server.WithAllowedOrigins(cfg.Server.AllowedOrigins...),
		server.WithLogger(a.logger),
	}
	if !*noMCP {
		opts = append(opts, server.WithMCPHandler(a.mcpServer.HTTPHandler()))
	}

	listen := strings.TrimSpace(*addr)
	if listen == "" {
		listen = cfg.Server.Addr
	}
	httpServer := &http.Server{
		Addr:              listen,
		Handler:           server.New(a.service, opts...),
		ReadHeaderTimeout: 5 * time.Second,
	}

	if a.sweeper != nil {
		a.sweeper.Start()
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	a.logger.Info("forge.serve.start",
		slog.String("addr", listen),
		slog.String("store", cfg.Store.Driver),
		slog.String("llm_provider", cfg.LLM.Provider),
		slog.Int("tools", len(a.registry.List())),
	)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		fatal(NewStartupError(err, "server"))
	}
	a.logger.Info("forge.serve.stopped")
}
