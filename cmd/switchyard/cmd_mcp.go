package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/HerbHall/switchyard/internal/mcp"
	"go.uber.org/zap"
)

// runMCPStdio runs the plugin set in-process and serves its tools over
// stdio for desktop MCP clients. Logs go to stderr; stdout carries the
// protocol.
func runMCPStdio(args []string) {
	fs := flag.NewFlagSet("mcp", flag.ExitOnError)
	configPath := fs.String("config", "", "path to configuration file")
	_ = fs.Parse(args)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := bootstrap(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start: %v\n", err)
		os.Exit(1)
	}
	defer a.close()

	if err := a.startPlugins(ctx); err != nil {
		a.stopPlugins(context.Background())
		fmt.Fprintf(os.Stderr, "failed to start plugins: %v\n", err)
		os.Exit(1)
	}
	defer a.stopPlugins(context.Background())

	srv, err := newMCPServer(ctx, a, mcp.CallerStdio)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create mcp server: %v\n", err)
		os.Exit(1)
	}
	stopWatch := srv.Watch(a.bus)
	defer stopWatch()

	a.logger.Info("mcp stdio server ready", zap.Int("tools", len(srv.ToolNames())))
	if err := srv.Run(ctx); err != nil && ctx.Err() == nil {
		a.logger.Error("mcp server error", zap.Error(err))
	}
}
