package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/mark3labs/mcp-go/server"

	mcpadapter "github.com/kirillkom/evidence-core/internal/adapters/mcp"
	"github.com/kirillkom/evidence-core/internal/bootstrap"
	"github.com/kirillkom/evidence-core/internal/config"
	"github.com/kirillkom/evidence-core/internal/observability/logging"
)

var version = "dev"

func main() {
	cfg := config.Load()
	// stdout carries the MCP protocol.
	logger := logging.NewJSONLoggerTo(os.Stderr, "evidence-mcp", cfg.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	go app.Index.Watch(ctx, cfg.KeywordSyncInterval)

	srv := mcpadapter.NewServer(app.Retriever, app.Verifier, app.Cache, logger).MCPServer("evidence-core", version)
	if err := server.ServeStdio(srv); err != nil {
		logger.Error("mcp_server_failed", "error", err)
		os.Exit(1)
	}
}
