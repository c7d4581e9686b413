// Command mcp-stdio serves the knowledge tools over stdin/stdout for MCP
// clients that spawn their servers as subprocesses. It reads the same
// metadata store and vector index as the API but never ingests.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	mcpadapter "github.com/kirillkom/knowledge-server/internal/adapters/mcp"
	"github.com/kirillkom/knowledge-server/internal/bootstrap"
	"github.com/kirillkom/knowledge-server/internal/config"
	"github.com/kirillkom/knowledge-server/internal/observability/logging"
)

const service = "mcp-stdio"

func main() {
	logger := logging.NewJSONLoggerTo(os.Stderr, service, "info")
	cfg, err := config.Load()
	if err != nil {
		logger.Error("config_invalid", "error", err)
		os.Exit(1)
	}
	logger = logging.NewJSONLoggerTo(os.Stderr, service, cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	srv := mcpadapter.NewServer(app.SearchUC, app.CatalogUC, mcpadapter.Options{
		Service: service,
		Logger:  logger,
	})
	if err := srv.ServeStdio(ctx, os.Stdin, os.Stdout); err != nil && ctx.Err() == nil {
		logger.Error("mcp_stdio_failed", "error", err)
		os.Exit(1)
	}
}
