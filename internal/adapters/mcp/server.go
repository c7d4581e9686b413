// Package mcpadapter exposes the knowledge base to MCP clients as read-only
// tools, over streamable HTTP or stdio.
package mcpadapter

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/mark3labs/mcp-go/server"

	"github.com/kirillkom/knowledge-server/internal/core/ports"
	"github.com/kirillkom/knowledge-server/internal/observability/metrics"
)

const Version = "1.0.0"

type Options struct {
	Name    string
	Service string
	Metrics *metrics.HTTPServerMetrics
	Logger  *slog.Logger
}

type Server struct {
	searcher ports.KnowledgeSearcher
	catalog  ports.DocumentCatalog
	opts     Options
	logger   *slog.Logger
	mcp      *server.MCPServer
}

func NewServer(searcher ports.KnowledgeSearcher, catalog ports.DocumentCatalog, opts Options) *Server {
	if opts.Name == "" {
		opts.Name = "knowledge-server"
	}
	if opts.Service == "" {
		opts.Service = "mcp"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		searcher: searcher,
		catalog:  catalog,
		opts:     opts,
		logger:   logger,
		mcp: server.NewMCPServer(
			opts.Name,
			Version,
			server.WithToolCapabilities(false),
			server.WithRecovery(),
		),
	}
	s.registerTools()
	return s
}

// HTTPHandler serves the streamable HTTP transport; mount it at /mcp.
func (s *Server) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcp)
}

// ServeStdio blocks until ctx is cancelled or stdin is closed.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(s.mcp)
	return stdio.Listen(ctx, in, out)
}
