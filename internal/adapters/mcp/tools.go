package mcpadapter

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kirillkom/knowledge-server/internal/core/domain"
)

const (
	toolSearchKnowledge = "search_knowledge"
	toolListDocuments   = "list_documents"

	snippetRunes = 500
)

type SearchOutput struct {
	Query   string                `json:"query"`
	Count   int                   `json:"count"`
	Results []domain.SearchResult `json:"results"`
}

type ListOutput struct {
	Count     int               `json:"count"`
	Documents []domain.Document `json:"documents"`
}

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool(toolSearchKnowledge,
		mcp.WithDescription("Search the knowledge base for passages similar to the query"),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search query")),
		mcp.WithNumber("k", mcp.Description("Maximum number of results"), mcp.DefaultNumber(domain.DefaultSearchK)),
		mcp.WithNumber("limit", mcp.Description("Alias of k")),
		mcp.WithString("domain", mcp.Description("Knowledge domain to search; the server default when omitted")),
		mcp.WithObject("filters",
			mcp.Description("Optional exact-match filters"),
			mcp.Properties(map[string]any{
				"filename": map[string]any{"type": "string", "description": "Original file name"},
				"tag":      map[string]any{"type": "string", "description": "Document tag"},
				"format":   map[string]any{"type": "string", "description": "pdf, txt or md"},
			}),
		),
	), s.instrument(toolSearchKnowledge, s.handleSearch))

	s.mcp.AddTool(mcp.NewTool(toolListDocuments,
		mcp.WithDescription("List documents in the knowledge base"),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithString("domain", mcp.Description("Restrict to one knowledge domain")),
		mcp.WithString("status", mcp.Description("received, extracting, chunking, embedding, indexed or failed")),
		mcp.WithString("tag", mcp.Description("Restrict to documents carrying this tag")),
	), s.instrument(toolListDocuments, s.handleListDocuments))
}

type toolHandler = func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)

// instrument turns use case errors into tool-level error results so the
// client sees the message instead of an empty success.
func (s *Server) instrument(tool string, next toolHandler) toolHandler {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		result, err := next(ctx, req)
		status := "ok"
		if err != nil {
			status = "error"
			s.logger.Warn("mcp_tool_failed", "tool", tool, "error_kind", domain.KindOf(err), "error", err)
			result = mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", tool, err))
		}
		if s.opts.Metrics != nil {
			s.opts.Metrics.RecordToolCall(s.opts.Service, tool, status)
		}
		return result, nil
	}
}

func (s *Server) handleSearch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "search_knowledge", err)
	}
	k := req.GetInt("k", 0)
	if k == 0 {
		k = req.GetInt("limit", 0)
	}

	results, err := s.searcher.Search(ctx, domain.SearchQuery{
		Query:   query,
		K:       k,
		Domain:  req.GetString("domain", ""),
		Filters: searchFilters(req.GetArguments()),
	})
	if err != nil {
		return nil, err
	}

	out := SearchOutput{Query: query, Count: len(results), Results: results}
	return mcp.NewToolResultStructured(out, formatResults(query, results)), nil
}

func (s *Server) handleListDocuments(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	docs, err := s.catalog.ListDocuments(ctx, domain.DocumentFilter{
		Domain: req.GetString("domain", ""),
		Status: domain.DocumentStatus(req.GetString("status", "")),
		Tag:    req.GetString("tag", ""),
	})
	if err != nil {
		return nil, err
	}
	if docs == nil {
		docs = []domain.Document{}
	}

	out := ListOutput{Count: len(docs), Documents: docs}
	return mcp.NewToolResultStructured(out, formatDocuments(docs)), nil
}

func searchFilters(args map[string]any) domain.SearchFilters {
	raw, _ := args["filters"].(map[string]any)
	str := func(key string) string {
		v, _ := raw[key].(string)
		return v
	}
	return domain.SearchFilters{
		Filename: str("filename"),
		Tag:      str("tag"),
		Format:   domain.Format(str("format")),
	}
}

func formatResults(query string, results []domain.SearchResult) string {
	if len(results) == 0 {
		return fmt.Sprintf("No results found for query: %q", query)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Found %d results for query: %q\n", len(results), query)
	for i, r := range results {
		fmt.Fprintf(&b, "\nResult %d (score %.2f)\nSource: %s", i+1, r.Score, r.Document.Filename)
		if r.Locator != nil {
			fmt.Fprintf(&b, " (%s %d)", r.Locator.Kind, r.Locator.Index)
		}
		fmt.Fprintf(&b, "\nContent: %s\n", snippet(r.Text))
	}
	return b.String()
}

func formatDocuments(docs []domain.Document) string {
	if len(docs) == 0 {
		return "No documents found"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d documents\n", len(docs))
	for _, d := range docs {
		fmt.Fprintf(&b, "- %s [%s] %s status=%s chunks=%d", d.Filename, d.Domain, d.Hash, d.Status, d.ChunkCount)
		if len(d.Tags) > 0 {
			fmt.Fprintf(&b, " tags=%s", strings.Join(d.Tags, ","))
		}
		if d.Error != "" {
			fmt.Fprintf(&b, " error=%q", d.Error)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func snippet(text string) string {
	runes := []rune(text)
	if len(runes) <= snippetRunes {
		return text
	}
	return string(runes[:snippetRunes]) + "..."
}
