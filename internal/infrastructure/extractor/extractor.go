package extractor

import (
	"context"
	"fmt"

	"github.com/kirillkom/knowledge-server/internal/core/domain"
)

// FormatExtractor handles a single document format.
type FormatExtractor interface {
	Extract(raw []byte) (domain.UnitSeq, error)
}

// Router dispatches extraction by declared format.
type Router struct {
	byFormat map[domain.Format]FormatExtractor
}

func NewRouter(pdf, plaintext FormatExtractor) *Router {
	return &Router{byFormat: map[domain.Format]FormatExtractor{
		domain.FormatPDF:      pdf,
		domain.FormatText:     plaintext,
		domain.FormatMarkdown: plaintext,
	}}
}

func (r *Router) Extract(ctx context.Context, format domain.Format, raw []byte) (domain.UnitSeq, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ex, ok := r.byFormat[format]
	if !ok || ex == nil {
		return nil, domain.WrapError(domain.ErrUnsupportedFormat, "extract", fmt.Errorf("format %q", format))
	}
	return ex.Extract(raw)
}
