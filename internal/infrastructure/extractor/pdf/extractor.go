package pdf

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	ledpdf "github.com/ledongthuc/pdf"

	"github.com/kirillkom/knowledge-server/internal/core/domain"
)

// PageSource is the narrow view of a parsed PDF the extractor needs.
type PageSource interface {
	NumPage() int
	PageText(page int) (string, error)
}

// Extractor yields one unit per non-blank page. Pages are numbered from 1.
type Extractor struct {
	open func(raw []byte) (PageSource, error)
}

func NewExtractor() *Extractor {
	return &Extractor{open: OpenPages}
}

func (e *Extractor) Extract(raw []byte) (domain.UnitSeq, error) {
	if len(raw) == 0 {
		return nil, domain.WrapError(domain.ErrExtractionFailure, "extract pdf", errors.New("empty document"))
	}
	src, err := e.open(raw)
	if err != nil {
		return nil, domain.WrapError(domain.ErrExtractionFailure, "extract pdf", err)
	}

	return func(yield func(domain.Unit, error) bool) {
		for page := 1; page <= src.NumPage(); page++ {
			text, err := src.PageText(page)
			if err != nil {
				yield(domain.Unit{}, domain.WrapError(domain.ErrExtractionFailure, fmt.Sprintf("extract pdf page %d", page), err))
				return
			}
			text = strings.TrimSpace(text)
			if text == "" {
				continue
			}
			unit := domain.Unit{
				Text:    text,
				Locator: domain.Locator{Kind: domain.LocatorPage, Index: page},
			}
			if !yield(unit, nil) {
				return
			}
		}
	}, nil
}

// OpenPages parses raw PDF bytes with ledongthuc/pdf. The parser panics on
// some malformed inputs, so panics are reported as errors.
func OpenPages(raw []byte) (src PageSource, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			src = nil
			err = fmt.Errorf("parse pdf: %v", rec)
		}
	}()

	reader, err := ledpdf.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, fmt.Errorf("parse pdf: %w", err)
	}
	return &readerSource{reader: reader, pages: reader.NumPage()}, nil
}

type readerSource struct {
	reader *ledpdf.Reader
	pages  int
}

func (s *readerSource) NumPage() int {
	return s.pages
}

func (s *readerSource) PageText(page int) (text string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			text = ""
			err = fmt.Errorf("read page text: %v", rec)
		}
	}()

	p := s.reader.Page(page)
	if p.V.IsNull() {
		return "", nil
	}
	return p.GetPlainText(nil)
}
