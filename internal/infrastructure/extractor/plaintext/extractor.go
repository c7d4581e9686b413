package plaintext

import (
	"bytes"
	"errors"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/kirillkom/knowledge-server/internal/core/domain"
)

var (
	utf8BOM        = []byte{0xEF, 0xBB, 0xBF}
	paragraphBreak = regexp.MustCompile(`\n[ \t]*\n`)
)

// Extractor yields one unit per blank-line separated paragraph of a UTF-8
// text or markdown document.
type Extractor struct{}

func NewExtractor() *Extractor {
	return &Extractor{}
}

func (e *Extractor) Extract(raw []byte) (domain.UnitSeq, error) {
	if !utf8.Valid(raw) {
		return nil, domain.WrapError(domain.ErrExtractionFailure, "extract plaintext", errors.New("document is not valid UTF-8"))
	}
	text := string(bytes.TrimPrefix(raw, utf8BOM))
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	return func(yield func(domain.Unit, error) bool) {
		index := 0
		for _, part := range paragraphBreak.Split(text, -1) {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			index++
			unit := domain.Unit{
				Text:    part,
				Locator: domain.Locator{Kind: domain.LocatorParagraph, Index: index},
			}
			if !yield(unit, nil) {
				return
			}
		}
	}, nil
}
