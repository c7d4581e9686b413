package chunking

import (
	"strings"

	"github.com/kirillkom/knowledge-server/internal/core/domain"
)

const unitSeparator = "\n\n"

// Splitter packs extraction units into chunks of at most ChunkSize runes.
// Every chunk after the first starts with the trailing Overlap runes of the
// chunk before it.
type Splitter struct {
	ChunkSize int
	Overlap   int
}

func NewSplitter(chunkSize, overlap int) *Splitter {
	if chunkSize <= 0 {
		chunkSize = 900
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= chunkSize {
		overlap = chunkSize / 4
	}
	// A carried overlap plus the unit separator must leave room for new text.
	if limit := chunkSize - len(unitSeparator) - 1; overlap > limit {
		overlap = max(limit, 0)
	}
	return &Splitter{
		ChunkSize: chunkSize,
		Overlap:   overlap,
	}
}

func (s *Splitter) Chunk(units domain.UnitSeq) ([]domain.Chunk, error) {
	b := &chunkBuilder{size: s.ChunkSize, overlap: s.Overlap}
	for unit, err := range units {
		if err != nil {
			return nil, err
		}
		text := strings.TrimSpace(unit.Text)
		if text == "" {
			continue
		}
		b.add([]rune(text), unit.Locator)
	}
	b.flush()
	return b.out, nil
}

type chunkBuilder struct {
	size    int
	overlap int

	buf   []rune
	fresh bool
	loc   domain.Locator
	out   []domain.Chunk
}

func (b *chunkBuilder) add(unit []rune, loc domain.Locator) {
	if b.fits(len(unit), true) {
		b.appendUnit(unit, loc, true)
		return
	}
	if b.fresh {
		b.emit()
	}
	if b.fits(len(unit), true) {
		b.appendUnit(unit, loc, true)
		return
	}

	// The unit alone overflows the limit: cut it by length, seeding each
	// piece with the overlap carried from the previous chunk.
	remaining := unit
	separate := true
	for !b.fits(len(remaining), separate) {
		room := b.size - len(b.buf)
		if separate && len(b.buf) > 0 {
			room -= len(unitSeparator)
		}
		if room <= 0 {
			b.buf = nil
			room = b.size
		}
		b.appendUnit(remaining[:room], loc, separate)
		remaining = remaining[room:]
		separate = false
		b.emit()
	}
	if len(remaining) > 0 {
		b.appendUnit(remaining, loc, separate)
	}
}

func (b *chunkBuilder) fits(n int, separate bool) bool {
	total := len(b.buf) + n
	if separate && len(b.buf) > 0 {
		total += len(unitSeparator)
	}
	return total <= b.size
}

func (b *chunkBuilder) appendUnit(unit []rune, loc domain.Locator, separate bool) {
	if separate && len(b.buf) > 0 {
		b.buf = append(b.buf, []rune(unitSeparator)...)
	}
	b.buf = append(b.buf, unit...)
	if !b.fresh {
		b.loc = loc
	}
	b.fresh = true
}

func (b *chunkBuilder) emit() {
	text := string(b.buf)
	if strings.TrimSpace(text) != "" {
		b.out = append(b.out, domain.Chunk{
			Seq:     len(b.out),
			Text:    text,
			CharLen: len(b.buf),
			Locator: b.loc,
		})
	}
	b.buf = tail(b.buf, b.overlap)
	b.fresh = false
	b.loc = domain.Locator{}
}

func (b *chunkBuilder) flush() {
	if b.fresh {
		b.emit()
	}
}

func tail(runes []rune, n int) []rune {
	if n <= 0 {
		return nil
	}
	if len(runes) > n {
		runes = runes[len(runes)-n:]
	}
	out := make([]rune, len(runes))
	copy(out, runes)
	return out
}
