package domain

const (
	DefaultSearchK = 5
	MaxSearchK     = 50
)

type SearchFilters struct {
	Filename string `json:"filename,omitempty"`
	Tag      string `json:"tag,omitempty"`
	Format   Format `json:"format,omitempty"`
}

type SearchQuery struct {
	Query   string
	K       int
	Domain  string
	Filters SearchFilters
}

// IndexFilter restricts a vector query to chunks whose payload string
// attributes equal the given values.
type IndexFilter map[string]string

// ScoredChunk is a raw vector index hit, before it is joined with the
// metadata store.
type ScoredChunk struct {
	ChunkID string
	Score   float64
	Payload Payload
}

func (c ScoredChunk) DocumentHash() string { return c.Payload.String(PayloadDocumentHash) }

func (c ScoredChunk) Seq() int {
	seq, _ := c.Payload.Int(PayloadChunkSeq)
	return int(seq)
}

func (c ScoredChunk) Locator() Locator {
	if page, ok := c.Payload.Int(PayloadPage); ok {
		return Locator{Kind: LocatorPage, Index: int(page)}
	}
	if paragraph, ok := c.Payload.Int(PayloadParagraph); ok {
		return Locator{Kind: LocatorParagraph, Index: int(paragraph)}
	}
	return Locator{}
}

type SearchResult struct {
	Text     string    `json:"text"`
	Seq      int       `json:"chunk_seq"`
	Locator  *Locator  `json:"locator,omitempty"`
	Score    float64   `json:"score"`
	Document *Document `json:"document"`
}
