package ports

import (
	"context"
	"io"

	"github.com/kirillkom/knowledge-server/internal/core/domain"
)

// DocumentRepository persists document records and their status history.
type DocumentRepository interface {
	// UpsertDocument inserts a received document, or overwrites one that
	// previously failed. Any other existing state is a stale transition.
	UpsertDocument(ctx context.Context, doc *domain.Document) error
	GetByHash(ctx context.Context, domainName, hash string) (*domain.Document, error)
	ListDocuments(ctx context.Context, filter domain.DocumentFilter) ([]domain.Document, error)
	// UpdateStatus applies a monotonic transition; moving out of a state the
	// record is no longer in returns ErrStaleStatusTransition.
	UpdateStatus(ctx context.Context, domainName, hash string, status domain.DocumentStatus, errMessage string) error
	SetChunkCount(ctx context.Context, domainName, hash string, count int) error
	DeleteDocument(ctx context.Context, domainName, hash string) error
	ListEvents(ctx context.Context, domainName, hash string) ([]domain.ProcessingEvent, error)
	CountByStatus(ctx context.Context, domainName string) (map[domain.DocumentStatus]int, error)
}

// ObjectStorage stores source documents.
type ObjectStorage interface {
	Save(ctx context.Context, key string, data io.Reader) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// TaskQueue carries ingestion tasks from the upload boundary to workers.
type TaskQueue interface {
	Publish(ctx context.Context, task domain.IngestTask) error
	Subscribe(ctx context.Context, handler func(context.Context, domain.IngestTask) error) error
}

// TextExtractor turns raw document bytes into extraction units.
type TextExtractor interface {
	Extract(ctx context.Context, format domain.Format, raw []byte) (domain.UnitSeq, error)
}

// Chunker packs extraction units into bounded chunks.
type Chunker interface {
	Chunk(units domain.UnitSeq) ([]domain.Chunk, error)
}

// Embedder builds vectors for chunks and query text.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	Dimension() int
	Model() string
}

// VectorIndex stores chunk embeddings per collection.
type VectorIndex interface {
	Upsert(ctx context.Context, collection string, records []domain.EmbeddingRecord) error
	// DeleteByDocument removes the points of one document, matching both its
	// domain and hash.
	DeleteByDocument(ctx context.Context, collection, domainName, hash string) error
	Query(ctx context.Context, collection string, vector []float32, limit int, filter domain.IndexFilter) ([]domain.ScoredChunk, error)
	Count(ctx context.Context, collection string) (int, error)
}
