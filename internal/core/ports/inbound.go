package ports

import (
	"context"

	"github.com/kirillkom/knowledge-server/internal/core/domain"
)

// DocumentUploader is the inbound contract for the upload boundary.
type DocumentUploader interface {
	Upload(ctx context.Context, req domain.UploadRequest) (*domain.UploadResult, error)
}

// DocumentProcessor runs the ingestion pipeline for one queued document.
type DocumentProcessor interface {
	Process(ctx context.Context, task domain.IngestTask) error
}

// KnowledgeSearcher answers similarity queries.
type KnowledgeSearcher interface {
	Search(ctx context.Context, query domain.SearchQuery) ([]domain.SearchResult, error)
}

// DocumentCatalog is the read and delete model for document records.
type DocumentCatalog interface {
	GetDocument(ctx context.Context, domainName, hash string) (*domain.Document, error)
	ListDocuments(ctx context.Context, filter domain.DocumentFilter) ([]domain.Document, error)
	Events(ctx context.Context, domainName, hash string) ([]domain.ProcessingEvent, error)
	DeleteDocument(ctx context.Context, domainName, hash string) error
	Stats(ctx context.Context, domainName string) (*domain.DomainStats, error)
}
