package usecase

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kirillkom/knowledge-server/internal/core/domain"
	"github.com/kirillkom/knowledge-server/internal/core/ports"
)

const maxListLimit = 500

type CatalogUseCase struct {
	repo          ports.DocumentRepository
	storage       ports.ObjectStorage
	index         ports.VectorIndex
	locks         *InflightRegistry
	defaultDomain string
	logger        *slog.Logger
}

func NewCatalogUseCase(
	repo ports.DocumentRepository,
	storage ports.ObjectStorage,
	index ports.VectorIndex,
	locks *InflightRegistry,
	defaultDomain string,
	logger *slog.Logger,
) *CatalogUseCase {
	if locks == nil {
		locks = NewInflightRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CatalogUseCase{
		repo:          repo,
		storage:       storage,
		index:         index,
		locks:         locks,
		defaultDomain: defaultDomain,
		logger:        logger,
	}
}

func (uc *CatalogUseCase) GetDocument(ctx context.Context, domainName, hash string) (*domain.Document, error) {
	domainName, err := domain.NormalizeDomainName(domainName, uc.defaultDomain)
	if err != nil {
		return nil, err
	}
	return uc.repo.GetByHash(ctx, domainName, hash)
}

func (uc *CatalogUseCase) ListDocuments(ctx context.Context, filter domain.DocumentFilter) ([]domain.Document, error) {
	if filter.Domain != "" {
		name, err := domain.NormalizeDomainName(filter.Domain, "")
		if err != nil {
			return nil, err
		}
		filter.Domain = name
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, domain.WrapError(domain.ErrInvalidInput, "list documents", fmt.Errorf("unknown status %q", filter.Status))
	}
	if filter.Limit <= 0 || filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	return uc.repo.ListDocuments(ctx, filter)
}

func (uc *CatalogUseCase) Events(ctx context.Context, domainName, hash string) ([]domain.ProcessingEvent, error) {
	doc, err := uc.GetDocument(ctx, domainName, hash)
	if err != nil {
		return nil, err
	}
	return uc.repo.ListEvents(ctx, doc.Domain, doc.Hash)
}

// DeleteDocument removes the document's chunks first, so a failure part way
// never leaves searchable chunks for a record that is gone. Documents a
// worker is still processing cannot be deleted.
func (uc *CatalogUseCase) DeleteDocument(ctx context.Context, domainName, hash string) error {
	domainName, err := domain.NormalizeDomainName(domainName, uc.defaultDomain)
	if err != nil {
		return err
	}
	release := uc.locks.Lock(domain.DocumentKey(domainName, hash))
	defer release()

	doc, err := uc.repo.GetByHash(ctx, domainName, hash)
	if err != nil {
		return err
	}
	if doc.Status.Processing() {
		return domain.WrapError(domain.ErrStaleStatusTransition, "delete document",
			fmt.Errorf("document %s is %s", hash, doc.Status))
	}
	if err := uc.index.DeleteByDocument(ctx, domain.CollectionName(domainName), domainName, hash); err != nil {
		return fmt.Errorf("delete indexed chunks: %w", err)
	}
	if err := uc.storage.Delete(ctx, doc.StorageKey); err != nil {
		return fmt.Errorf("delete stored document: %w", err)
	}
	if err := uc.repo.DeleteDocument(ctx, domainName, hash); err != nil {
		return fmt.Errorf("delete document metadata: %w", err)
	}

	uc.logger.Info("document_deleted", "domain", domainName, "document_hash", hash)
	return nil
}

func (uc *CatalogUseCase) Stats(ctx context.Context, domainName string) (*domain.DomainStats, error) {
	domainName, err := domain.NormalizeDomainName(domainName, uc.defaultDomain)
	if err != nil {
		return nil, err
	}
	counts, err := uc.repo.CountByStatus(ctx, domainName)
	if err != nil {
		return nil, fmt.Errorf("count documents: %w", err)
	}
	collection := domain.CollectionName(domainName)
	points, err := uc.index.Count(ctx, collection)
	if err != nil {
		return nil, fmt.Errorf("count indexed chunks: %w", err)
	}
	return &domain.DomainStats{
		Domain:        domainName,
		Collection:    collection,
		Documents:     counts,
		IndexedChunks: points,
	}, nil
}
