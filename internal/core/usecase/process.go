package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/kirillkom/knowledge-server/internal/core/domain"
	"github.com/kirillkom/knowledge-server/internal/core/ports"
)

const tracerName = "github.com/kirillkom/knowledge-server/internal/core/usecase"

// StageObserver receives the duration of each pipeline stage.
type StageObserver interface {
	ObserveStage(stage string, duration time.Duration, err error)
}

type ProcessDocumentUseCase struct {
	repo      ports.DocumentRepository
	storage   ports.ObjectStorage
	extractor ports.TextExtractor
	chunker   ports.Chunker
	embedder  ports.Embedder
	index     ports.VectorIndex
	logger    *slog.Logger
	observer  StageObserver
	now       func() time.Time
}

func NewProcessDocumentUseCase(
	repo ports.DocumentRepository,
	storage ports.ObjectStorage,
	extractor ports.TextExtractor,
	chunker ports.Chunker,
	embedder ports.Embedder,
	index ports.VectorIndex,
	logger *slog.Logger,
) *ProcessDocumentUseCase {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessDocumentUseCase{
		repo:      repo,
		storage:   storage,
		extractor: extractor,
		chunker:   chunker,
		embedder:  embedder,
		index:     index,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (uc *ProcessDocumentUseCase) SetStageObserver(observer StageObserver) {
	uc.observer = observer
}

// Process runs the pipeline for a document still in received. Anything else
// means another run owns or finished it, and the task is dropped.
func (uc *ProcessDocumentUseCase) Process(ctx context.Context, task domain.IngestTask) error {
	doc, err := uc.repo.GetByHash(ctx, task.Domain, task.Hash)
	if err != nil {
		if domain.IsKind(err, domain.ErrDocumentNotFound) {
			uc.logger.Warn("ingest_task_orphaned", "domain", task.Domain, "document_hash", task.Hash)
			return nil
		}
		return fmt.Errorf("fetch document: %w", err)
	}
	if doc.Status != domain.StatusReceived {
		uc.logger.Info("ingest_task_skipped",
			"domain", doc.Domain,
			"document_hash", doc.Hash,
			"status", string(doc.Status),
		)
		return nil
	}

	start := time.Now()
	chunkCount, err := uc.processPipeline(ctx, doc)
	if err == nil {
		uc.logger.Info("document_indexed",
			"domain", doc.Domain,
			"document_hash", doc.Hash,
			"chunks", chunkCount,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return nil
	}

	if domain.IsKind(err, domain.ErrDocumentNotFound) {
		uc.logger.Warn("ingest_document_deleted", "domain", doc.Domain, "document_hash", doc.Hash, "error", err)
		return nil
	}
	if domain.IsKind(err, domain.ErrStaleStatusTransition) {
		uc.logger.Warn("stale_status_transition",
			"domain", doc.Domain,
			"document_hash", doc.Hash,
			"error", err,
		)
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		// Left mid-stage; recovery marks it failed on the next start.
		uc.logger.Warn("ingest_interrupted", "domain", doc.Domain, "document_hash", doc.Hash, "error", ctxErr)
		return err
	}
	if failErr := uc.markFailed(ctx, doc, err); failErr != nil {
		return fmt.Errorf("%w; mark failed status: %v", err, failErr)
	}
	return err
}

func (uc *ProcessDocumentUseCase) processPipeline(ctx context.Context, doc *domain.Document) (int, error) {
	if err := uc.markStatus(ctx, doc, domain.StatusExtracting); err != nil {
		return 0, err
	}
	var units []domain.Unit
	err := uc.stage(ctx, doc, "extract", func(ctx context.Context) error {
		var err error
		units, err = uc.extract(ctx, doc)
		return err
	})
	if err != nil {
		return 0, err
	}

	if err := uc.markStatus(ctx, doc, domain.StatusChunking); err != nil {
		return 0, err
	}
	var chunks []domain.Chunk
	err = uc.stage(ctx, doc, "chunk", func(context.Context) error {
		var err error
		chunks, err = uc.chunk(units)
		return err
	})
	if err != nil {
		return 0, err
	}

	if err := uc.markStatus(ctx, doc, domain.StatusEmbedding); err != nil {
		return 0, err
	}
	var vectors [][]float32
	err = uc.stage(ctx, doc, "embed", func(ctx context.Context) error {
		var err error
		vectors, err = uc.embed(ctx, chunks)
		return err
	})
	if err != nil {
		return 0, err
	}

	err = uc.stage(ctx, doc, "index", func(ctx context.Context) error {
		return uc.writeIndex(ctx, doc, chunks, vectors)
	})
	if err != nil {
		return 0, err
	}
	if err := uc.publish(ctx, doc, len(chunks)); err != nil {
		return 0, err
	}
	return len(chunks), nil
}

// publish records the chunk count and flips the document to indexed. If the
// record vanished while the pipeline ran, the chunks just written are removed.
func (uc *ProcessDocumentUseCase) publish(ctx context.Context, doc *domain.Document, chunks int) error {
	err := uc.repo.SetChunkCount(ctx, doc.Domain, doc.Hash, chunks)
	if err != nil {
		err = fmt.Errorf("set chunk count: %w", err)
	} else {
		err = uc.markStatus(ctx, doc, domain.StatusIndexed)
	}
	if err == nil || !domain.IsKind(err, domain.ErrDocumentNotFound) {
		return err
	}
	if delErr := uc.index.DeleteByDocument(ctx, domain.CollectionName(doc.Domain), doc.Domain, doc.Hash); delErr != nil {
		return fmt.Errorf("%w; remove orphaned chunks: %v", err, delErr)
	}
	return err
}

func (uc *ProcessDocumentUseCase) extract(ctx context.Context, doc *domain.Document) ([]domain.Unit, error) {
	rc, err := uc.storage.Open(ctx, doc.StorageKey)
	if err != nil {
		return nil, fmt.Errorf("open stored document: %w", err)
	}
	raw, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return nil, fmt.Errorf("read stored document: %w", err)
	}

	seq, err := uc.extractor.Extract(ctx, doc.Format, raw)
	if err != nil {
		return nil, fmt.Errorf("extract text: %w", err)
	}
	var units []domain.Unit
	for unit, err := range seq {
		if err != nil {
			return nil, fmt.Errorf("extract text: %w", err)
		}
		units = append(units, unit)
	}
	return units, nil
}

func (uc *ProcessDocumentUseCase) chunk(units []domain.Unit) ([]domain.Chunk, error) {
	chunks, err := uc.chunker.Chunk(unitSeq(units))
	if err != nil {
		return nil, fmt.Errorf("chunk document: %w", err)
	}
	if len(chunks) == 0 {
		return nil, domain.WrapError(domain.ErrExtractionFailure, "chunk document", errors.New("document has no extractable text"))
	}
	return chunks, nil
}

func (uc *ProcessDocumentUseCase) embed(ctx context.Context, chunks []domain.Chunk) ([][]float32, error) {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := uc.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed chunks: %w", err)
	}
	if len(vectors) != len(chunks) {
		return nil, domain.WrapError(
			domain.ErrEmbeddingUnavailable,
			"embed chunks",
			fmt.Errorf("vectors/chunks mismatch: %d/%d", len(vectors), len(chunks)),
		)
	}
	return vectors, nil
}

// writeIndex replaces every chunk of the document, so a re-run after a
// partial write leaves no stale points behind.
func (uc *ProcessDocumentUseCase) writeIndex(ctx context.Context, doc *domain.Document, chunks []domain.Chunk, vectors [][]float32) error {
	collection := domain.CollectionName(doc.Domain)
	records := make([]domain.EmbeddingRecord, len(chunks))
	timestamp := uc.now().Format(time.RFC3339)
	for i, c := range chunks {
		records[i] = domain.EmbeddingRecord{
			ChunkID: ChunkID(doc.Domain, doc.Hash, c.Seq),
			Vector:  vectors[i],
			Payload: chunkPayload(doc, c, timestamp),
		}
	}

	if err := uc.index.DeleteByDocument(ctx, collection, doc.Domain, doc.Hash); err != nil {
		return fmt.Errorf("clear previous chunks: %w", err)
	}
	if err := uc.index.Upsert(ctx, collection, records); err != nil {
		return fmt.Errorf("index chunks in vector db: %w", err)
	}
	return nil
}

// ChunkID is stable for a document position, so re-indexing overwrites.
func ChunkID(domainName, hash string, seq int) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, fmt.Appendf(nil, "%s/%s/%d", domainName, hash, seq)).String()
}

func chunkPayload(doc *domain.Document, c domain.Chunk, timestamp string) domain.Payload {
	p := domain.Payload{}
	p.SetString(domain.PayloadDocumentHash, doc.Hash)
	p.SetString(domain.PayloadDomain, doc.Domain)
	p.SetString(domain.PayloadSource, doc.Filename)
	p.SetString(domain.PayloadFormat, string(doc.Format))
	p.SetString(domain.PayloadChunkType, "text")
	p.SetInt(domain.PayloadChunkSeq, int64(c.Seq))
	p.SetOptionalInt(domain.PayloadPage, int64(c.Locator.Index), c.Locator.Kind == domain.LocatorPage && !c.Locator.IsZero())
	p.SetOptionalInt(domain.PayloadParagraph, int64(c.Locator.Index), c.Locator.Kind == domain.LocatorParagraph && !c.Locator.IsZero())
	p.SetString(domain.PayloadText, c.Text)
	p.SetInt(domain.PayloadTextLength, int64(c.CharLen))
	p.SetString(domain.PayloadTimestamp, timestamp)
	if len(doc.Tags) > 0 {
		p.SetOptionalString(domain.PayloadTags, strings.Join(doc.Tags, ","))
	}
	return p
}

func (uc *ProcessDocumentUseCase) stage(ctx context.Context, doc *domain.Document, name string, fn func(context.Context) error) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "ingest."+name)
	defer span.End()
	span.SetAttributes(
		attribute.String("document.domain", doc.Domain),
		attribute.String("document.hash", doc.Hash),
	)

	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)
	if uc.observer != nil {
		uc.observer.ObserveStage(name, elapsed, err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	uc.logger.Debug("stage_completed",
		"domain", doc.Domain,
		"document_hash", doc.Hash,
		"stage", name,
		"duration_ms", elapsed.Milliseconds(),
	)
	return nil
}

func (uc *ProcessDocumentUseCase) markStatus(ctx context.Context, doc *domain.Document, status domain.DocumentStatus) error {
	if err := uc.repo.UpdateStatus(ctx, doc.Domain, doc.Hash, status, ""); err != nil {
		return fmt.Errorf("set status=%s: %w", status, err)
	}
	doc.Status = status
	return nil
}

func (uc *ProcessDocumentUseCase) markFailed(ctx context.Context, doc *domain.Document, cause error) error {
	if err := uc.repo.UpdateStatus(ctx, doc.Domain, doc.Hash, domain.StatusFailed, cause.Error()); err != nil {
		if domain.IsKind(err, domain.ErrStaleStatusTransition) {
			uc.logger.Warn("stale_status_transition", "domain", doc.Domain, "document_hash", doc.Hash, "error", err)
			return nil
		}
		return err
	}
	doc.Status = domain.StatusFailed
	uc.logger.Error("document_failed",
		"domain", doc.Domain,
		"document_hash", doc.Hash,
		"error", cause,
	)
	return nil
}

func unitSeq(units []domain.Unit) domain.UnitSeq {
	return func(yield func(domain.Unit, error) bool) {
		for _, u := range units {
			if !yield(u, nil) {
				return
			}
		}
	}
}
