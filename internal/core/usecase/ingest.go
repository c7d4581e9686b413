package usecase

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/kirillkom/knowledge-server/internal/core/domain"
	"github.com/kirillkom/knowledge-server/internal/core/ports"
)

const defaultMaxUploadBytes = 64 << 20

type IngestOptions struct {
	DefaultDomain  string
	MaxUploadBytes int64
	Logger         *slog.Logger
}

type IngestDocumentUseCase struct {
	repo    ports.DocumentRepository
	storage ports.ObjectStorage
	queue   ports.TaskQueue
	locks   *InflightRegistry
	opts    IngestOptions
	logger  *slog.Logger
	now     func() time.Time
}

func NewIngestDocumentUseCase(
	repo ports.DocumentRepository,
	storage ports.ObjectStorage,
	queue ports.TaskQueue,
	locks *InflightRegistry,
	opts IngestOptions,
) *IngestDocumentUseCase {
	if locks == nil {
		locks = NewInflightRegistry()
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = defaultMaxUploadBytes
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &IngestDocumentUseCase{
		repo:    repo,
		storage: storage,
		queue:   queue,
		locks:   locks,
		opts:    opts,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Upload stores the document and queues it for processing. It returns once
// the received record is durable; processing happens asynchronously.
func (uc *IngestDocumentUseCase) Upload(ctx context.Context, req domain.UploadRequest) (*domain.UploadResult, error) {
	format, err := domain.ParseFormat(req.Format, req.Filename)
	if err != nil {
		return nil, err
	}
	domainName, err := domain.NormalizeDomainName(req.Domain, uc.opts.DefaultDomain)
	if err != nil {
		return nil, err
	}
	raw, err := uc.readBody(req.Body)
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(raw)
	hash := hex.EncodeToString(sum[:])

	release := uc.locks.Lock(domain.DocumentKey(domainName, hash))
	defer release()

	outcome := domain.UploadCreated
	existing, err := uc.repo.GetByHash(ctx, domainName, hash)
	switch {
	case err == nil && existing.Status == domain.StatusIndexed:
		return &domain.UploadResult{Document: existing, Outcome: domain.UploadDuplicate}, nil
	case err == nil && !existing.Status.Terminal():
		return &domain.UploadResult{Document: existing, Outcome: domain.UploadInFlight}, nil
	case err == nil:
		outcome = domain.UploadRetried
	case !domain.IsKind(err, domain.ErrDocumentNotFound):
		return nil, fmt.Errorf("lookup existing document: %w", err)
	}

	doc := &domain.Document{
		Hash:       hash,
		Domain:     domainName,
		Filename:   cleanFilename(req.Filename, hash, format),
		Format:     format,
		Tags:       domain.NormalizeTags(req.Tags),
		SizeBytes:  int64(len(raw)),
		Status:     domain.StatusReceived,
		StorageKey: storageKey(domainName, hash, format),
	}

	if err := uc.storage.Save(ctx, doc.StorageKey, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("save to object storage: %w", err)
	}
	if err := uc.repo.UpsertDocument(ctx, doc); err != nil {
		if domain.IsKind(err, domain.ErrStaleStatusTransition) {
			// Another process claimed the document between lookup and write.
			current, getErr := uc.repo.GetByHash(ctx, domainName, hash)
			if getErr == nil {
				return &domain.UploadResult{Document: current, Outcome: domain.UploadInFlight}, nil
			}
		}
		return nil, fmt.Errorf("create document metadata: %w", err)
	}

	task := domain.IngestTask{Domain: domainName, Hash: hash, EnqueuedAt: uc.now()}
	if err := uc.queue.Publish(ctx, task); err != nil {
		msg := fmt.Sprintf("enqueue ingestion task: %v", err)
		if failErr := uc.repo.UpdateStatus(ctx, domainName, hash, domain.StatusFailed, msg); failErr != nil {
			return nil, fmt.Errorf("publish ingestion task: %w; mark failed status: %v", err, failErr)
		}
		return nil, fmt.Errorf("publish ingestion task: %w", err)
	}

	uc.logger.Info("document_received",
		"domain", domainName,
		"document_hash", hash,
		"filename", doc.Filename,
		"format", string(format),
		"size_bytes", doc.SizeBytes,
		"outcome", string(outcome),
	)
	return &domain.UploadResult{Document: doc, Outcome: outcome}, nil
}

func (uc *IngestDocumentUseCase) readBody(body io.Reader) ([]byte, error) {
	if body == nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "read upload", errors.New("empty document"))
	}
	raw, err := io.ReadAll(io.LimitReader(body, uc.opts.MaxUploadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read upload body: %w", err)
	}
	if len(raw) == 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "read upload", errors.New("empty document"))
	}
	if int64(len(raw)) > uc.opts.MaxUploadBytes {
		return nil, domain.WrapError(domain.ErrTooLarge, "read upload",
			fmt.Errorf("document exceeds %d bytes", uc.opts.MaxUploadBytes))
	}
	return raw, nil
}

func storageKey(domainName, hash string, format domain.Format) string {
	return fmt.Sprintf("%s/%s.%s", domainName, hash, format)
}

func cleanFilename(name, hash string, format domain.Format) string {
	base := strings.TrimSpace(path.Base(strings.ReplaceAll(name, `\`, "/")))
	if base == "" || base == "." || base == "/" {
		return fmt.Sprintf("%s.%s", hash[:12], format)
	}
	return base
}
