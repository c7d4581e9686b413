package usecase

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kirillkom/knowledge-server/internal/core/domain"
	"github.com/kirillkom/knowledge-server/internal/core/ports"
)

const interruptedMessage = "interrupted before completion"

type RecoveryReport struct {
	Requeued int
	Failed   int
}

// RecoveryUseCase settles documents a previous process left behind: received
// ones are queued again, mid-stage ones are marked failed so a re-upload can
// retry them.
type RecoveryUseCase struct {
	repo   ports.DocumentRepository
	queue  ports.TaskQueue
	logger *slog.Logger
}

func NewRecoveryUseCase(repo ports.DocumentRepository, queue ports.TaskQueue, logger *slog.Logger) *RecoveryUseCase {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecoveryUseCase{repo: repo, queue: queue, logger: logger}
}

func (uc *RecoveryUseCase) Recover(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport

	received, err := uc.repo.ListDocuments(ctx, domain.DocumentFilter{Status: domain.StatusReceived})
	if err != nil {
		return report, fmt.Errorf("list received documents: %w", err)
	}
	for _, doc := range received {
		if err := uc.queue.Publish(ctx, domain.IngestTask{Domain: doc.Domain, Hash: doc.Hash}); err != nil {
			return report, fmt.Errorf("requeue %s: %w", doc.Key(), err)
		}
		report.Requeued++
	}

	for _, status := range []domain.DocumentStatus{domain.StatusExtracting, domain.StatusChunking, domain.StatusEmbedding} {
		docs, err := uc.repo.ListDocuments(ctx, domain.DocumentFilter{Status: status})
		if err != nil {
			return report, fmt.Errorf("list %s documents: %w", status, err)
		}
		for _, doc := range docs {
			err := uc.repo.UpdateStatus(ctx, doc.Domain, doc.Hash, domain.StatusFailed, interruptedMessage)
			if domain.IsKind(err, domain.ErrStaleStatusTransition) || domain.IsKind(err, domain.ErrDocumentNotFound) {
				continue
			}
			if err != nil {
				return report, fmt.Errorf("fail interrupted %s: %w", doc.Key(), err)
			}
			report.Failed++
		}
	}

	if report.Requeued > 0 || report.Failed > 0 {
		uc.logger.Info("ingest_recovered", "requeued", report.Requeued, "failed", report.Failed)
	}
	return report, nil
}
