// Package memory is a bounded in-process task queue for single-binary runs.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirillkom/knowledge-server/internal/core/domain"
)

type Queue struct {
	tasks  chan domain.IngestTask
	logger *slog.Logger
}

func New(capacity int, logger *slog.Logger) *Queue {
	if capacity <= 0 {
		capacity = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{tasks: make(chan domain.IngestTask, capacity), logger: logger}
}

// Publish never blocks the upload path; a full queue is a temporary error.
func (q *Queue) Publish(ctx context.Context, task domain.IngestTask) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now().UTC()
	}
	select {
	case q.tasks <- task:
		return nil
	default:
		return domain.WrapError(domain.ErrTemporary, "memory publish", fmt.Errorf("queue is full (%d tasks)", cap(q.tasks)))
	}
}

// Subscribe hands tasks to handler one at a time until ctx is done.
func (q *Queue) Subscribe(ctx context.Context, handler func(context.Context, domain.IngestTask) error) error {
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case task := <-q.tasks:
			if err := handler(ctx, task); err != nil {
				q.logger.Error("ingest_task_handler_failed",
					"domain", task.Domain,
					"document_hash", task.Hash,
					"error", err,
				)
			}
		}
	}
}

func (q *Queue) Len() int {
	return len(q.tasks)
}
