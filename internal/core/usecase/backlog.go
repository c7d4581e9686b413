package usecase

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kirillkom/knowledge-server/internal/core/domain"
	"github.com/kirillkom/knowledge-server/internal/core/ports"
)

// TaskBacklog is a TaskQueue that holds tasks the underlying queue refused
// with a temporary error and publishes them again on Flush. Documents behind
// a deferred task stay in the received state until a worker picks them up.
type TaskBacklog struct {
	queue  ports.TaskQueue
	logger *slog.Logger

	mu    sync.Mutex
	tasks []domain.IngestTask
	keys  map[string]struct{}
}

func NewTaskBacklog(queue ports.TaskQueue, logger *slog.Logger) *TaskBacklog {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskBacklog{queue: queue, logger: logger, keys: make(map[string]struct{})}
}

func (b *TaskBacklog) Publish(ctx context.Context, task domain.IngestTask) error {
	err := b.queue.Publish(ctx, task)
	if err == nil || !domain.IsKind(err, domain.ErrTemporary) {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, queued := b.keys[task.Key()]; !queued {
		b.keys[task.Key()] = struct{}{}
		b.tasks = append(b.tasks, task)
	}
	b.logger.Warn("ingest_task_deferred",
		"domain", task.Domain,
		"document_hash", task.Hash,
		"backlog", len(b.tasks),
		"error", err,
	)
	return nil
}

func (b *TaskBacklog) Subscribe(ctx context.Context, handler func(context.Context, domain.IngestTask) error) error {
	return b.queue.Subscribe(ctx, handler)
}

// Flush publishes deferred tasks in arrival order and stops at the first
// refusal, keeping the rest for the next attempt.
func (b *TaskBacklog) Flush(ctx context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sent := 0
	for len(b.tasks) > 0 {
		task := b.tasks[0]
		if err := b.queue.Publish(ctx, task); err != nil {
			if domain.IsKind(err, domain.ErrTemporary) {
				return sent, nil
			}
			return sent, err
		}
		b.tasks = b.tasks[1:]
		delete(b.keys, task.Key())
		sent++
	}
	b.tasks = nil
	return sent, nil
}

func (b *TaskBacklog) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.tasks)
}

// Run flushes the backlog every interval until ctx is done.
func (b *TaskBacklog) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sent, err := b.Flush(ctx)
			if err != nil {
				b.logger.Error("ingest_backlog_flush_failed", "error", err)
			}
			if sent > 0 {
				b.logger.Info("ingest_backlog_flushed", "published", sent, "remaining", b.Len())
			}
		}
	}
}
