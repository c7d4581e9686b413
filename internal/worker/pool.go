// Package worker runs ingestion tasks on a fixed number of goroutines. Tasks
// for the same document run one at a time in submission order; different
// documents run in parallel.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kirillkom/knowledge-server/internal/core/domain"
	"github.com/kirillkom/knowledge-server/internal/observability/metrics"
)

type Handler func(ctx context.Context, task domain.IngestTask) error

type Options struct {
	Size        int
	QueueDepth  int
	TaskTimeout time.Duration
	Service     string
	Metrics     *metrics.WorkerMetrics
	Logger      *slog.Logger
}

type Pool struct {
	handler Handler
	opts    Options
	logger  *slog.Logger

	// slots bounds queued plus parked tasks, so sends on tasks never block.
	slots chan struct{}
	tasks chan domain.IngestTask

	mu     sync.Mutex
	active map[string][]domain.IngestTask
}

func NewPool(handler Handler, opts Options) *Pool {
	if opts.Size <= 0 {
		opts.Size = 4
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 256
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = 5 * time.Minute
	}
	if opts.Service == "" {
		opts.Service = "worker"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		handler: handler,
		opts:    opts,
		logger:  logger,
		slots:   make(chan struct{}, opts.QueueDepth),
		tasks:   make(chan domain.IngestTask, opts.QueueDepth),
		active:  make(map[string][]domain.IngestTask),
	}
}

// Submit queues a task, blocking while the pool is at capacity.
func (p *Pool) Submit(ctx context.Context, task domain.IngestTask) error {
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now().UTC()
	}
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	if p.opts.Metrics != nil {
		p.opts.Metrics.TaskAccepted()
	}

	key := task.Key()
	p.mu.Lock()
	if followers, busy := p.active[key]; busy {
		p.active[key] = append(followers, task)
		p.mu.Unlock()
		return nil
	}
	p.active[key] = nil
	p.mu.Unlock()

	p.tasks <- task
	return nil
}

// Run starts the workers and blocks until ctx is done and every worker has
// returned. A worker finishes the document it holds before exiting.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.opts.Size; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.loop(ctx, id)
		}(i)
	}
	wg.Wait()
}

func (p *Pool) loop(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-p.tasks:
			for {
				p.execute(ctx, id, task)
				next, ok := p.next(task.Key())
				if !ok {
					break
				}
				task = next
			}
		}
	}
}

// next pops the oldest parked task for key, or releases the key.
func (p *Pool) next(key string) (domain.IngestTask, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	followers := p.active[key]
	if len(followers) == 0 {
		delete(p.active, key)
		return domain.IngestTask{}, false
	}
	p.active[key] = followers[1:]
	return followers[0], true
}

func (p *Pool) execute(ctx context.Context, id int, task domain.IngestTask) {
	defer func() { <-p.slots }()

	start := time.Now()
	if p.opts.Metrics != nil {
		p.opts.Metrics.TaskStarted(p.opts.Service, start.Sub(task.EnqueuedAt))
	}

	taskCtx, cancel := context.WithTimeout(ctx, p.opts.TaskTimeout)
	err := p.run(taskCtx, task)
	cancel()

	if p.opts.Metrics != nil {
		p.opts.Metrics.TaskFinished(p.opts.Service, time.Since(start), err)
	}
	if err != nil {
		p.logger.Error("ingest_task_failed",
			"worker", id,
			"domain", task.Domain,
			"document_hash", task.Hash,
			"duration_ms", time.Since(start).Milliseconds(),
			"error_kind", domain.KindOf(err),
			"error", err,
		)
		return
	}
	p.logger.Debug("ingest_task_done",
		"worker", id,
		"domain", task.Domain,
		"document_hash", task.Hash,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

func (p *Pool) run(ctx context.Context, task domain.IngestTask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("ingest_task_panic", "domain", task.Domain, "document_hash", task.Hash, "panic", r)
			err = fmt.Errorf("task handler panicked: %v", r)
		}
	}()
	return p.handler(ctx, task)
}
