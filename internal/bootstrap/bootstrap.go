package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirillkom/knowledge-server/internal/config"
	"github.com/kirillkom/knowledge-server/internal/core/ports"
	"github.com/kirillkom/knowledge-server/internal/core/usecase"
	"github.com/kirillkom/knowledge-server/internal/infrastructure/chunking"
	"github.com/kirillkom/knowledge-server/internal/infrastructure/embedding"
	"github.com/kirillkom/knowledge-server/internal/infrastructure/embedding/hashing"
	"github.com/kirillkom/knowledge-server/internal/infrastructure/embedding/ollama"
	"github.com/kirillkom/knowledge-server/internal/infrastructure/embedding/openai"
	"github.com/kirillkom/knowledge-server/internal/infrastructure/extractor"
	"github.com/kirillkom/knowledge-server/internal/infrastructure/extractor/pdf"
	"github.com/kirillkom/knowledge-server/internal/infrastructure/extractor/plaintext"
	memqueue "github.com/kirillkom/knowledge-server/internal/infrastructure/queue/memory"
	"github.com/kirillkom/knowledge-server/internal/infrastructure/queue/nats"
	"github.com/kirillkom/knowledge-server/internal/infrastructure/repository/sqlstore"
	"github.com/kirillkom/knowledge-server/internal/infrastructure/resilience"
	"github.com/kirillkom/knowledge-server/internal/infrastructure/storage/localfs"
	memindex "github.com/kirillkom/knowledge-server/internal/infrastructure/vector/memory"
	"github.com/kirillkom/knowledge-server/internal/infrastructure/vector/qdrant"
	"github.com/kirillkom/knowledge-server/internal/observability/metrics"
	"github.com/kirillkom/knowledge-server/internal/worker"
)

type App struct {
	Config config.Config
	Logger *slog.Logger

	Queue    ports.TaskQueue
	Backlog  *usecase.TaskBacklog
	Embedder *embedding.Gateway
	Executor *resilience.Executor

	IngestUC   *usecase.IngestDocumentUseCase
	ProcessUC  *usecase.ProcessDocumentUseCase
	SearchUC   *usecase.SearchUseCase
	CatalogUC  *usecase.CatalogUseCase
	RecoveryUC *usecase.RecoveryUseCase

	closers []func()
}

// New wires every adapter selected by cfg. The embedding model is probed
// before New returns, so a missing model fails startup instead of the first
// document.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (app *App, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	app = &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			app.Close()
		}
	}()

	executor := resilience.NewExecutor(resilienceConfig(cfg, logger))
	app.Executor = executor

	repo, err := app.openMetadata(ctx, cfg)
	if err != nil {
		return nil, err
	}

	storage, err := localfs.New(cfg.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("init object storage: %w", err)
	}

	queue, err := app.openQueue(cfg, executor, logger)
	if err != nil {
		return nil, err
	}
	app.Queue = queue

	provider, err := newEmbeddingProvider(cfg)
	if err != nil {
		return nil, err
	}
	gateway := embedding.NewGateway(provider, embedding.Options{
		BatchSize: cfg.EmbedBatchSize,
		Executor:  executor,
		Logger:    logger,
	})
	if err := gateway.Probe(ctx); err != nil {
		return nil, err
	}
	app.Embedder = gateway

	index, err := openIndex(cfg, executor)
	if err != nil {
		return nil, err
	}

	locks := usecase.NewInflightRegistry()
	extract := extractor.NewRouter(pdf.NewExtractor(), plaintext.NewExtractor())
	chunker := chunking.NewSplitter(cfg.ChunkSize, cfg.ChunkOverlap)

	app.Backlog = usecase.NewTaskBacklog(queue, logger)
	app.IngestUC = usecase.NewIngestDocumentUseCase(repo, storage, app.Backlog, locks, usecase.IngestOptions{
		DefaultDomain:  cfg.DefaultDomain,
		MaxUploadBytes: cfg.MaxUploadBytes,
		Logger:         logger,
	})
	app.ProcessUC = usecase.NewProcessDocumentUseCase(repo, storage, extract, chunker, gateway, index, logger)
	app.SearchUC = usecase.NewSearchUseCase(repo, gateway, index, usecase.SearchOptions{
		DefaultDomain: cfg.DefaultDomain,
		DefaultK:      cfg.SearchTopK,
		Candidates:    cfg.SearchCandidates,
	})
	app.CatalogUC = usecase.NewCatalogUseCase(repo, storage, index, locks, cfg.DefaultDomain, logger)
	app.RecoveryUC = usecase.NewRecoveryUseCase(repo, app.Backlog, logger)

	return app, nil
}

func (a *App) openMetadata(ctx context.Context, cfg config.Config) (*sqlstore.DocumentRepository, error) {
	dialect, err := sqlstore.ParseDialect(cfg.MetadataDriver)
	if err != nil {
		return nil, err
	}
	dsn := cfg.PostgresDSN
	if dialect == sqlstore.DialectSQLite {
		dsn = cfg.SQLitePath
	}
	db, err := sqlstore.OpenDB(dialect, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	a.closers = append(a.closers, func() { _ = db.Close() })

	repo := sqlstore.NewDocumentRepository(db, dialect)
	if err := repo.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return repo, nil
}

func (a *App) openQueue(cfg config.Config, executor *resilience.Executor, logger *slog.Logger) (ports.TaskQueue, error) {
	switch cfg.QueueDriver {
	case "nats":
		queue, err := nats.NewWithOptions(cfg.NATSURL, cfg.NATSSubject, nats.Options{
			ResilienceExecutor: executor,
			Logger:             logger,
		})
		if err != nil {
			return nil, fmt.Errorf("init message queue: %w", err)
		}
		a.closers = append(a.closers, queue.Close)
		return queue, nil
	default:
		return memqueue.New(cfg.IngestQueueSize, logger), nil
	}
}

func newEmbeddingProvider(cfg config.Config) (embedding.Provider, error) {
	switch cfg.EmbeddingProvider {
	case "hashing":
		return hashing.New(cfg.EmbeddingDimension), nil
	case "ollama":
		return ollama.New(cfg.OllamaURL, cfg.EmbeddingModelName()), nil
	case "openai":
		return openai.New(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.EmbeddingModelName()), nil
	default:
		return nil, fmt.Errorf("unsupported embedding provider %q", cfg.EmbeddingProvider)
	}
}

func openIndex(cfg config.Config, executor *resilience.Executor) (ports.VectorIndex, error) {
	switch cfg.VectorDriver {
	case "qdrant":
		return qdrant.NewWithOptions(cfg.QdrantURL, qdrant.Options{ResilienceExecutor: executor}), nil
	default:
		index, err := memindex.New(cfg.IndexDir)
		if err != nil {
			return nil, fmt.Errorf("open vector index: %w", err)
		}
		return index, nil
	}
}

func resilienceConfig(cfg config.Config, logger *slog.Logger) resilience.Config {
	rc := resilience.DefaultConfig()
	rc.RetryMaxAttempts = cfg.ResilienceRetryMaxAttempts
	rc.RetryInitialBackoff = cfg.ResilienceRetryInitialBackoff
	rc.RetryMaxBackoff = cfg.ResilienceRetryMaxBackoff
	rc.BreakerEnabled = cfg.ResilienceBreakerEnabled
	rc.BreakerOpenTimeout = cfg.ResilienceBreakerOpenTimeout
	rc.Logger = logger
	return rc
}

// NewPool builds the ingestion worker pool around ProcessUC and attaches
// stage metrics when m is set.
func (a *App) NewPool(service string, m *metrics.WorkerMetrics) *worker.Pool {
	if m != nil {
		a.ProcessUC.SetStageObserver(stageMetrics{metrics: m, service: service})
	}
	return worker.NewPool(a.ProcessUC.Process, worker.Options{
		Size:        a.Config.IngestWorkers,
		QueueDepth:  a.Config.IngestQueueSize,
		TaskTimeout: a.Config.IngestTaskTimeout,
		Service:     service,
		Metrics:     m,
		Logger:      a.Logger,
	})
}

// RunIngestion feeds tasks from the queue into pool until ctx is done.
func (a *App) RunIngestion(ctx context.Context, pool *worker.Pool) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		pool.Run(ctx)
	}()

	err := a.Queue.Subscribe(ctx, pool.Submit)
	<-done
	return err
}

// ObserveSearches reports every search to m.
func (a *App) ObserveSearches(service string, m *metrics.HTTPServerMetrics) {
	a.SearchUC.SetObserver(searchMetrics{metrics: m, service: service})
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

type stageMetrics struct {
	metrics *metrics.WorkerMetrics
	service string
}

func (s stageMetrics) ObserveStage(stage string, duration time.Duration, err error) {
	s.metrics.ObserveStage(s.service, stage, duration, err)
}

type searchMetrics struct {
	metrics *metrics.HTTPServerMetrics
	service string
}

func (s searchMetrics) ObserveSearch(domainName string, results int, duration time.Duration) {
	s.metrics.RecordSearchObservation(s.service, "search", domainName, results, duration)
}
