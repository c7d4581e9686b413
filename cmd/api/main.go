package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpadapter "github.com/kirillkom/knowledge-server/internal/adapters/http"
	mcpadapter "github.com/kirillkom/knowledge-server/internal/adapters/mcp"
	"github.com/kirillkom/knowledge-server/internal/bootstrap"
	"github.com/kirillkom/knowledge-server/internal/config"
	"github.com/kirillkom/knowledge-server/internal/observability/logging"
	"github.com/kirillkom/knowledge-server/internal/observability/metrics"
)

const (
	service              = "api"
	backlogFlushInterval = 2 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config_invalid", "error", err)
		os.Exit(1)
	}
	logger := logging.NewJSONLogger(service, cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	httpMetrics := metrics.NewHTTPServerMetrics(service)
	app.ObserveSearches(service, httpMetrics)

	mcpServer := mcpadapter.NewServer(app.SearchUC, app.CatalogUC, mcpadapter.Options{
		Service: service,
		Metrics: httpMetrics,
		Logger:  logger,
	})

	go app.Backlog.Run(ctx, backlogFlushInterval)

	// Without a broker there is no separate worker process, so the API
	// drains its own queue.
	ingestDone := make(chan struct{})
	if cfg.QueueDriver == "memory" {
		workerMetrics := metrics.NewWorkerMetrics(service)
		go serveWorkerMetrics(ctx, logger, ":"+cfg.WorkerMetricsPort, workerMetrics)
		pool := app.NewPool(service, workerMetrics)
		go func() {
			defer close(ingestDone)
			if err := app.RunIngestion(ctx, pool); err != nil {
				logger.Error("ingestion_stopped", "error", err)
			}
		}()
		if _, err := app.RecoveryUC.Recover(ctx); err != nil {
			logger.Error("ingest_recovery_failed", "error", err)
		}
	} else {
		close(ingestDone)
	}

	router := httpadapter.NewRouter(app.IngestUC, app.SearchUC, app.CatalogUC, httpadapter.Options{
		Service:        service,
		MaxUploadBytes: cfg.MaxUploadBytes,
		RateLimitRPS:   cfg.APIRateLimitRPS,
		RateLimitBurst: cfg.APIRateLimitBurst,
		MaxInFlight:    cfg.APIMaxInFlight,
		Metrics:        httpMetrics,
		MCP:            mcpServer.HTTPHandler(),
		BreakerStates:  app.Executor.BreakerStates,
		Logger:         logger,
	})
	server := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           router.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("api_listening", "addr", server.Addr, "queue_driver", cfg.QueueDriver, "vector_driver", cfg.VectorDriver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api_server_failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("api_shutdown_failed", "error", err)
	}
	<-ingestDone
	logger.Info("api_stopped")
}

func serveWorkerMetrics(ctx context.Context, logger *slog.Logger, addr string, m *metrics.WorkerMetrics) {
	srv := &http.Server{Addr: addr, Handler: m.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("worker_metrics_server_failed", "error", err)
	}
}
