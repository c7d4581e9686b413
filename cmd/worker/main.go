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

	"github.com/kirillkom/knowledge-server/internal/bootstrap"
	"github.com/kirillkom/knowledge-server/internal/config"
	"github.com/kirillkom/knowledge-server/internal/observability/logging"
	"github.com/kirillkom/knowledge-server/internal/observability/metrics"
)

const (
	service              = "worker"
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

	if cfg.QueueDriver != "nats" {
		logger.Error("worker_requires_nats", "queue_driver", cfg.QueueDriver)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	workerMetrics := metrics.NewWorkerMetrics(service)
	metricsServer := &http.Server{
		Addr:              ":" + cfg.WorkerMetricsPort,
		Handler:           workerMetrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("worker_metrics_server_failed", "error", err)
		}
	}()

	go app.Backlog.Run(ctx, backlogFlushInterval)

	if cfg.IngestRecoverOnStart {
		if _, err := app.RecoveryUC.Recover(ctx); err != nil {
			logger.Error("ingest_recovery_failed", "error", err)
		}
	}

	logger.Info("worker_subscribed", "subject", cfg.NATSSubject, "workers", cfg.IngestWorkers)
	pool := app.NewPool(service, workerMetrics)
	if err := app.RunIngestion(ctx, pool); err != nil {
		logger.Error("worker_subscribe_failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)
	logger.Info("worker_stopped")
}
