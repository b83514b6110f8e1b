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

	"github.com/go-chi/chi/v5"

	"github.com/kirillkom/tabular-rag/internal/bootstrap"
	"github.com/kirillkom/tabular-rag/internal/config"
	"github.com/kirillkom/tabular-rag/internal/core/domain"
	"github.com/kirillkom/tabular-rag/internal/observability/logging"
)

const serviceName = "worker"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config_load_failed", "error", err)
		os.Exit(1)
	}
	logger := logging.NewJSONLogger(serviceName, cfg.LogLevel)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("config_invalid", "error", err)
		os.Exit(1)
	}
	if cfg.NATSURL == "" {
		logger.Error("config_invalid", "error", "worker requires NATS_URL")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, bootstrap.Options{Service: serviceName, Logger: logger})
	if err != nil {
		logger.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	metricsRouter := chi.NewRouter()
	metricsRouter.Method(http.MethodGet, "/metrics", app.IngestMetrics.Handler())
	metricsServer := &http.Server{
		Addr:              ":" + cfg.WorkerMetricsPort,
		Handler:           metricsRouter,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("worker_metrics_server_failed", "error", err)
		}
	}()

	logger.Info("worker_subscribed", "subject", cfg.NATSSubject, "metrics_port", cfg.WorkerMetricsPort)
	err = app.Queue.SubscribeIngestRequested(ctx, func(handlerCtx context.Context, req domain.IngestRequest) error {
		result, err := app.IngestUC.Ingest(handlerCtx, req)
		if err != nil {
			var ingErr *domain.IngestionError
			if errors.As(err, &ingErr) {
				logger.Error("ingest_run_failed",
					"run_id", ingErr.RunID,
					"failed_batch", ingErr.Batch,
					"total_batches", ingErr.TotalBatches,
					"resume_skip_rows", ingErr.ResumeSkipRows,
				)
			}
			return err
		}
		logger.Info("ingest_run_completed",
			"run_id", result.RunID,
			"count", result.TotalEmbedded,
			"batches", result.TotalBatches,
		)
		return nil
	})
	if err != nil {
		logger.Error("worker_subscribe_failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)
}
