package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/agridesk/subsidy-extraction/internal/bootstrap"
	"github.com/agridesk/subsidy-extraction/internal/config"
	"github.com/agridesk/subsidy-extraction/internal/core/domain"
	"github.com/agridesk/subsidy-extraction/internal/observability/logging"
	"github.com/agridesk/subsidy-extraction/internal/observability/metrics"
)

func main() {
	cfg := config.Load()
	slog.SetDefault(logging.NewJSONLogger("worker", cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	workerMetrics := metrics.NewWorkerMetrics("worker")

	app, err := bootstrap.New(ctx, cfg, bootstrap.Options{
		Service:       "worker",
		CacheObserver: workerMetrics,
	})
	if err != nil {
		slog.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	app.Governor.OnDeny(func(service domain.Service) {
		workerMetrics.RecordQuotaDenial("worker", string(service))
	})

	metricsServer := &http.Server{
		Addr:    ":" + cfg.WorkerMetricsPort,
		Handler: metricsHandler(workerMetrics),
	}
	go func() {
		slog.Info("worker_metrics_listening", "port", cfg.WorkerMetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("worker_metrics_failed", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	slog.Info("worker_subscribed")
	err = app.Bus.SubscribeExtractionRequested(ctx, func(handlerCtx context.Context, req domain.ExtractionRequest) error {
		extractCtx, cancel := context.WithTimeout(handlerCtx, 5*time.Minute)
		defer cancel()

		workerMetrics.StartExtraction()
		start := time.Now()
		attempt := app.ExtractUC.Extract(extractCtx, req)
		workerMetrics.FinishExtraction("worker", string(attempt.Method), attempt.Confidence, attempt.Cost, time.Since(start))

		for _, tierError := range attempt.Errors {
			tier, _, _ := strings.Cut(tierError, " ")
			workerMetrics.RecordTierFailure("worker", tier)
		}
		return nil
	})
	if err != nil {
		slog.Error("worker_subscribe_failed", "error", err)
		os.Exit(1)
	}
}

func metricsHandler(m *metrics.WorkerMetrics) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}
