package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpadapter "github.com/agridesk/subsidy-extraction/internal/adapters/http"
	"github.com/agridesk/subsidy-extraction/internal/bootstrap"
	"github.com/agridesk/subsidy-extraction/internal/config"
	"github.com/agridesk/subsidy-extraction/internal/core/usecase"
	"github.com/agridesk/subsidy-extraction/internal/observability/logging"
	"github.com/agridesk/subsidy-extraction/internal/observability/metrics"
)

func main() {
	cfg := config.Load()
	slog.SetDefault(logging.NewJSONLogger("api", cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serverMetrics := metrics.NewHTTPServerMetrics("api")

	app, err := bootstrap.New(ctx, cfg, bootstrap.Options{
		Service:       "api",
		CacheObserver: serverMetrics,
	})
	if err != nil {
		slog.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	watch := func(documentID string, notify func(usecase.Notification)) httpadapter.StatusWatcher {
		return app.NewStatusWatcher(documentID, notify)
	}
	router := httpadapter.NewRouter(cfg, app.Bus, app.Jobs, app.Jobs, app.Bus, app.Governor, watch).Handler()

	mux := http.NewServeMux()
	mux.Handle("/metrics", serverMetrics.Handler())
	mux.Handle("/", serverMetrics.Middleware("api", router))

	server := &http.Server{
		Addr:         ":" + cfg.APIPort,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // watch streams are long-lived
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("api_listening", "port", cfg.APIPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("api_server_failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("api_shutdown_failed", "error", err)
	}
}
