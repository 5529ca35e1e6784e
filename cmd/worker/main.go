package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"channel-pipeline/internal/app"
	"channel-pipeline/internal/config"
	"channel-pipeline/internal/telemetry"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	logger, err := app.NewLogger(cfg.Env)
	if err != nil {
		os.Stderr.WriteString("init logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialise app", zap.Error(err))
	}
	defer a.Close()

	processor, err := a.NewProcessor(ctx, app.WorkerOptions{})
	if err != nil {
		logger.Fatal("failed to initialise worker", zap.Error(err))
	}

	metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler()}
	go func() {
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	logger.Info("worker started",
		zap.String("worker_id", cfg.WorkerID),
		zap.Int("concurrency", cfg.WorkerConcurrency),
		zap.Strings("topics", processor.Topics()),
	)
	if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	_ = metrics.Shutdown(shutdownCtx)
	logger.Info("worker stopped cleanly")
}
