package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"channel-pipeline/internal/app"
	"channel-pipeline/internal/config"
)

func main() {
	// A missing .env is fine outside local development.
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

	// Single-process mode runs the stages next to the ingress.
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	var workers sync.WaitGroup
	if cfg.EmbeddedWorkers {
		p, err := a.NewProcessor(workerCtx, app.WorkerOptions{})
		if err != nil {
			logger.Fatal("failed to initialise workers", zap.Error(err))
		}
		workers.Add(1)
		go func() {
			defer workers.Done()
			if err := p.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("embedded workers stopped", zap.Error(err))
			}
		}()
		logger.Info("embedded workers started", zap.Strings("topics", p.Topics()))
	}

	srv := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: a.Router(),
	}
	go func() {
		logger.Info("api listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}

	cancelWorkers()
	workers.Wait()
	logger.Info("api stopped cleanly")
}
