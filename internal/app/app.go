// Package app assembles the pipeline components from configuration. Both
// binaries build on it so they agree on keys, topics and backends.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"channel-pipeline/internal/api"
	"channel-pipeline/internal/bus"
	"channel-pipeline/internal/config"
	"channel-pipeline/internal/outbox"
	"channel-pipeline/internal/pipeline"
	"channel-pipeline/internal/ratelimit"
	"channel-pipeline/internal/store"
	"channel-pipeline/internal/worker"
	"channel-pipeline/internal/youtube"
)

// App holds the shared infrastructure of one process.
type App struct {
	Config config.Config
	Logger *zap.Logger
	Store  store.JobStore
	Bus    bus.Bus

	redis   *redis.Client
	closers []func()
}

// NewLogger returns a production logger for APP_ENV=prod and a development
// logger otherwise.
func NewLogger(env string) (*zap.Logger, error) {
	if env == "prod" || env == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

// New connects the configured store and bus backends.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, Logger: logger}

	if cfg.StoreBackend == "redis" || cfg.BusBackend == "redis" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.redis = client
		a.closers = append(a.closers, func() { _ = client.Close() })
	}

	st, err := a.openStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Store = st

	b, err := a.openBus()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Bus = b

	logger.Info("app initialised",
		zap.String("store", cfg.StoreBackend),
		zap.String("bus", cfg.BusBackend),
		zap.String("worker_id", cfg.WorkerID),
	)
	return a, nil
}

func (a *App) openStore(ctx context.Context) (store.JobStore, error) {
	switch a.Config.StoreBackend {
	case "redis":
		return store.NewRedisStore(a.redis), nil
	case "postgres":
		if err := store.RunMigrations(a.Config.PostgresDSN); err != nil {
			return nil, err
		}
		a.Logger.Info("database migrations applied")
		pg, err := store.NewPostgresStore(ctx, a.Config.PostgresDSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pg.Close)
		return pg, nil
	case "memory":
		return store.NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown STORE_BACKEND %q", a.Config.StoreBackend)
}

func (a *App) openBus() (bus.Bus, error) {
	switch a.Config.BusBackend {
	case "redis":
		return bus.NewRedisBus(a.redis, a.Config.BusStreamPrefix, a.Config.BusGroup, a.Config.WorkerID,
			a.Config.WorkerPollInterval, a.Config.BusClaimIdle), nil
	case "memory":
		return bus.NewMemoryBus(a.Config.BusBuffer, a.Config.WorkerPollInterval), nil
	}
	return nil, fmt.Errorf("unknown BUS_BACKEND %q", a.Config.BusBackend)
}

// Limiter returns the ingress admission limiter, shared through Redis when
// available. It returns nil when RATE_LIMIT_CAPACITY is not positive.
func (a *App) Limiter() api.Limiter {
	if a.Config.RateLimitCapacity <= 0 {
		return nil
	}
	if a.redis != nil {
		return ratelimit.NewSharedLimiter(a.redis, a.Config.RateLimitCapacity, a.Config.RateLimitRefill)
	}
	return ratelimit.NewLocalLimiter(a.Config.RateLimitCapacity, a.Config.RateLimitRefill)
}

// Router builds the ingress HTTP handler.
func (a *App) Router() http.Handler {
	sub := pipeline.NewSubmitter(a.Store, a.Bus, a.Logger)
	return api.New(sub, a.Store, a.Limiter(), a.Logger).TrustProxies(a.Config.TrustedProxies).Router()
}

// WorkerOptions overrides collaborators of the worker side, mostly for tests.
type WorkerOptions struct {
	Search pipeline.ChannelSearcher
	Items  pipeline.ItemLister
}

// NewProcessor registers the resolution stage, the listing stage and the
// outbox on one processor.
func (a *App) NewProcessor(ctx context.Context, opts WorkerOptions) (*worker.Processor, error) {
	cfg := a.Config
	if cfg.YouTubeAPIKey == "" {
		a.Logger.Warn("YOUTUBE_API_KEY is empty, every job will fail at resolution")
	}

	if opts.Search == nil || opts.Items == nil {
		yt := youtube.New(youtube.Options{
			BaseURL:        cfg.YouTubeBaseURL,
			APIKey:         cfg.YouTubeAPIKey,
			Timeout:        cfg.ExternalTimeout,
			MaxAttempts:    cfg.ExternalMaxAttempts,
			BackoffInitial: cfg.ExternalBackoffInitial,
			BackoffMax:     cfg.ExternalBackoffMax,
			RateLimit:      cfg.ExternalRateLimit,
		}, a.Logger.Named("youtube"))
		if opts.Search == nil {
			opts.Search = yt
		}
		if opts.Items == nil {
			opts.Items = yt
		}
	}

	resolver := pipeline.NewResolver(a.Store, a.Bus, opts.Search, pipeline.ResolverConfig{
		APIKey:        cfg.YouTubeAPIKey,
		ApplyFallback: cfg.ResolveApplyFallback,
	}, a.Logger)
	lister := pipeline.NewLister(a.Store, a.Bus, opts.Items, pipeline.ListerConfig{
		APIKey:   cfg.YouTubeAPIKey,
		PageSize: cfg.ItemsPageSize,
	}, a.Logger)

	notifier, err := outbox.New(ctx, outbox.Config{
		Dir:             cfg.OutboxDir,
		S3Bucket:        cfg.OutboxS3Bucket,
		S3Region:        cfg.OutboxS3Region,
		S3Endpoint:      cfg.OutboxS3Endpoint,
		S3PathStyle:     cfg.OutboxS3PathStyle,
		ThumbnailWidth:  cfg.OutboxThumbnailWidth,
		DownloadTimeout: cfg.OutboxDownloadTimeout,
		MaxBytes:        cfg.OutboxMaxBytes,
	}, a.Store, a.Logger)
	if err != nil {
		return nil, fmt.Errorf("init outbox: %w", err)
	}

	p := worker.NewProcessor(a.Bus, a.Logger.Named("worker"), cfg.WorkerConcurrency)
	errs := []error{
		p.RegisterHandler(resolver.Topic(), resolver.Handle),
		p.RegisterHandler(lister.Topic(), lister.Handle),
	}
	for topic, h := range notifier.Handlers() {
		errs = append(errs, p.RegisterHandler(topic, h))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return p, nil
}

// Close releases connections in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
