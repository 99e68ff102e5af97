package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/pageza/alchemorsel-v2/pipeline/config"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/api"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/authz"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/database"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/middleware"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/notify"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/orchestrator"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/service"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/source"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/stage"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/storage"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/store"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/trigger"
)

// app is the fully wired pipeline shared by serve and worker.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	db       *gorm.DB
	redis    *redis.Client
	notifier notify.Notifier
	store    *store.GormStore
	router   *trigger.Router
	worker   *trigger.Worker

	closers []io.Closer
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	ready := false
	defer func() {
		if !ready {
			_ = a.Close()
		}
	}()

	var err error
	a.db, err = database.Open(cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	if err := database.RunMigrations(a.db, cfg.Database.Migrations, logger); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	if cfg.Redis.Enabled() {
		a.redis, err = database.NewRedisClient(cfg.Redis, logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, a.redis)
	}

	a.notifier, err = newNotifier(ctx, cfg, a.redis, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.notifier)

	a.store = store.NewGormStore(a.db, a.notifier, logger.Named("store"))

	llm, err := service.NewLLMService(cfg.LLM, logger)
	if err != nil {
		return nil, err
	}
	images, err := service.NewImageService(cfg.Images, logger)
	if err != nil {
		return nil, err
	}
	objects, err := storage.New(ctx, cfg.Storage, logger.Named("storage"))
	if err != nil {
		return nil, err
	}

	pc := cfg.Pipeline
	var fetchOpts []source.FetcherOption
	if pc.AllowPrivateNetworks {
		fetchOpts = append(fetchOpts, source.AllowPrivateNetworks())
	}
	pages := source.NewFetcher(pc.SourceFetchTimeout, fetchOpts...)
	failure := stage.NewFailure(a.store, logger)
	stages := orchestrator.Stages{
		Extraction: stage.NewExtraction(llm, a.store, failure, stage.ExtractionConfig{
			MinSourceLength: pc.MinSourceLength,
			Timeout:         pc.ExtractionTimeout,
		}, logger),
		Nutrition: stage.NewNutrition(llm, a.store, pc.NutritionTimeout, logger),
		Image: stage.NewImage(
			stage.NewScraper(pages, stage.NewHTTPProber(pc.ImageScrapeTimeout, pc.AllowPrivateNetworks), pc.MinImageDimension, logger),
			images, objects, a.store,
			stage.ImageConfig{ScrapeTimeout: pc.ImageScrapeTimeout, SynthTimeout: pc.ImageSynthTimeout},
			logger,
		),
		Failure: failure,
	}
	orch := orchestrator.New(a.store, source.NewResolver(pages, llm, logger), stages, orchestrator.DefaultRetry, logger)

	var claimer trigger.Claimer = trigger.NewMemoryClaimer()
	if a.redis != nil {
		claimer = trigger.NewRedisClaimer(a.redis, "pipeline")
	}
	a.router = trigger.NewRouter(a.store, orch, claimer, pc.DedupWindow, logger)
	a.worker = trigger.NewWorker(a.notifier, a.router, a.store, trigger.WorkerConfig{
		Group:         cfg.Notifier.Group,
		Concurrency:   pc.WorkerConcurrency,
		SweepInterval: pc.SweepInterval,
		SweepPageSize: pc.SweepPageSize,
	}, logger)

	ready = true
	return a, nil
}

// newNotifier builds the configured change-event transport.
func newNotifier(ctx context.Context, cfg *config.Config, client *redis.Client, logger *zap.Logger) (notify.Notifier, error) {
	nc := cfg.Notifier
	switch nc.Transport {
	case "", "memory":
		return notify.NewMemory(logger), nil
	case "redis":
		if client == nil {
			return nil, errors.New("redis notifier requires redis.url or redis.host")
		}
		return notify.NewRedis(client, nc.Channel, logger), nil
	case "postgres":
		if cfg.Database.Driver != "postgres" {
			return nil, errors.New("postgres notifier requires the postgres database driver")
		}
		return notify.NewPostgres(ctx, cfg.Database.URL(), nc.Channel, logger)
	case "kafka":
		if len(nc.KafkaBrokers) == 0 {
			return nil, errors.New("kafka notifier requires notifier.kafka_brokers")
		}
		return notify.NewKafka(nc.KafkaBrokers, nc.KafkaTopic, logger), nil
	default:
		return nil, fmt.Errorf("unknown notifier transport %q", nc.Transport)
	}
}

// apiDeps assembles the HTTP layer's dependencies.
func (a *app) apiDeps() api.Deps {
	var services middleware.ServiceKeyVerifier
	if a.cfg.Auth.ServiceKeyHash != "" {
		services = authz.NewServiceKeyVerifier(a.cfg.Auth.ServiceKeyHash, "service")
	}

	checks := map[string]api.HealthCheck{
		"database": func(ctx context.Context) error { return database.HealthCheck(ctx, a.db) },
	}
	if a.redis != nil {
		checks["redis"] = func(ctx context.Context) error { return a.redis.Ping(ctx).Err() }
	}

	return api.Deps{
		Store:      a.store,
		Dispatcher: a.router,
		Tokens:     authz.NewTokenService(a.cfg.Auth.JWTSecret),
		Services:   services,
		Creation:   middleware.NewCreationRateLimiter(a.redis, a.cfg.RateLimit, a.logger),
		Enrich:     middleware.NewEnrichRateLimiter(a.redis, a.cfg.RateLimit, a.logger),
		Health:     checks,
	}
}

// Close releases everything newApp opened, in reverse order.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			errs = append(errs, sqlDB.Close())
		}
	}
	return errors.Join(errs...)
}
