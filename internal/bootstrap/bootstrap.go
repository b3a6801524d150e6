// Package bootstrap wires configuration into the object graph shared by the
// api and worker binaries.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/agridesk/subsidy-extraction/internal/config"
	"github.com/agridesk/subsidy-extraction/internal/core/domain"
	"github.com/agridesk/subsidy-extraction/internal/core/ports"
	"github.com/agridesk/subsidy-extraction/internal/core/usecase"
	"github.com/agridesk/subsidy-extraction/internal/infrastructure/cache"
	"github.com/agridesk/subsidy-extraction/internal/infrastructure/cachesync/redis"
	"github.com/agridesk/subsidy-extraction/internal/infrastructure/queue/nats"
	"github.com/agridesk/subsidy-extraction/internal/infrastructure/recognition"
	"github.com/agridesk/subsidy-extraction/internal/infrastructure/repository/postgres"
	"github.com/agridesk/subsidy-extraction/internal/infrastructure/resilience"
)

const (
	attemptCacheNamespace  = "attempts"
	snapshotCacheNamespace = "jobs"
)

// CacheObserver receives cache traffic observations; both metrics registries
// implement it.
type CacheObserver interface {
	CacheHit(service, namespace string)
	CacheMiss(service, namespace string)
	CacheEviction(service, namespace, cause string)
}

type Options struct {
	Service       string
	CacheObserver CacheObserver
}

type App struct {
	Config config.Config

	Bus       *nats.Bus
	Jobs      *postgres.JobRepository
	Quotas    *postgres.QuotaRepository
	Governor  *usecase.QuotaGovernor
	ExtractUC ports.DocumentExtractor

	snapshots *cache.Cache[*domain.ProcessingJob]
	statusCfg usecase.StatusConfig

	closeFn func()
}

func New(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	if opts.Service == "" {
		opts.Service = "api"
	}

	db, err := postgres.OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	jobs := postgres.NewJobRepository(db)
	if err := jobs.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	quotas := postgres.NewQuotaRepository(db)

	bus, err := nats.NewWithOptions(cfg.NATSURL, nats.Options{
		ResilienceExecutor: resilience.NewExecutor(resilience.DefaultConfig()),
	})
	if err != nil {
		return nil, fmt.Errorf("init message bus: %w", err)
	}

	var broadcaster *redis.Broadcaster
	if cfg.RedisAddr != "" {
		broadcaster, err = redis.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, fmt.Errorf("init cache sync: %w", err)
		}
	}

	attemptCache := cache.New[*domain.ExtractionAttempt](cacheConfig(
		attemptCacheNamespace,
		cfg.AttemptCacheCapacity,
		time.Duration(cfg.AttemptCacheTTLSeconds)*time.Second,
		broadcaster,
		opts,
	))
	snapshots := cache.New[*domain.ProcessingJob](cacheConfig(
		snapshotCacheNamespace,
		cfg.SnapshotCacheCapacity,
		time.Duration(cfg.SnapshotCacheTTLSeconds)*time.Second,
		broadcaster,
		opts,
	))
	attemptCache.StartSweeper(ctx, 5*time.Minute)
	snapshots.StartSweeper(ctx, time.Minute)

	if broadcaster != nil {
		broadcaster.Listen(ctx, attemptCacheNamespace, attemptCache.ApplyRemote)
		broadcaster.Listen(ctx, snapshotCacheNamespace, snapshots.ApplyRemote)
	}

	governor := usecase.NewQuotaGovernor(quotas, map[domain.Service]domain.QuotaLimits{
		domain.ServiceRecognitionOCR: {
			Window:        domain.WindowDaily,
			RequestsLimit: int64(cfg.OCRDailyRequestLimit),
			CostLimit:     cfg.OCRDailyCostLimit,
		},
		domain.ServiceAICompletion: {
			Window:        domain.WindowPerMinute,
			RequestsLimit: int64(cfg.AIPerMinuteRequestLimit),
			CostLimit:     cfg.AIPerMinuteCostLimit,
		},
	}, nil)

	recognitionClient := recognition.New(cfg.RecognitionURL, time.Duration(cfg.RecognitionTimeoutSeconds)*time.Second)

	templates, err := usecase.LoadTemplates()
	if err != nil {
		return nil, fmt.Errorf("load field templates: %w", err)
	}

	extractUC := usecase.NewExtractDocumentUseCase(
		recognitionClient,
		governor,
		jobs,
		bus,
		templates,
		attemptCache,
		usecase.ExtractConfig{
			AttemptCacheTTL: time.Duration(cfg.AttemptCacheTTLSeconds) * time.Second,
		},
	)

	return &App{
		Config:    cfg,
		Bus:       bus,
		Jobs:      jobs,
		Quotas:    quotas,
		Governor:  governor,
		ExtractUC: extractUC,
		snapshots: snapshots,
		statusCfg: usecase.StatusConfig{
			PollBaseInterval: time.Duration(cfg.PollBaseIntervalSeconds) * time.Second,
			PollMaxInterval:  time.Duration(cfg.PollMaxIntervalSeconds) * time.Second,
			SnapshotTTL:      time.Duration(cfg.SnapshotCacheTTLSeconds) * time.Second,
		},
		closeFn: func() {
			bus.Close()
			if broadcaster != nil {
				_ = broadcaster.Close()
			}
			_ = db.Close()
		},
	}, nil
}

// NewStatusWatcher builds a reconciliation session backed by the shared
// snapshot cache and the bus's change feed.
func (a *App) NewStatusWatcher(documentID string, notify func(usecase.Notification)) *usecase.StatusReconciler {
	return usecase.NewStatusReconciler(documentID, a.Jobs, a.Bus, a.Bus, a.snapshots, a.statusCfg, notify)
}

func (a *App) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}

func cacheConfig(namespace string, capacity int, ttl time.Duration, broadcaster *redis.Broadcaster, opts Options) cache.Config {
	cfg := cache.Config{
		Namespace:  namespace,
		Capacity:   capacity,
		DefaultTTL: ttl,
	}
	if broadcaster != nil {
		cfg.Broadcaster = broadcaster
	}
	if obs := opts.CacheObserver; obs != nil {
		service := opts.Service
		cfg.OnHit = func() { obs.CacheHit(service, namespace) }
		cfg.OnMiss = func() { obs.CacheMiss(service, namespace) }
		cfg.OnEvict = func() { obs.CacheEviction(service, namespace, "capacity") }
	}
	return cfg
}
