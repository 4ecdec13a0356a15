// Package app assembles the runtime graph shared by the api and worker binaries.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"content-orchestrator/internal/config"
	"content-orchestrator/internal/content"
	"content-orchestrator/internal/docsync"
	"content-orchestrator/internal/idempotency"
	"content-orchestrator/internal/ledger"
	"content-orchestrator/internal/models"
	"content-orchestrator/internal/notify"
	"content-orchestrator/internal/queue"
	"content-orchestrator/internal/ratelimit"
	"content-orchestrator/internal/store"
	"content-orchestrator/internal/store/memory"
	"content-orchestrator/internal/worker"
)

// Store is every persistence contract the components need. Both the Postgres and the
// in-memory store satisfy it.
type Store interface {
	worker.JobStore
	ledger.Store
	idempotency.Store
	docsync.Store
	CreateDocument(ctx context.Context, doc models.Document) (models.Document, error)
	Ping(ctx context.Context) error
	Close()
}

// App holds the wired components.
type App struct {
	Config       config.Config
	Logger       *slog.Logger
	Store        Store
	Redis        *redis.Client
	Queue        *queue.RedisQueue
	Ledger       *ledger.Ledger
	Idempotency  *idempotency.Cache
	Limiter      *ratelimit.OwnerLimiter
	Orchestrator *worker.Orchestrator
	Processor    *worker.Processor
	Scheduler    *worker.PollScheduler
}

// Build connects the store and transport named by cfg and wires everything on top.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.Store = st

	needRedis := !cfg.InlineMode()
	if needRedis || cfg.RateLimitCapacity > 0 {
		a.Redis = queue.NewRedisClient(cfg)
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			if needRedis {
				a.Close()
				return nil, fmt.Errorf("connect redis: %w", err)
			}
			logger.Warn("redis unavailable, rate limiting and pub/sub notifications disabled", slog.String("error", err.Error()))
			_ = a.Redis.Close()
			a.Redis = nil
		}
	}

	var transport worker.Transport
	if needRedis {
		a.Queue = queue.NewRedisQueue(a.Redis, cfg)
		transport = a.Queue
	}

	docs, err := documentService(ctx, cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	var notifier notify.Notifier = notify.LogNotifier{Logger: logger}
	if a.Redis != nil {
		notifier = notify.NewRedisNotifier(a.Redis, cfg.NotifyChannelPrefix)
	}

	a.Ledger = ledger.New(st)
	recorder := ledger.NewRecorder(a.Ledger, logger)
	a.Idempotency = idempotency.New(st)
	a.Limiter = ratelimit.NewOwnerLimiter(a.Redis, cfg.RateLimitCapacity, cfg.RateLimitRefill)
	a.Orchestrator = worker.NewOrchestrator(st, transport, recorder, cfg.RetryPolicy(), logger)

	images, err := worker.NewImageHandler(ctx, cfg, worker.NewCodecPool(cfg.CodecPoolSize))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init image handler: %w", err)
	}
	handlers := worker.Handlers(worker.Deps{
		Documents:           st,
		Sync:                docsync.NewService(st, docs, cfg.ReconcileBackoff(), logger),
		Submitter:           a.Orchestrator,
		Fetcher:             content.NewFetcher(cfg.DownloadTimeout, cfg.DownloadMaxBytes),
		Composer:            content.NewComposer(),
		DownloadConcurrency: cfg.DownloadConcurrency,
		Images:              images,
	})
	a.Processor, err = worker.NewProcessor(st, transport, handlers, recorder, notifier, worker.Options{
		Policy:             cfg.RetryPolicy(),
		Concurrency:        cfg.WorkerConcurrency,
		PollInterval:       cfg.WorkerPollInterval,
		VisibilityTimeout:  cfg.VisibilityTimeout,
		ScheduledBatchSize: cfg.ScheduledBatchSize,
		ProgressLogLines:   cfg.ProgressLogLines,
	}, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	if transport == nil {
		a.Orchestrator.AttachInline(a.Processor)
	}

	var lock worker.Locker
	if a.Queue != nil {
		lock = a.Queue
	}
	a.Scheduler = worker.NewPollScheduler(a.Orchestrator, lock, cfg.WorkerID, cfg.DrivePollInterval, logger)
	return a, nil
}

// Ping checks the store and, when used, Redis.
func (a *App) Ping(ctx context.Context) error {
	if err := a.Store.Ping(ctx); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if a.Redis != nil {
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// Close releases connections.
func (a *App) Close() {
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.Store != nil {
		a.Store.Close()
	}
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (Store, error) {
	switch cfg.StoreDriver {
	case config.StoreMemory:
		logger.Warn("using in-memory store; state is lost on exit")
		return memory.New(), nil
	case config.StorePostgres, "":
		st, err := store.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if err := st.RunMigrations(ctx); err != nil {
			st.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

func documentService(ctx context.Context, cfg config.Config, logger *slog.Logger) (docsync.DocumentService, error) {
	if cfg.DriveCredentialsFile == "" {
		logger.Warn("no drive credentials configured, using in-memory documents")
		return docsync.NewMemoryDocs(), nil
	}
	return docsync.NewGoogleDocs(ctx, cfg.DriveCredentialsFile)
}
