// -----------------------------------------------------------------------
// App - dependency wiring and lifecycle
// -----------------------------------------------------------------------

package app

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trawl/internal/common"
	"github.com/ternarybob/trawl/internal/handlers"
	"github.com/ternarybob/trawl/internal/interfaces"
	"github.com/ternarybob/trawl/internal/metrics"
	"github.com/ternarybob/trawl/internal/models"
	"github.com/ternarybob/trawl/internal/queue"
	"github.com/ternarybob/trawl/internal/services/auth"
	"github.com/ternarybob/trawl/internal/services/billing"
	"github.com/ternarybob/trawl/internal/services/blob"
	"github.com/ternarybob/trawl/internal/services/crawl"
	"github.com/ternarybob/trawl/internal/services/events"
	"github.com/ternarybob/trawl/internal/services/extract"
	"github.com/ternarybob/trawl/internal/services/fetch"
	"github.com/ternarybob/trawl/internal/services/idempotency"
	"github.com/ternarybob/trawl/internal/services/limiter"
	"github.com/ternarybob/trawl/internal/services/policy"
	"github.com/ternarybob/trawl/internal/services/scheduler"
	"github.com/ternarybob/trawl/internal/services/search"
	"github.com/ternarybob/trawl/internal/services/webhook"
	"github.com/ternarybob/trawl/internal/services/worker"
	"github.com/ternarybob/trawl/internal/storage"
)

// App holds all application components and dependencies
type App struct {
	Config         *common.Config
	Logger         arbor.ILogger
	StorageManager interfaces.StorageManager

	// Core services
	AuthService        *auth.Service
	BillingService     *billing.Service
	EventService       *events.Service
	WebhookDispatcher  *webhook.Dispatcher
	Queue              interfaces.Queue
	Limiter            interfaces.Limiter
	SchedulerService   *scheduler.Service
	Maintenance        *scheduler.Maintenance
	CrawlService       *crawl.Service
	FetchService       *fetch.Service
	WorkerService      *worker.Service
	IdempotencyService *idempotency.Service
	SearchService      *search.Service

	// HTTP handlers
	ScrapeHandler *handlers.ScrapeHandler
	CrawlHandler  *handlers.CrawlHandler
	BatchHandler  *handlers.BatchHandler
	MapHandler    *handlers.MapHandler
	SearchHandler *handlers.SearchHandler
	StatusHandler *handlers.StatusHandler
	WSHandler     *handlers.WSHandler
	DocsHandler   *handlers.DocsHandler
}

// New creates the application with all services wired.
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	a := &App{
		Config: cfg,
		Logger: logger,
	}

	// Storage first; everything shares its KV store.
	storageManager, err := storage.NewStorageManager(logger, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	a.StorageManager = storageManager
	kv := storageManager.KV()
	crawlStore := storageManager.Crawls()

	authService, err := auth.NewService(cfg, logger)
	if err != nil {
		storageManager.Close()
		return nil, fmt.Errorf("failed to initialize auth: %w", err)
	}
	a.AuthService = authService

	billingService := billing.NewService(kv, logger, cfg.Billing.Enabled, cfg.Billing.DefaultCredits)
	if err := billingService.Seed(context.Background(), authService.Teams()); err != nil {
		storageManager.Close()
		return nil, fmt.Errorf("failed to seed team credits: %w", err)
	}
	a.BillingService = billingService

	eventService := events.NewService(kv, logger)
	a.EventService = eventService

	webhookDispatcher := webhook.NewDispatcher(logger, func(teamID string) string {
		if team, ok := authService.TeamByID(teamID); ok {
			return team.WebhookSecret
		}
		return ""
	}, webhook.Options{
		QueueSize:   cfg.Webhook.QueueSize,
		Timeout:     common.ParseDurationOr(cfg.Webhook.Timeout, 0),
		Backoff:     common.ParseDurationOr(cfg.Webhook.Backoff, 0),
		MaxAttempts: cfg.Webhook.MaxAttempts,
	})
	a.WebhookDispatcher = webhookDispatcher

	jobQueue := queue.New(kv, logger, queue.Options{MaxAttempts: cfg.Queue.MaxAttempts})
	a.Queue = jobQueue

	teamLimiter := limiter.NewService(kv, logger, cfg.Limiter.DefaultMaxConcurrency)
	a.Limiter = teamLimiter

	leaseMargin := common.ParseDurationOr(cfg.Limiter.LeaseMargin, 0)
	schedulerService := scheduler.NewService(jobQueue, teamLimiter, authService, logger, scheduler.Options{
		DefaultMaxConcurrency: cfg.Limiter.DefaultMaxConcurrency,
		LeaseMargin:           leaseMargin,
	})
	a.SchedulerService = schedulerService

	blocklist, err := policy.DefaultBlocklist()
	if err != nil {
		storageManager.Close()
		return nil, fmt.Errorf("failed to load blocklist: %w", err)
	}
	sitemaps := policy.NewSitemapFetcher(logger, cfg.Crawler.UserAgent,
		common.ParseDurationOr(cfg.Crawler.RequestTimeout, 0), cfg.Crawler.MaxLimit)

	crawlService := crawl.NewService(crawlStore, kv, eventService, webhookDispatcher,
		schedulerService, billingService, blocklist, sitemaps, logger, crawl.Options{
			UserAgent:    cfg.Crawler.UserAgent,
			DefaultLimit: cfg.Crawler.DefaultLimit,
			MaxLimit:     cfg.Crawler.MaxLimit,
			Retention:    common.ParseDurationOr(cfg.Maintenance.Retention, 0),
		})
	a.CrawlService = crawlService

	var render *fetch.RenderClient
	if cfg.Render.URL != "" {
		render = fetch.NewRenderClient(cfg.Render.URL, common.ParseDurationOr(cfg.Render.Timeout, 0), logger)
	}
	fetchService := fetch.NewService(render, logger, fetch.Options{
		UserAgent:    cfg.Crawler.UserAgent,
		MaxBodyBytes: int64(cfg.Crawler.MaxBodySizeMB) << 20,
		MaxRedirects: cfg.Crawler.MaxRedirects,
		RequestDelay: common.ParseDurationOr(cfg.Crawler.RequestDelay, 0),
	})
	a.FetchService = fetchService

	extractor, err := extract.New(&cfg.LLM, logger)
	if err != nil {
		storageManager.Close()
		return nil, fmt.Errorf("failed to initialize extractor: %w", err)
	}

	var blobStore interfaces.BlobStore
	s3Store, err := blob.NewS3Store(&cfg.Blob, logger)
	if err != nil {
		storageManager.Close()
		return nil, fmt.Errorf("failed to initialize blob store: %w", err)
	}
	if s3Store != nil {
		blobStore = s3Store
	}

	workerService := worker.NewService(worker.Deps{
		Queue:     jobQueue,
		Fetcher:   fetchService,
		Crawls:    crawlService,
		Scheduler: schedulerService,
		Events:    eventService,
		Webhooks:  webhookDispatcher,
		Billing:   billingService,
		Extractor: extractor,
		Blobs:     blobStore,
	}, logger, worker.Options{
		Concurrency:        cfg.Queue.Concurrency,
		PollInterval:       common.ParseDurationOr(cfg.Queue.PollInterval, 0),
		ReservationTimeout: common.ParseDurationOr(cfg.Queue.ReservationTimeout, 0),
		MaxAttempts:        cfg.Queue.MaxAttempts,
		RetryBackoff:       common.ParseDurationOr(cfg.Queue.RetryBackoff, 0),
		MaxRetryBackoff:    common.ParseDurationOr(cfg.Queue.MaxRetryBackoff, 0),
		LeaseMargin:        leaseMargin,
	})
	a.WorkerService = workerService

	maintenance, err := scheduler.NewMaintenance(schedulerService, crawlStore, logger, scheduler.MaintenanceOptions{
		LeaseSweepSchedule: cfg.Maintenance.LeaseSweepSchedule,
		PurgeSchedule:      cfg.Maintenance.PurgeSchedule,
		Retention:          common.ParseDurationOr(cfg.Maintenance.Retention, 0),
	})
	if err != nil {
		storageManager.Close()
		return nil, fmt.Errorf("failed to initialize maintenance: %w", err)
	}
	maintenance.SetExhaustedHandler(func(ctx context.Context, unit *models.Unit) {
		crawlService.FailUnit(ctx, unit, "retry attempts exhausted", models.ErrCodeUpstream)
	})
	if err := a.registerSweeps(maintenance, crawlService, crawlStore, jobQueue, teamLimiter, authService); err != nil {
		storageManager.Close()
		return nil, fmt.Errorf("failed to register maintenance sweeps: %w", err)
	}
	a.Maintenance = maintenance

	idempotencyService := idempotency.NewService(kv, logger,
		common.ParseDurationOr(cfg.Limiter.IdempotencyTTL, 0))
	a.IdempotencyService = idempotencyService

	if cfg.Search.URL != "" {
		provider := search.NewSearxNG(&cfg.Search, logger)
		a.SearchService = search.NewService(provider, schedulerService, eventService, logger, search.Options{})
	}

	// HTTP handlers on top of the services.
	docsHandler, err := handlers.NewDocsHandler(logger)
	if err != nil {
		storageManager.Close()
		return nil, fmt.Errorf("failed to initialize docs handler: %w", err)
	}
	a.ScrapeHandler = handlers.NewScrapeHandler(schedulerService, eventService, billingService, blocklist, logger)
	a.CrawlHandler = handlers.NewCrawlHandler(crawlService, idempotencyService, logger)
	a.BatchHandler = handlers.NewBatchHandler(crawlService, idempotencyService, logger)
	a.MapHandler = handlers.NewMapHandler(fetchService, sitemaps, blocklist, logger)
	a.SearchHandler = handlers.NewSearchHandler(a.SearchService, logger)
	a.StatusHandler = handlers.NewStatusHandler(storageManager, logger)
	a.WSHandler = handlers.NewWSHandler(crawlService, eventService, logger)
	a.DocsHandler = docsHandler

	logger.Info().
		Str("storage", cfg.Storage.Type).
		Str("auth_mode", cfg.Auth.Mode).
		Int("worker_concurrency", cfg.Queue.Concurrency).
		Msg("Application initialized")

	return a, nil
}

// registerSweeps adds the sweeps that live outside the scheduler's
// built-ins: the stalled-crawl completion re-check and the gauge refresh.
func (a *App) registerSweeps(
	maintenance *scheduler.Maintenance,
	crawlService *crawl.Service,
	crawlStore interfaces.CrawlStore,
	jobQueue interfaces.Queue,
	teamLimiter interfaces.Limiter,
	authService *auth.Service,
) error {
	err := maintenance.Register("crawl-reevaluate", "@every 1m",
		"re-runs the completion evaluator over ongoing crawls",
		func(ctx context.Context) error {
			for _, team := range authService.Teams() {
				records, err := crawlStore.ListOngoing(ctx, team.ID)
				if err != nil {
					return err
				}
				for _, record := range records {
					crawlService.Reevaluate(ctx, record.ID)
				}
			}
			return nil
		})
	if err != nil {
		return err
	}

	return maintenance.Register("metrics-refresh", "@every 15s",
		"refreshes queue depth and concurrency lease gauges",
		func(ctx context.Context) error {
			stats, err := jobQueue.Stats(ctx)
			if err != nil {
				return err
			}
			metrics.QueueDepth.WithLabelValues("pending").Set(float64(stats.Pending))
			metrics.QueueDepth.WithLabelValues("reserved").Set(float64(stats.Reserved))
			metrics.QueueDepth.WithLabelValues("delayed").Set(float64(stats.Delayed))
			for _, team := range authService.Teams() {
				active, err := teamLimiter.ActiveCount(ctx, team.ID)
				if err != nil {
					continue
				}
				metrics.ActiveLeases.WithLabelValues(team.ID).Set(float64(active))
			}
			return nil
		})
}

// Start launches the worker pool and maintenance sweeps. The initial
// sweep pass settles anything a previous process left behind.
func (a *App) Start() error {
	if err := a.WorkerService.Start(); err != nil {
		return fmt.Errorf("failed to start workers: %w", err)
	}
	if err := a.Maintenance.Start(); err != nil {
		return fmt.Errorf("failed to start maintenance: %w", err)
	}
	common.SafeGo(a.Logger, "boot-sweep", func() {
		a.Maintenance.RunAll()
	})
	return nil
}

// Close shuts down background work and releases storage.
func (a *App) Close() error {
	a.Logger.Info().Msg("Shutting down application")

	a.Maintenance.Stop()
	if err := a.WorkerService.Stop(); err != nil {
		a.Logger.Warn().Err(err).Msg("Worker pool shutdown incomplete")
	}
	a.WebhookDispatcher.Close()

	if err := a.StorageManager.Close(); err != nil {
		return fmt.Errorf("failed to close storage: %w", err)
	}
	a.Logger.Info().Msg("Application stopped")
	return nil
}
