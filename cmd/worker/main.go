package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sitepulse/scheduler/internal/analyze"
	"github.com/sitepulse/scheduler/internal/config"
	"github.com/sitepulse/scheduler/internal/dispatch"
	"github.com/sitepulse/scheduler/internal/docstore"
	"github.com/sitepulse/scheduler/internal/kv"
	"github.com/sitepulse/scheduler/internal/lease"
	"github.com/sitepulse/scheduler/internal/notify"
	"github.com/sitepulse/scheduler/internal/pipeline"
	"github.com/sitepulse/scheduler/internal/policy"
	"github.com/sitepulse/scheduler/internal/queue"
	"github.com/sitepulse/scheduler/internal/registry"
	"github.com/sitepulse/scheduler/internal/renotifier"
	"github.com/sitepulse/scheduler/internal/repository"
	"github.com/sitepulse/scheduler/internal/scheduler"
	"github.com/sitepulse/scheduler/internal/scrape"
	"github.com/sitepulse/scheduler/internal/telemetry"
)

const shutdownGrace = 90 * time.Second

func main() {
	logger := log.New(os.Stdout, "[sitepulse-worker] ", log.LstdFlags|log.LUTC|log.Lmicroseconds)
	if err := config.LoadDotEnv(".env", ".env.local"); err != nil {
		logger.Printf("failed loading .env files: %v", err)
	}
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, storeCloser := setupStore(ctx, cfg, logger)
	defer storeCloser()

	repo, repoCloser := setupRepository(ctx, cfg, logger)
	defer repoCloser()

	queues := queue.NewListQueues(store)
	leases := lease.NewManager(store, cfg.WorkerID)
	policyEngine := policy.NewEngine(store)

	registryClient := registry.NewClient(registry.Config{
		BaseURL:        cfg.APIServiceURL,
		InternalAPIKey: cfg.InternalAPIKey,
		Timeout:        time.Duration(cfg.StoreTimeoutMS) * time.Millisecond,
		Store:          store,
		Logger:         logger,
	})
	scrapeClient := scrape.NewClient(scrape.Config{
		BaseURL:        cfg.BrowserServiceURL,
		InternalAPIKey: cfg.InternalAPIKey,
		Timeout:        time.Duration(cfg.ScrapeTimeoutMS) * time.Millisecond,
	})
	analyzeClient := analyze.NewClient(analyze.Config{
		BaseURL:        cfg.LLMServiceURL,
		InternalAPIKey: cfg.InternalAPIKey,
		Timeout:        time.Duration(cfg.AnalyzeTimeoutMS) * time.Millisecond,
		MaxTokens:      cfg.AnalysisMaxTokens,
		Model:          cfg.AnalysisModel,
	})
	docstoreClient := docstore.NewClient(docstore.Config{
		BaseURL:        cfg.DataStorageURL,
		InternalAPIKey: cfg.InternalAPIKey,
		Timeout:        time.Duration(cfg.StoreTimeoutMS) * time.Millisecond,
	})
	broadcaster := telemetry.NewBroadcaster(telemetry.Config{
		DashboardURL: cfg.DashboardURL,
		Timeout:      time.Duration(cfg.TelemetryTimeoutMS) * time.Millisecond,
		Logger:       logger,
		Verbose:      cfg.TelemetryVerbose,
	})

	runner := pipeline.NewRunner(pipeline.Dependencies{
		Scraper:        scrapeClient,
		Analyzer:       analyzeClient,
		Policy:         policyEngine,
		Alerts:         repo.alerts,
		FailedTasks:    repo.failedTasks,
		AlertQueue:     queues,
		DocStore:       docstoreClient,
		Telemetry:      broadcaster,
		Logger:         logger,
		ScrapeWaitTime: cfg.ScrapeWaitTime,
	})

	batchScheduler := scheduler.New(scheduler.Config{
		WorkerID:             cfg.WorkerID,
		TickInterval:         time.Duration(cfg.TickSeconds) * time.Second,
		JobBatchSize:         cfg.JobBatchSize,
		MaxConcurrentJobs:    cfg.MaxConcurrentJobs,
		MaxConcurrentSources: cfg.MaxConcurrentSources,
	}, scheduler.Dependencies{
		Registry:  registryClient,
		Leases:    leases,
		Runner:    runner,
		Runs:      repo.runs,
		Immediate: queues,
		Store:     store,
		RunStore:  docstoreClient,
		Telemetry: broadcaster,
		Logger:    logger,
	})

	repeater := renotifier.New(renotifier.Dependencies{
		Alerts:   repo.alerts,
		Registry: registryClient,
		Queue:    queues,
		Store:    store,
		Logger:   logger,
	}, time.Duration(cfg.RenotifyTickSeconds)*time.Second)

	dispatcher := dispatch.New(dispatch.Config{
		APIServiceURL: cfg.APIServiceURL,
		DashboardURL:  cfg.DashboardURL,
		RatePerSecond: cfg.DispatchRatePerSecond,
		Burst:         cfg.DispatchBurst,
	}, dispatch.Dependencies{
		Queue:    queues,
		Alerts:   repo.alerts,
		Channels: repo.channels,
		Registry: registryClient,
		Store:    store,
		Mail: notify.NewMailClient(notify.MailConfig{
			APIKey:      cfg.MailAPIKey,
			BaseURL:     cfg.MailAPIBaseURL,
			FromAddress: cfg.MailFromAddress,
			Timeout:     time.Duration(cfg.NotifyTimeoutMS) * time.Millisecond,
		}),
		Webhooks: notify.NewWebhookClient(notify.WebhookConfig{
			Timeout: time.Duration(cfg.NotifyTimeoutMS) * time.Millisecond,
		}),
		Logger: logger,
	})

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		batchScheduler.RunForever(ctx)
	}()
	go func() {
		defer wg.Done()
		if err := repeater.Run(ctx); err != nil {
			logger.Printf("re-notifier terminated: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		dispatcher.Run(ctx)
	}()

	logger.Printf("worker %s running", cfg.WorkerID)
	<-ctx.Done()
	logger.Printf("shutdown signal received, draining")

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Printf("drained cleanly")
	case <-time.After(shutdownGrace):
		logger.Printf("drain grace period elapsed, exiting")
	}
}

// repositories bundles the relational contracts behind one backend choice.
type repositories struct {
	alerts      repository.AlertsRepository
	runs        repository.RunsRepository
	failedTasks repository.FailedTasksRepository
	channels    repository.ChannelsRepository
}

func setupStore(ctx context.Context, cfg config.Config, logger *log.Logger) (kv.Store, func()) {
	if cfg.RedisURL == "" {
		logger.Printf("REDIS_URL not configured, using in-memory store")
		return kv.NewMemoryStore(), func() {}
	}

	store, err := kv.NewRedisStore(ctx, cfg.RedisURL)
	if err != nil {
		logger.Printf("failed to initialize redis store, fallback to memory: %v", err)
		return kv.NewMemoryStore(), func() {}
	}
	logger.Printf("redis store initialized")
	return store, func() {
		_ = store.Close()
	}
}

func setupRepository(ctx context.Context, cfg config.Config, logger *log.Logger) (repositories, func()) {
	if cfg.DatabaseURL == "" {
		logger.Printf("DATABASE_URL not configured, using in-memory repository")
		memory := repository.NewMemoryRepository()
		return repositories{alerts: memory, runs: memory, failedTasks: memory, channels: memory}, func() {}
	}

	pgRepo, err := repository.NewPostgresRepository(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Printf("failed to initialize postgres repository, fallback to memory: %v", err)
		memory := repository.NewMemoryRepository()
		return repositories{alerts: memory, runs: memory, failedTasks: memory, channels: memory}, func() {}
	}
	logger.Printf("postgres repository initialized")
	return repositories{alerts: pgRepo, runs: pgRepo, failedTasks: pgRepo, channels: pgRepo}, func() {
		pgRepo.Close()
	}
}
