package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/mixdown/renderd/config"
	"github.com/mixdown/renderd/internal/adapters/crawlworker"
	"github.com/mixdown/renderd/internal/adapters/procmanager"
	"github.com/mixdown/renderd/internal/data"
	"github.com/mixdown/renderd/internal/observability/notify"
	"github.com/mixdown/renderd/internal/observability/notify/pagerduty"
	"github.com/mixdown/renderd/internal/observability/notify/slack"
	"github.com/mixdown/renderd/internal/observability/statsd"
	"github.com/mixdown/renderd/internal/service"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// shutdownWaitTimeout is the maximum time to wait for buffered state (pending
// log flushes) to drain after the service context is cancelled.
const shutdownWaitTimeout = 15 * time.Second

// ServiceContainer holds all application services.
type ServiceContainer struct {
	Ledger        *service.LedgerService
	Orchestrator  *service.OrchestratorService
	Crawler       *service.CrawlService
	Reaper        *service.ReaperService
	CrawlRunner   *crawlworker.Runner
	Processes     *procmanager.Manager
	Logs          *procmanager.LogAggregator
	Observability ObservabilityContainer
}

// ObservabilityContainer groups shared observability dependencies.
type ObservabilityContainer struct {
	MetricsSink   *statsd.Client
	MetricsConfig config.ObservabilityMetricsConfig
	AlertSink     notify.Sink
}

// ServiceDeps groups dependencies for service initialization.
type ServiceDeps struct {
	Config      *config.AppConfig
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

// serviceRepositories groups data adapters backing service ports.
type serviceRepositories struct {
	DB            *sql.DB
	Redis         redis.UniversalClient
	JobRepo       *data.JobRepo
	LedgerRepo    *data.LedgerRepo
	CrawlRepo     *data.CrawlRepo
	ProgressCache *data.RedisProgressCache
	CrawlSignal   *data.RedisCrawlSignal
}

// buildObservability configures metrics and operator alert adapters.
func buildObservability(logger *slog.Logger, cfg config.ObservabilityConfig) ObservabilityContainer {
	obsLogger := logger
	if obsLogger == nil {
		obsLogger = slog.Default()
	}

	var metricsSink *statsd.Client
	if cfg.Metrics.IsEnabled() {
		client, err := statsd.NewClient(statsd.Config{
			Enabled: true,
			Address: cfg.Metrics.StatsdAddress,
			Prefix:  "renderd",
			Logger:  obsLogger,
		})
		if err != nil {
			obsLogger.Error("failed to initialise statsd client", "error", err)
		} else {
			metricsSink = client
		}
	}

	return ObservabilityContainer{
		MetricsSink:   metricsSink,
		MetricsConfig: cfg.Metrics,
		AlertSink:     buildAlertSink(obsLogger, cfg.Notifications),
	}
}

// buildAlertSink fans operator alerts out to every configured destination.
// Returns nil when notifications are disabled; callers treat a nil sink as a no-op.
func buildAlertSink(logger *slog.Logger, cfg config.ObservabilityNotificationsConfig) notify.Sink {
	if !cfg.Enabled {
		return nil
	}

	sinks := make(notify.MultiSink, 0, 2)

	if cfg.Slack.Enabled {
		client, err := slack.NewClient(slack.Config{
			WebhookURL: cfg.Slack.WebhookURL,
			Channel:    cfg.Slack.Channel,
			Username:   cfg.Slack.Username,
			Timeout:    cfg.Timeout,
			RetryLimit: cfg.RetryLimit,
		})
		if err != nil {
			logger.Error("failed to initialise slack notifier", "error", err)
		} else {
			sinks = append(sinks, client)
		}
	}

	if cfg.PagerDuty.Enabled {
		client, err := pagerduty.NewClient(pagerduty.Config{
			RoutingKey: cfg.PagerDuty.RoutingKey,
			Source:     cfg.PagerDuty.Source,
			Component:  cfg.PagerDuty.Component,
			Timeout:    cfg.Timeout,
			RetryLimit: cfg.RetryLimit,
		})
		if err != nil {
			logger.Error("failed to initialise pagerduty notifier", "error", err)
		} else {
			sinks = append(sinks, client)
		}
	}

	if len(sinks) == 0 {
		return nil
	}
	return sinks
}

// buildRepositories builds repositories backing service ports; no business rules here.
func buildRepositories(
	db *sql.DB,
	redisClient redis.UniversalClient,
	cfg *config.AppConfig,
	logger *slog.Logger,
) *serviceRepositories {
	repoCfg := data.RepoConfig{Logger: logger}

	var progressTTL time.Duration
	if cfg != nil {
		progressTTL = cfg.Renderer.ProgressTTL
	}

	repos := &serviceRepositories{
		DB:         db,
		Redis:      redisClient,
		JobRepo:    data.NewJobRepo(db, repoCfg),
		LedgerRepo: data.NewLedgerRepo(db, repoCfg),
		CrawlRepo:  data.NewCrawlRepo(db, repoCfg),
	}
	if redisClient != nil {
		repos.ProgressCache = data.NewRedisProgressCache(redisClient, progressTTL)
		repos.CrawlSignal = data.NewRedisCrawlSignal(redisClient)
	}
	return repos
}

// buildDomainServices wires business services using repositories and observability adapters.
func buildDomainServices(
	repos *serviceRepositories,
	observability ObservabilityContainer,
	cfg *config.AppConfig,
	logger *slog.Logger,
) ServiceContainer {
	appCfg := cfg
	if appCfg == nil {
		appCfg = &config.AppConfig{}
	}
	svcLogger := logger
	if svcLogger == nil {
		svcLogger = slog.Default()
	}

	var metricsSink statsd.Sink
	if observability.MetricsSink != nil {
		metricsSink = observability.MetricsSink
	}

	ledger := service.MustNewLedgerService(service.LedgerServiceOptions{
		Repo:    repos.LedgerRepo,
		Logger:  svcLogger,
		Metrics: metricsSink,
	})

	processes := procmanager.New(procmanager.Options{
		Logger:         svcLogger,
		Notifier:       observability.AlertSink,
		DefaultTimeout: appCfg.Renderer.Timeout,
	})

	logs := procmanager.NewLogAggregator(procmanager.AggregatorOptions{
		Store:  repos.JobRepo,
		Logger: svcLogger,
	})

	orchestratorOpts := service.OrchestratorOptions{
		Jobs:      repos.JobRepo,
		Ledger:    ledger,
		Processes: processes,
		Logs:      logs,
		Renderer: service.RendererConfig{
			Binary:   appCfg.Renderer.Binary,
			BaseArgs: appCfg.Renderer.BaseArgs,
			WorkRoot: appCfg.Renderer.WorkRoot,
			Timeout:  appCfg.Renderer.Timeout,
		},
		Logger:  svcLogger,
		Metrics: metricsSink,
	}
	if repos.ProgressCache != nil {
		orchestratorOpts.Progress = repos.ProgressCache
	}
	orchestrator := service.MustNewOrchestratorService(orchestratorOpts)

	crawlerOpts := service.CrawlServiceOptions{
		Repo:      repos.CrawlRepo,
		Logger:    svcLogger,
		Metrics:   metricsSink,
		BodyLimit: appCfg.Crawler.BodyLimit,
	}
	if repos.CrawlSignal != nil {
		crawlerOpts.Nudger = repos.CrawlSignal
	}
	crawler := service.MustNewCrawlService(crawlerOpts)

	reaper := service.MustNewReaperService(service.ReaperServiceOptions{
		Jobs:         repos.JobRepo,
		Orchestrator: orchestrator,
		Config:       appCfg.Reaper,
		Logger:       svcLogger,
		Metrics:      metricsSink,
	})

	runnerOpts := crawlworker.Options{
		Crawler: crawler,
		Config:  appCfg.Crawler,
		Logger:  svcLogger,
	}
	if repos.CrawlSignal != nil {
		runnerOpts.Signal = repos.CrawlSignal
	}
	runner, err := crawlworker.New(runnerOpts)
	if err != nil {
		panic(fmt.Sprintf("failed to create crawl runner: %v", err))
	}

	return ServiceContainer{
		Ledger:        ledger,
		Orchestrator:  orchestrator,
		Crawler:       crawler,
		Reaper:        reaper,
		CrawlRunner:   runner,
		Processes:     processes,
		Logs:          logs,
		Observability: observability,
	}
}

// NewServices builds the full service container from shared dependencies.
func NewServices(deps *ServiceDeps) ServiceContainer {
	if deps == nil {
		return ServiceContainer{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var obsCfg config.ObservabilityConfig
	if deps.Config != nil {
		obsCfg = deps.Config.Observability
	}
	observability := buildObservability(logger, obsCfg)
	repos := buildRepositories(deps.DB, deps.RedisClient, deps.Config, logger)
	return buildDomainServices(repos, observability, deps.Config, logger)
}

// ServiceOrchestrationConfig contains configuration for service orchestration.
type ServiceOrchestrationConfig struct {
	Config      *config.AppConfig
	Services    ServiceContainer
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

// RunServicesWithShutdown starts all enabled background services and manages
// their lifecycle. It blocks until a shutdown signal is received or a service
// fails, then drains buffered state before returning.
func RunServicesWithShutdown(cfg *ServiceOrchestrationConfig) error {
	if cfg == nil {
		return errors.New("service orchestration config is required")
	}
	if cfg.Config == nil {
		return errors.New("service orchestration config missing AppConfig")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	enabledServices, err := cfg.Config.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("determine enabled services: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	if enabledServices[config.ServiceModeOrchestrator] {
		logger.Info("orchestrator enabled", "work_root", cfg.Config.Renderer.WorkRoot)
	}

	if enabledServices[config.ServiceModeCrawlWorker] {
		runner := cfg.Services.CrawlRunner
		group.Go(func() error {
			logger.Info("background service started", "service", "crawl worker")
			if runErr := runner.Run(groupCtx); runErr != nil {
				return fmt.Errorf("crawl worker failed: %w", runErr)
			}
			return nil
		})
	}

	if enabledServices[config.ServiceModeReaper] {
		reaper := cfg.Services.Reaper
		group.Go(func() error {
			logger.Info("background service started", "service", "reaper")
			if runErr := reaper.Run(groupCtx); runErr != nil {
				return fmt.Errorf("reaper failed: %w", runErr)
			}
			return nil
		})
	}

	// Block until a signal cancels the context or a service fails.
	group.Go(func() error {
		<-groupCtx.Done()
		return nil
	})

	runErr := group.Wait()
	if runErr != nil {
		logger.Error("service error", "error", runErr)
	} else {
		logger.Info("shutting down services...")
	}

	if stopErr := gracefulStop(cfg.Services, logger); stopErr != nil {
		logger.Error("graceful stop failed", "error", stopErr)
	}

	return runErr
}

// gracefulStop drains buffered logs and closes observability sinks. Renderer
// processes are left running: the database keeps their jobs in processing and
// the reaper resolves them if the next instance never re-supervises.
func gracefulStop(services ServiceContainer, logger *slog.Logger) error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownWaitTimeout)
	defer cancel()

	var errs []error

	if services.Logs != nil {
		if err := services.Logs.Close(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("close log aggregator: %w", err))
		} else {
			logger.Info("log aggregator stopped")
		}
	}

	if services.Observability.MetricsSink != nil {
		if err := services.Observability.MetricsSink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close metrics sink: %w", err))
		}
	}

	return errors.Join(errs...)
}
