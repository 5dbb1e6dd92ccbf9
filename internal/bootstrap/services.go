package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/sheet-assist/sssystem/config"
	"github.com/sheet-assist/sssystem/internal/adapters/retrysweep"
	"github.com/sheet-assist/sssystem/internal/adapters/watchdog"
	"github.com/sheet-assist/sssystem/internal/core"
	"github.com/sheet-assist/sssystem/internal/data"
	"github.com/sheet-assist/sssystem/internal/engine"
	"github.com/sheet-assist/sssystem/internal/observability/statsd"
	"github.com/sheet-assist/sssystem/internal/persist"
	"github.com/sheet-assist/sssystem/internal/scrape"
	"github.com/sheet-assist/sssystem/internal/service"
)

// ServiceContainer holds all application services.
type ServiceContainer struct {
	Engine     *engine.Engine
	Status     *service.StatusService
	Store      core.JobStore
	Watchdog   *watchdog.Runner
	RetrySweep *retrysweep.Runner
	Metrics    *statsd.Client
}

// ServiceDeps groups dependencies for service initialization. DB may be nil
// when the engine runs on the in-memory store; RedisClient may be nil when
// the status cache is disabled.
type ServiceDeps struct {
	Config      *config.AppConfig
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

// NewServices wires the store, scraper, engine, status service, and
// background runners from loaded configuration.
func NewServices(deps ServiceDeps) (*ServiceContainer, error) {
	if deps.Config == nil {
		return nil, errors.New("config is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := deps.Config

	metricsSink, err := buildMetricsSink(cfg.Observability.Metrics, logger)
	if err != nil {
		return nil, err
	}

	store, persister, prospects, err := buildStorage(cfg, deps.DB, logger)
	if err != nil {
		return nil, err
	}

	scraper := scrape.NewScraper(scrape.ScraperOptions{
		HTTPClient: &http.Client{Timeout: cfg.Scraper.HTTPTimeout},
		Prospects:  prospects,
		Logger:     logger,
		UserAgent:  cfg.Scraper.UserAgent,
	})

	backoff, err := cfg.Engine.BackoffPolicy()
	if err != nil {
		return nil, fmt.Errorf("build backoff policy: %w", err)
	}

	eng, err := engine.New(engine.Options{
		Store:     store,
		Work:      scraper.Work,
		Persister: persister,
		Backoff:   backoff,
		Workers:   cfg.Engine.Workers,
		Logger:    logger,
		Metrics:   sinkOrNil(metricsSink),
	})
	if err != nil {
		return nil, fmt.Errorf("build engine: %w", err)
	}

	var cache core.StatusCache
	if deps.RedisClient != nil {
		cache = data.NewRedisStatusCache(deps.RedisClient)
	}
	status, err := service.NewStatusService(service.StatusServiceOptions{
		Engine:      eng,
		Cache:       cache,
		TTL:         cfg.Cache.StatusTTL,
		TerminalTTL: cfg.Cache.TerminalStatusTTL,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build status service: %w", err)
	}

	container := &ServiceContainer{
		Engine:  eng,
		Status:  status,
		Store:   store,
		Metrics: metricsSink,
	}

	if cfg.Watchdog.Enabled {
		container.Watchdog, err = watchdog.NewRunner(watchdog.RunnerOptions{
			Engine:    eng,
			Store:     store,
			Interval:  cfg.Watchdog.Interval,
			Threshold: cfg.Watchdog.Threshold,
			Logger:    logger,
			Metrics:   sinkOrNil(metricsSink),
		})
		if err != nil {
			return nil, fmt.Errorf("build watchdog: %w", err)
		}
	}

	if cfg.RetrySweep.Enabled {
		container.RetrySweep, err = retrysweep.NewRunner(retrysweep.RunnerOptions{
			Engine:    eng,
			Store:     store,
			Schedule:  cfg.RetrySweep.Schedule,
			BatchSize: cfg.RetrySweep.BatchSize,
			Logger:    logger,
			Metrics:   sinkOrNil(metricsSink),
		})
		if err != nil {
			return nil, fmt.Errorf("build retry sweep: %w", err)
		}
	}

	return container, nil
}

// buildStorage selects the job store backend and, when a database is
// available, the prospect upsert and run recording collaborators.
func buildStorage(
	cfg *config.AppConfig,
	db *sql.DB,
	logger *slog.Logger,
) (core.JobStore, core.Persister, scrape.ProspectUpserter, error) {
	if cfg.Engine.Store == config.EngineStoreMemory {
		logger.Warn("using in-memory job store; jobs are lost on restart")
		return data.NewMemoryStore(), nil, nil, nil
	}

	if db == nil {
		return nil, nil, nil, errors.New("postgres job store requires a database connection")
	}

	repo, err := data.NewJobRepo(data.JobRepoOptions{DB: db, Logger: logger})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("build job repo: %w", err)
	}
	prospects, err := persist.NewProspectStore(db, logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("build prospect store: %w", err)
	}
	recorder, err := persist.NewRunRecorder(db, logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("build run recorder: %w", err)
	}
	return repo, recorder, prospects, nil
}

func buildMetricsSink(cfg config.ObservabilityMetricsConfig, logger *slog.Logger) (*statsd.Client, error) {
	if !cfg.IsEnabled() {
		return nil, nil
	}
	client, err := statsd.NewClient(statsd.Config{
		Enabled: true,
		Address: cfg.StatsdAddress,
		Prefix:  "sssystem",
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build statsd client: %w", err)
	}
	return client, nil
}

// sinkOrNil avoids handing collaborators a typed-nil Sink interface.
func sinkOrNil(c *statsd.Client) statsd.Sink {
	if c == nil {
		return nil
	}
	return c
}

// RunServicesWithShutdown starts the engine, the HTTP server, and the
// background runners, then blocks until a shutdown signal or a service
// failure. In-flight jobs get DrainTimeout to finish.
func RunServicesWithShutdown(cfg *config.AppConfig, services *ServiceContainer, logger *slog.Logger) error {
	if cfg == nil || services == nil {
		return errors.New("config and services are required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := StartHTTPServer(HTTPServerConfig{
		Addr:     cfg.HTTP.Addr,
		Services: services,
		Logger:   logger,
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return services.Engine.Run(gctx, cfg.Engine.DrainTimeout)
	})

	if services.Watchdog != nil {
		g.Go(func() error {
			return services.Watchdog.Run(gctx)
		})
	}

	if services.RetrySweep != nil {
		g.Go(func() error {
			return services.RetrySweep.Run(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return ShutdownHTTPServer(server, cfg.HTTP.ShutdownTimeout, logger)
	})

	err := g.Wait()
	if services.Metrics != nil {
		if closeErr := services.Metrics.Close(); closeErr != nil {
			logger.Warn("close statsd client", "error", closeErr)
		}
	}
	return err
}
