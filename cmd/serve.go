package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jobsift/crawler/internal/api"
	gcsarchive "github.com/jobsift/crawler/internal/archive/gcs"
	localarchive "github.com/jobsift/crawler/internal/archive/local"
	"github.com/jobsift/crawler/internal/config"
	"github.com/jobsift/crawler/internal/fetch/async"
	collyfetch "github.com/jobsift/crawler/internal/fetch/colly"
	"github.com/jobsift/crawler/internal/fetch/headless"
	"github.com/jobsift/crawler/internal/logging"
	"github.com/jobsift/crawler/internal/metrics"
	memorypublish "github.com/jobsift/crawler/internal/publish/memory"
	pubsubpublish "github.com/jobsift/crawler/internal/publish/pubsub"
	"github.com/jobsift/crawler/internal/schedule"
	"github.com/jobsift/crawler/internal/scrape"
	"github.com/jobsift/crawler/internal/sites"
	"github.com/jobsift/crawler/internal/store/memory"
	"github.com/jobsift/crawler/internal/store/postgres"
	"github.com/jobsift/crawler/internal/workflow"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the workflow loops and the HTTP API",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush
	zap.ReplaceGlobals(logger)

	metrics.Init()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := scrape.SystemClock{}

	var store scrape.Store
	if cfg.DB.DSN != "" {
		pg, err := postgres.NewStore(ctx, postgres.Config{
			DSN:      cfg.DB.DSN,
			MaxConns: cfg.DB.MaxConns,
			MinConns: cfg.DB.MinConns,
		})
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pg.Close()
		store = pg
		logger.Info("postgres store ready")
	} else {
		store = memory.NewStore(clock)
		logger.Warn("no db.dsn configured, state is in-memory only")
	}

	registry := sites.Default()

	plain := collyfetch.New(collyfetch.Config{
		UserAgent: cfg.HTTP.UserAgent,
		Timeout:   cfg.HTTPTimeout(),
	})

	var browser scrape.Fetcher
	headlessFetcher, err := headless.New(headless.Config{
		MaxParallel:       cfg.Headless.MaxParallel,
		UserAgent:         cfg.HTTP.UserAgent,
		NavigationTimeout: cfg.NavTimeout(),
	})
	if err != nil {
		logger.Warn("headless fetcher init failed, browser sites will fail", zap.Error(err))
	} else {
		browser = headlessFetcher
		defer headlessFetcher.Close()
	}

	var asyncClient scrape.AsyncFetcher
	if cfg.Provider.BaseURL != "" {
		client, err := async.New(async.Config{
			BaseURL:    cfg.Provider.BaseURL,
			APIKey:     cfg.Provider.APIKey,
			WebhookURL: cfg.Provider.WebhookURL,
			Timeout:    cfg.ProviderTimeout(),
		})
		if err != nil {
			return fmt.Errorf("init provider client: %w", err)
		}
		asyncClient = client
	}

	archiver, err := buildArchiver(ctx, cfg, logger)
	if err != nil {
		return err
	}

	publisher, err := buildPublisher(ctx, cfg, logger)
	if err != nil {
		return err
	}

	scrapeWf := workflow.NewScrape(store, registry, plain, browser, asyncClient, archiver, publisher, clock,
		workflow.ScrapeConfig{
			WorkerID:      cfg.Scheduler.WorkerID,
			LockFor:       time.Duration(cfg.Scheduler.LockForMinutes) * time.Minute,
			Topic:         cfg.PubSub.TopicName,
			ArchivePrefix: cfg.Archive.Prefix,
			MaxPages:      cfg.Scheduler.MaxPages,
		}, logger.Named("scrape"))

	webhookWf := workflow.NewWebhook(store, registry, asyncClient, archiver, publisher, clock,
		workflow.WebhookConfig{
			WorkerID:      cfg.Scheduler.WorkerID,
			Topic:         cfg.PubSub.TopicName,
			ArchivePrefix: cfg.Archive.Prefix,
		}, logger.Named("webhook"))

	queueProvider := scrape.ProviderHTTP
	if cfg.Queue.UseProvider {
		queueProvider = scrape.ProviderCrawlAPI
	}
	queueWf := workflow.NewQueue(store, registry, plain, browser, asyncClient, clock,
		workflow.QueueConfig{
			WorkerID:        cfg.Scheduler.WorkerID,
			Provider:        queueProvider,
			BatchSize:       cfg.Queue.BatchSize,
			ProcessingFor:   time.Duration(cfg.Queue.ProcessingForMinutes) * time.Minute,
			MaxParallel:     cfg.Queue.MaxParallel,
			MaxAttempts:     cfg.Queue.MaxAttempts,
			ExecutionWindow: time.Duration(cfg.Queue.WindowMinutes) * time.Minute,
			WindowMargin:    time.Duration(cfg.Queue.WindowMarginSeconds) * time.Second,
		}, logger.Named("queue"))

	var recoveryWf *workflow.Recovery
	if asyncClient != nil {
		recoveryWf = workflow.NewRecovery(store, asyncClient, webhookWf, clock,
			workflow.RecoveryConfig{
				WorkerID:     cfg.Scheduler.WorkerID,
				StaleAfter:   time.Duration(cfg.Recovery.StaleAfterMinutes) * time.Minute,
				RecheckAfter: time.Duration(cfg.Recovery.RecheckSeconds) * time.Second,
				FinalTimeout: time.Duration(cfg.Recovery.FinalTimeoutMinutes) * time.Minute,
			}, logger.Named("recovery"))
	}

	runner := workflow.NewRunner(scrapeWf, webhookWf, queueWf, recoveryWf,
		workflow.RunnerConfig{
			ScrapeEvery: time.Duration(cfg.Scheduler.IntervalSeconds) * time.Second,
		}, logger.Named("runner"))

	auditor := schedule.NewAuditor(store, clock, logger.Named("audit"))
	apiServer := api.NewServer(store, auditor, clock, api.Config{
		WebhookSecret: cfg.Auth.WebhookSecret,
		APIKey:        apiKeyIfEnabled(cfg),
		Timeout:       cfg.ServerTimeout(),
	}, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return runner.Run(ctx)
	})
	group.Go(func() error {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})

	err = group.Wait()
	logger.Info("shutdown complete")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func apiKeyIfEnabled(cfg config.Config) string {
	if !cfg.Auth.Enabled {
		return ""
	}
	return cfg.Auth.APIKey
}

func buildArchiver(ctx context.Context, cfg config.Config, logger *zap.Logger) (scrape.Archiver, error) {
	switch {
	case cfg.Archive.GCSBucket != "":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init storage client: %w", err)
		}
		archiver, err := gcsarchive.New(client, gcsarchive.Config{Bucket: cfg.Archive.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("init gcs archiver: %w", err)
		}
		logger.Info("archiving to gcs", zap.String("bucket", cfg.Archive.GCSBucket))
		return archiver, nil
	case cfg.Archive.BaseDir != "":
		archiver, err := localarchive.New(localarchive.Config{BaseDir: cfg.Archive.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("init local archiver: %w", err)
		}
		logger.Info("archiving to filesystem", zap.String("dir", cfg.Archive.BaseDir))
		return archiver, nil
	default:
		logger.Info("archiving disabled")
		return nil, nil
	}
}

func buildPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) (scrape.Publisher, error) {
	if cfg.PubSub.ProjectID == "" {
		logger.Info("pubsub not configured, publishing in-memory")
		return memorypublish.New(), nil
	}
	publisher, err := pubsubpublish.New(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("init pubsub publisher: %w", err)
	}
	logger.Info("publishing to pubsub",
		zap.String("project", cfg.PubSub.ProjectID),
		zap.String("topic", cfg.PubSub.TopicName),
	)
	return publisher, nil
}
