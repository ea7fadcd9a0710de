package main

import (
	"context"
	"flag"
	"log"

	"github.com/timmy/surveyflow/internal/api"
	"github.com/timmy/surveyflow/internal/api/handler"
	"github.com/timmy/surveyflow/internal/app"
	"github.com/timmy/surveyflow/internal/config"
	"github.com/timmy/surveyflow/internal/domain"
	"github.com/timmy/surveyflow/internal/jobs"
	"github.com/timmy/surveyflow/internal/logger"
	"github.com/timmy/surveyflow/internal/repository"
	"github.com/timmy/surveyflow/internal/retry"
	"github.com/timmy/surveyflow/internal/storage"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (defaults to CONFIG_PATH)")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(app.ConfigPath(*configPath))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	appLogger := app.NewLogger(cfg, "exporter")
	defer appLogger.Sync()

	m, registry := app.NewMetrics("exporter")

	// Initialize database
	db, err := repository.InitDB(&cfg.Database, appLogger)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize database")
	}
	jobRepo := repository.NewExportJobRepository(db)
	responseRepo := repository.NewResponseRepository(db)

	// Initialize storage (supports memory, MinIO, R2, S3)
	objectStorage, err := storage.NewStorage(&cfg.Storage)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize storage")
	}

	ctx, stop := app.SignalContext()
	defer stop()

	// Ensure bucket exists
	if err := objectStorage.EnsureBucket(ctx); err != nil {
		appLogger.WithError(err).Fatal("Failed to ensure storage bucket")
	}

	publisher := app.NewPublisher(&cfg.Kafka)
	defer publisher.Close()

	producer := jobs.NewProducer(jobRepo, publisher, jobs.ProducerConfig{
		Topic:          cfg.Kafka.Topics.ExportJobs,
		PublishTimeout: cfg.Kafka.WriteTimeout,
		StoreTimeout:   cfg.Export.StoreTimeout,
	}, appLogger)

	exportHandler := jobs.NewExportHandler(responseRepo, objectStorage, jobs.ExportConfig{
		KeyPrefix:     cfg.Export.KeyPrefix,
		UploadTimeout: cfg.Export.UploadTimeout,
		StoreTimeout:  cfg.Export.StoreTimeout,
		Retry: retry.Policy{
			MaxAttempts:    cfg.Export.MaxAttempts,
			InitialBackoff: cfg.Export.InitialBackoff,
			MaxBackoff:     cfg.Export.MaxBackoff,
		},
	}, appLogger)

	runner := jobs.NewRunner(jobRepo, map[domain.JobKind]jobs.Handler{
		domain.JobKindExport: exportHandler,
	}, jobs.RunnerConfig{StoreTimeout: cfg.Export.StoreTimeout}, appLogger, m)

	consumer, err := app.NewConsumer(&cfg.Kafka, cfg.Kafka.Groups.Exporter, cfg.Kafka.Topics.ExportJobs, runner.HandleMessage, appLogger, m)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize consumer")
	}

	router := api.SetupOpsRouter(appLogger, api.OpsOptions{
		Mode:     cfg.Ops.Mode,
		Gatherer: registry,
		Checks:   map[string]handler.Check{"database": app.DatabaseCheck(db)},
	})

	appLogger.WithFields(logger.Fields{
		"input":        cfg.Kafka.Topics.ExportJobs,
		"storage":      cfg.Storage.Type,
		"bucket":       cfg.Storage.Bucket,
		"max_attempts": cfg.Export.MaxAttempts,
		"sweeper":      cfg.Sweeper.Enabled,
	}).Info("Starting export job runner")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return consumer.Run(gctx) })
	g.Go(func() error { return app.ServeOps(gctx, cfg.Ops.Port, router, appLogger) })

	if cfg.Sweeper.Enabled {
		sweeper, err := jobs.NewSweeper(jobRepo, producer, jobs.SweeperConfig{
			Interval:          cfg.Sweeper.Interval,
			ProcessingTimeout: cfg.Sweeper.ProcessingTimeout,
			PendingMaxAge:     cfg.Sweeper.PendingMaxAge,
			BatchSize:         cfg.Sweeper.BatchSize,
		}, appLogger, m)
		if err != nil {
			appLogger.WithError(err).Fatal("Failed to initialize job sweeper")
		}
		g.Go(func() error { return sweeper.Run(gctx) })
	}

	logJobCounts(ctx, jobRepo, appLogger)

	if err := g.Wait(); err != nil {
		appLogger.WithError(err).Error("Exporter stopped with error")
		return
	}
	appLogger.Info("Exporter exited")
}

// logJobCounts reports the job backlog found at startup.
func logJobCounts(ctx context.Context, repo *repository.ExportJobRepository, log *logger.Logger) {
	counts, err := repo.CountByStatus(ctx)
	if err != nil {
		log.WithError(err).Warn("Failed to count export jobs")
		return
	}
	fields := logger.Fields{}
	for status, n := range counts {
		fields[string(status)] = n
	}
	log.WithFields(fields).Info("Export job backlog")
}
