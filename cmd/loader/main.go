package main

import (
	"flag"
	"log"

	"github.com/timmy/surveyflow/internal/api"
	"github.com/timmy/surveyflow/internal/api/handler"
	"github.com/timmy/surveyflow/internal/app"
	"github.com/timmy/surveyflow/internal/config"
	"github.com/timmy/surveyflow/internal/loader"
	"github.com/timmy/surveyflow/internal/logger"
	"github.com/timmy/surveyflow/internal/repository"
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

	appLogger := app.NewLogger(cfg, "loader")
	defer appLogger.Sync()

	m, registry := app.NewMetrics("loader")

	// Initialize database
	db, err := repository.InitDB(&cfg.Database, appLogger)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize database")
	}
	responseRepo := repository.NewResponseRepository(db)

	publisher := app.NewPublisher(&cfg.Kafka)
	defer publisher.Close()

	l := loader.NewLoader(loader.Config{
		DeadLetterTopic: cfg.Kafka.Topics.LoaderDeadLetter,
		StoreTimeout:    cfg.Export.StoreTimeout,
		PublishTimeout:  cfg.Kafka.WriteTimeout,
	}, responseRepo, publisher, appLogger, m)

	consumer, err := app.NewConsumer(&cfg.Kafka, cfg.Kafka.Groups.Loader, cfg.Kafka.Topics.TransformedEvents, l.HandleMessage, appLogger, m)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize consumer")
	}

	router := api.SetupOpsRouter(appLogger, api.OpsOptions{
		Mode:     cfg.Ops.Mode,
		Gatherer: registry,
		Checks:   map[string]handler.Check{"database": app.DatabaseCheck(db)},
	})

	ctx, stop := app.SignalContext()
	defer stop()

	appLogger.WithFields(logger.Fields{
		"input":       cfg.Kafka.Topics.TransformedEvents,
		"dead_letter": cfg.Kafka.Topics.LoaderDeadLetter,
		"driver":      cfg.Database.Driver,
	}).Info("Starting survey response loader")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return consumer.Run(gctx) })
	g.Go(func() error { return app.ServeOps(gctx, cfg.Ops.Port, router, appLogger) })

	if err := g.Wait(); err != nil {
		appLogger.WithError(err).Error("Loader stopped with error")
		return
	}
	appLogger.Info("Loader exited")
}
