package main

import (
	"flag"
	"log"

	"github.com/redis/go-redis/v9"
	"github.com/timmy/surveyflow/internal/api"
	"github.com/timmy/surveyflow/internal/api/handler"
	"github.com/timmy/surveyflow/internal/app"
	"github.com/timmy/surveyflow/internal/config"
	"github.com/timmy/surveyflow/internal/location"
	"github.com/timmy/surveyflow/internal/logger"
	"github.com/timmy/surveyflow/internal/transformer"
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

	appLogger := app.NewLogger(cfg, "transformer")
	defer appLogger.Sync()

	m, registry := app.NewMetrics("transformer")
	checks := map[string]handler.Check{}

	// Redis only backs the location cache
	var redisClient redis.UniversalClient
	if cfg.Location.Cache.Backend == "redis" {
		redisClient = app.NewRedisClient(&cfg.Redis)
		defer redisClient.Close()
		checks["redis"] = app.RedisCheck(redisClient)
	}

	resolver, err := location.NewResolver(&cfg.Location, redisClient, appLogger, m)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize location resolver")
	}

	publisher := app.NewPublisher(&cfg.Kafka)
	defer publisher.Close()

	processor := transformer.NewProcessor(transformer.Config{
		TransformedTopic: cfg.Kafka.Topics.TransformedEvents,
		DeadLetterTopic:  cfg.Kafka.Topics.DeadLetter,
		ResolveTimeout:   cfg.Location.Timeout,
		PublishTimeout:   cfg.Kafka.WriteTimeout,
	}, resolver, publisher, appLogger, m)

	consumer, err := app.NewConsumer(&cfg.Kafka, cfg.Kafka.Groups.Transformer, cfg.Kafka.Topics.RawEvents, processor.HandleMessage, appLogger, m)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize consumer")
	}

	router := api.SetupOpsRouter(appLogger, api.OpsOptions{
		Mode:     cfg.Ops.Mode,
		Gatherer: registry,
		Checks:   checks,
	})

	ctx, stop := app.SignalContext()
	defer stop()

	appLogger.WithFields(logger.Fields{
		"input":       cfg.Kafka.Topics.RawEvents,
		"output":      cfg.Kafka.Topics.TransformedEvents,
		"dead_letter": cfg.Kafka.Topics.DeadLetter,
		"resolver":    cfg.Location.Provider,
		"cache":       cfg.Location.Cache.Backend,
	}).Info("Starting survey event transformer")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return consumer.Run(gctx) })
	g.Go(func() error { return app.ServeOps(gctx, cfg.Ops.Port, router, appLogger) })

	if err := g.Wait(); err != nil {
		appLogger.WithError(err).Error("Transformer stopped with error")
		return
	}
	appLogger.Info("Transformer exited")
}
