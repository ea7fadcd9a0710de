// Package app holds the process wiring shared by the surveyflow binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/timmy/surveyflow/internal/api/handler"
	"github.com/timmy/surveyflow/internal/bus"
	"github.com/timmy/surveyflow/internal/config"
	"github.com/timmy/surveyflow/internal/logger"
	"github.com/timmy/surveyflow/internal/metrics"
	"gorm.io/gorm"
)

const shutdownTimeout = 5 * time.Second

// ConfigPath returns flagValue, falling back to the CONFIG_PATH environment variable.
func ConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return os.Getenv("CONFIG_PATH")
}

// NewLogger builds the process logger from the log section.
func NewLogger(cfg *config.Config, binary string) *logger.Logger {
	return logger.New(&logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		ServiceName: cfg.Service.Name + "-" + binary,
		File:        cfg.Log.File,
		FileOnly:    cfg.Log.FileOnly,
		MaxSize:     cfg.Log.MaxSize,
		MaxBackups:  cfg.Log.MaxBackups,
		MaxAge:      cfg.Log.MaxAge,
		Compress:    cfg.Log.Compress,
	}).WithField("environment", cfg.Service.Environment)
}

// NewMetrics creates a private registry carrying runtime collectors and the
// surveyflow collectors labelled with service.
func NewMetrics(service string) (*metrics.Metrics, *prometheus.Registry) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return metrics.New(registry, service), registry
}

// NewRedisClient connects to the configured redis.
func NewRedisClient(cfg *config.RedisConfig) redis.UniversalClient {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// NewPublisher creates the Kafka publisher of a process.
func NewPublisher(cfg *config.KafkaConfig) *bus.KafkaPublisher {
	return bus.NewKafkaPublisher(bus.PublisherConfig{
		Brokers:      cfg.Brokers,
		WriteTimeout: cfg.WriteTimeout,
	})
}

// NewConsumer creates a consumer group dispatcher for topic.
func NewConsumer(cfg *config.KafkaConfig, group, topic string, h bus.Handler, log *logger.Logger, m *metrics.Metrics) (*bus.Consumer, error) {
	return bus.NewConsumer(bus.ConsumerConfig{
		Brokers:        cfg.Brokers,
		GroupID:        group,
		Topics:         []string{topic},
		Workers:        cfg.Workers,
		ProcessTimeout: cfg.ProcessTimeout,
		CommitTimeout:  cfg.CommitTimeout,
		FetchBackoff:   cfg.FetchBackoff,
	}, h, log, m)
}

// DatabaseCheck pings the database behind db.
func DatabaseCheck(db *gorm.DB) handler.Check {
	return func(ctx context.Context) error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	}
}

// RedisCheck pings client.
func RedisCheck(client redis.UniversalClient) handler.Check {
	return func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
}

// SignalContext returns a context cancelled on SIGINT or SIGTERM.
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// ServeOps serves h on port until ctx ends, then shuts the server down
// gracefully. A non-positive port disables the listener.
func ServeOps(ctx context.Context, port int, h http.Handler, log *logger.Logger) error {
	if port <= 0 {
		<-ctx.Done()
		return nil
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("port", port).Info("Starting ops server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("ops server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ops server shutdown: %w", err)
	}
	log.Info("Ops server stopped")
	return nil
}
