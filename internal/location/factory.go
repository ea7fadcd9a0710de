package location

import (
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/timmy/surveyflow/internal/config"
	"github.com/timmy/surveyflow/internal/logger"
	"github.com/timmy/surveyflow/internal/metrics"
)

// NewResolver builds the configured resolver chain. redisClient is only
// required when the cache backend is redis.
func NewResolver(cfg *config.LocationConfig, redisClient redis.UniversalClient, log *logger.Logger, m *metrics.Metrics) (Resolver, error) {
	var base Resolver
	switch cfg.Provider {
	case "static", "":
		static, err := NewStaticResolver(cfg.Static.VillageID, cfg.Static.PanchayatID, cfg.Static.ConstituencyID)
		if err != nil {
			return nil, err
		}
		base = static
	case "http":
		base = NewHTTPResolver(&HTTPConfig{
			BaseURL:    cfg.HTTP.BaseURL,
			APIKey:     cfg.HTTP.APIKey,
			Timeout:    cfg.Timeout,
			RetryCount: cfg.HTTP.RetryCount,
		})
	default:
		return nil, fmt.Errorf("unsupported location provider %q", cfg.Provider)
	}

	var c Cache
	switch cfg.Cache.Backend {
	case "", "none":
		return base, nil
	case "memory":
		c = NewMemoryCache()
	case "redis":
		if redisClient == nil {
			return nil, fmt.Errorf("redis location cache requires a redis client")
		}
		c = NewRedisCache(redisClient)
	default:
		return nil, fmt.Errorf("unsupported location cache backend %q", cfg.Cache.Backend)
	}

	return NewCachedResolver(base, c, CacheOptions{
		TTL:       cfg.Cache.TTL,
		Precision: cfg.Cache.Precision,
		KeyPrefix: cfg.Cache.KeyPrefix,
		Logger:    log,
		Metrics:   m,
	}), nil
}
