package location

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/timmy/surveyflow/internal/cache"
	"github.com/timmy/surveyflow/internal/domain"
	"github.com/timmy/surveyflow/internal/logger"
	"github.com/timmy/surveyflow/internal/metrics"
)

// Cache stores resolutions by coordinate key. A miss is (zero, false, nil).
type Cache interface {
	Get(ctx context.Context, key string) (domain.LocationResolution, bool, error)
	Set(ctx context.Context, key string, value domain.LocationResolution, ttl time.Duration) error
}

// MemoryCache keeps resolutions in process.
type MemoryCache struct {
	items *cache.TTLCache[string, domain.LocationResolution]
}

// NewMemoryCache creates an empty process-local cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{items: cache.NewTTLCache[string, domain.LocationResolution]()}
}

func (c *MemoryCache) Get(_ context.Context, key string) (domain.LocationResolution, bool, error) {
	v, ok := c.items.Get(key)
	return v, ok, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, value domain.LocationResolution, ttl time.Duration) error {
	c.items.Set(key, value, ttl)
	return nil
}

// RedisCache shares resolutions across transformer instances.
type RedisCache struct {
	client redis.UniversalClient
}

// NewRedisCache stores resolutions as JSON values in redis.
func NewRedisCache(client redis.UniversalClient) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Get(ctx context.Context, key string) (domain.LocationResolution, bool, error) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.LocationResolution{}, false, nil
		}
		return domain.LocationResolution{}, false, fmt.Errorf("redis get: %w", err)
	}

	var res domain.LocationResolution
	if err := json.Unmarshal(raw, &res); err != nil {
		return domain.LocationResolution{}, false, fmt.Errorf("decode cached location: %w", err)
	}
	return res, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value domain.LocationResolution, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode location: %w", err)
	}
	if err := c.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// CachedResolver puts a Cache in front of another Resolver. Coordinates are
// snapped to Precision decimals before both the cache lookup and the wrapped
// resolver call, so a result never depends on which nearby point was seen
// first. Cache failures are logged and fall through to the wrapped resolver.
type CachedResolver struct {
	next      Resolver
	cache     Cache
	ttl       time.Duration
	precision int
	prefix    string
	log       *logger.Logger
	metrics   *metrics.Metrics
}

// CacheOptions tunes CachedResolver.
type CacheOptions struct {
	TTL       time.Duration
	Precision int // decimal places kept in the cache key
	KeyPrefix string
	Logger    *logger.Logger
	Metrics   *metrics.Metrics
}

// NewCachedResolver wraps next with cache c. A non-positive precision keeps
// four decimals, roughly 11m at the equator.
func NewCachedResolver(next Resolver, c Cache, opts CacheOptions) *CachedResolver {
	log := opts.Logger
	if log == nil {
		log = logger.NewNop()
	}
	precision := opts.Precision
	if precision <= 0 {
		precision = 4
	}
	return &CachedResolver{
		next:      next,
		cache:     c,
		ttl:       opts.TTL,
		precision: precision,
		prefix:    opts.KeyPrefix,
		log:       log.Component("location_cache"),
		metrics:   opts.Metrics,
	}
}

// Resolve returns the cached resolution of the snapped coordinate, resolving
// and caching it on a miss. Errors from the wrapped resolver are not cached.
func (r *CachedResolver) Resolve(ctx context.Context, lat, lon float64) (domain.LocationResolution, error) {
	if err := ValidateCoordinates(lat, lon); err != nil {
		return domain.LocationResolution{}, err
	}

	lat, lon = r.snap(lat), r.snap(lon)
	key := r.key(lat, lon)
	if res, ok, err := r.cache.Get(ctx, key); err != nil {
		r.metrics.LocationCache("error")
		r.log.WithError(err).WithField("key", key).Warn("Location cache read failed")
	} else if ok {
		r.metrics.LocationCache("hit")
		return res, nil
	}
	r.metrics.LocationCache("miss")

	res, err := r.next.Resolve(ctx, lat, lon)
	if err != nil {
		return domain.LocationResolution{}, err
	}

	if err := r.cache.Set(ctx, key, res, r.ttl); err != nil {
		r.log.WithError(err).WithField("key", key).Warn("Location cache write failed")
	}
	return res, nil
}

func (r *CachedResolver) snap(v float64) float64 {
	scale := math.Pow10(r.precision)
	return math.Round(v*scale) / scale
}

func (r *CachedResolver) key(lat, lon float64) string {
	return fmt.Sprintf("%s%.*f:%.*f", r.prefix, r.precision, lat, r.precision, lon)
}
