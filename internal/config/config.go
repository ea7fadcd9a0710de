package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Service  ServiceConfig  `mapstructure:"service"`
	Log      LogConfig      `mapstructure:"log"`
	Ops      OpsConfig      `mapstructure:"ops"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Location LocationConfig `mapstructure:"location"`
	Export   ExportConfig   `mapstructure:"export"`
	Sweeper  SweeperConfig  `mapstructure:"sweeper"`
}

type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	FileOnly   bool   `mapstructure:"file_only"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// OpsConfig configures the health/metrics listener each binary exposes.
type OpsConfig struct {
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

type KafkaConfig struct {
	Brokers        []string      `mapstructure:"brokers"`
	Groups         GroupsConfig  `mapstructure:"groups"`
	Workers        int           `mapstructure:"workers"`
	ProcessTimeout time.Duration `mapstructure:"process_timeout"`
	CommitTimeout  time.Duration `mapstructure:"commit_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	FetchBackoff   time.Duration `mapstructure:"fetch_backoff"`
	Topics         TopicsConfig  `mapstructure:"topics"`
}

// GroupsConfig holds the consumer group of each consuming binary.
type GroupsConfig struct {
	Transformer string `mapstructure:"transformer"`
	Loader      string `mapstructure:"loader"`
	Exporter    string `mapstructure:"exporter"`
}

type TopicsConfig struct {
	RawEvents         string `mapstructure:"raw_events"`
	TransformedEvents string `mapstructure:"transformed_events"`
	DeadLetter        string `mapstructure:"dead_letter"`
	LoaderDeadLetter  string `mapstructure:"loader_dead_letter"`
	ExportJobs        string `mapstructure:"export_jobs"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type LocationConfig struct {
	Provider string               `mapstructure:"provider"` // static, http
	Timeout  time.Duration        `mapstructure:"timeout"`
	Static   StaticLocationConfig `mapstructure:"static"`
	HTTP     HTTPLocationConfig   `mapstructure:"http"`
	Cache    LocationCacheConfig  `mapstructure:"cache"`
}

type StaticLocationConfig struct {
	VillageID      string `mapstructure:"village_id"`
	PanchayatID    string `mapstructure:"panchayat_id"`
	ConstituencyID string `mapstructure:"constituency_id"`
}

type HTTPLocationConfig struct {
	BaseURL    string `mapstructure:"base_url"`
	APIKey     string `mapstructure:"api_key"`
	RetryCount int    `mapstructure:"retry_count"`
}

type LocationCacheConfig struct {
	Backend   string        `mapstructure:"backend"` // none, memory, redis
	TTL       time.Duration `mapstructure:"ttl"`
	Precision int           `mapstructure:"precision"`
	KeyPrefix string        `mapstructure:"key_prefix"`
}

type ExportConfig struct {
	KeyPrefix      string        `mapstructure:"key_prefix"`
	UploadTimeout  time.Duration `mapstructure:"upload_timeout"`
	StoreTimeout   time.Duration `mapstructure:"store_timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

// WorstCaseDuration bounds how long one export job can hold its trigger:
// loading and claiming the job, listing responses, every upload attempt and
// the backoff between attempts.
func (e ExportConfig) WorstCaseDuration() time.Duration {
	total := 3*e.StoreTimeout + time.Duration(e.MaxAttempts)*e.UploadTimeout
	backoff := e.InitialBackoff
	for i := 1; i < e.MaxAttempts; i++ {
		if e.MaxBackoff > 0 && backoff > e.MaxBackoff {
			backoff = e.MaxBackoff
		}
		total += backoff
		backoff *= 2
	}
	return total
}

type SweeperConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	Interval          time.Duration `mapstructure:"interval"`
	ProcessingTimeout time.Duration `mapstructure:"processing_timeout"`
	PendingMaxAge     time.Duration `mapstructure:"pending_max_age"`
	BatchSize         int           `mapstructure:"batch_size"`
}

func Load(configPath string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// Enable environment variable override
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Bind environment variables explicitly for connection strings and secrets
	_ = v.BindEnv("kafka.brokers", "KAFKA_BROKERS")
	_ = v.BindEnv("database.driver", "DATABASE_DRIVER")
	_ = v.BindEnv("database.url", "DATABASE_URL")
	_ = v.BindEnv("database.password", "DATABASE_PASSWORD")
	_ = v.BindEnv("redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("storage.endpoint", "STORAGE_ENDPOINT")
	_ = v.BindEnv("storage.access_key", "STORAGE_ACCESS_KEY")
	_ = v.BindEnv("storage.secret_key", "STORAGE_SECRET_KEY")
	_ = v.BindEnv("storage.public_url", "STORAGE_PUBLIC_URL")
	_ = v.BindEnv("location.http.api_key", "LOCATION_API_KEY")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Comma separated broker lists come through env as a single string.
	if len(cfg.Kafka.Brokers) == 1 && strings.Contains(cfg.Kafka.Brokers[0], ",") {
		cfg.Kafka.Brokers = splitCSV(cfg.Kafka.Brokers[0])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "surveyflow")
	v.SetDefault("service.environment", "local")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 7)
	v.SetDefault("log.max_age", 30)
	v.SetDefault("log.compress", true)

	v.SetDefault("ops.port", 9090)
	v.SetDefault("ops.mode", "release")

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.groups.transformer", "data-transformer-group")
	v.SetDefault("kafka.groups.loader", "data-loader-group")
	v.SetDefault("kafka.groups.exporter", "admin-module-group")
	v.SetDefault("kafka.workers", 1)
	v.SetDefault("kafka.process_timeout", "2m")
	v.SetDefault("kafka.commit_timeout", "5s")
	v.SetDefault("kafka.write_timeout", "10s")
	v.SetDefault("kafka.fetch_backoff", "500ms")
	v.SetDefault("kafka.topics.raw_events", "survey-responses")
	v.SetDefault("kafka.topics.transformed_events", "transformed-surveys")
	v.SetDefault("kafka.topics.dead_letter", "dlq-survey-responses")
	v.SetDefault("kafka.topics.loader_dead_letter", "dlq-transformed-surveys")
	v.SetDefault("kafka.topics.export_jobs", "export-jobs")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/surveyflow.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.dbname", "surveyflow")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.addr", "localhost:6379")

	v.SetDefault("storage.type", "memory")
	v.SetDefault("storage.bucket", "survey-exports")
	v.SetDefault("storage.use_ssl", false)

	v.SetDefault("location.provider", "static")
	v.SetDefault("location.timeout", "3s")
	v.SetDefault("location.static.village_id", "123e4567-e89b-12d3-a456-426614174000")
	v.SetDefault("location.static.panchayat_id", "123e4567-e89b-12d3-a456-426614174001")
	v.SetDefault("location.static.constituency_id", "123e4567-e89b-12d3-a456-426614174002")
	v.SetDefault("location.http.retry_count", 2)
	v.SetDefault("location.cache.backend", "memory")
	v.SetDefault("location.cache.ttl", "1h")
	v.SetDefault("location.cache.precision", 4)
	v.SetDefault("location.cache.key_prefix", "location:")

	v.SetDefault("export.key_prefix", "exports")
	v.SetDefault("export.upload_timeout", "30s")
	v.SetDefault("export.store_timeout", "5s")
	v.SetDefault("export.max_attempts", 3)
	v.SetDefault("export.initial_backoff", "500ms")
	v.SetDefault("export.max_backoff", "5s")

	v.SetDefault("sweeper.enabled", true)
	v.SetDefault("sweeper.interval", "1m")
	v.SetDefault("sweeper.processing_timeout", "15m")
	v.SetDefault("sweeper.pending_max_age", "5m")
	v.SetDefault("sweeper.batch_size", 100)
}

// Validate checks invariants that would otherwise surface as confusing runtime failures.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("kafka.brokers must not be empty"))
	}
	if c.Kafka.Workers < 1 {
		errs = append(errs, errors.New("kafka.workers must be at least 1"))
	}
	if c.Export.MaxAttempts < 1 {
		errs = append(errs, errors.New("export.max_attempts must be at least 1"))
	}
	switch c.Location.Provider {
	case "static", "http":
	default:
		errs = append(errs, fmt.Errorf("location.provider %q is not supported", c.Location.Provider))
	}
	if c.Location.Provider == "http" && c.Location.HTTP.BaseURL == "" {
		errs = append(errs, errors.New("location.http.base_url is required for the http provider"))
	}
	switch c.Location.Cache.Backend {
	case "", "none", "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("location.cache.backend %q is not supported", c.Location.Cache.Backend))
	}
	if c.Sweeper.Enabled && c.Sweeper.Interval <= 0 {
		errs = append(errs, errors.New("sweeper.interval must be positive"))
	}

	// A job that outlives the handler deadline is failed, and one that
	// outlives the sweeper's processing timeout is failed while still running.
	worst := c.Export.WorstCaseDuration()
	if c.Kafka.ProcessTimeout > 0 && c.Kafka.ProcessTimeout <= worst {
		errs = append(errs, fmt.Errorf("kafka.process_timeout %s must exceed the export worst case %s", c.Kafka.ProcessTimeout, worst))
	}
	if c.Sweeper.Enabled && c.Sweeper.ProcessingTimeout > 0 && c.Sweeper.ProcessingTimeout <= worst {
		errs = append(errs, fmt.Errorf("sweeper.processing_timeout %s must exceed the export worst case %s", c.Sweeper.ProcessingTimeout, worst))
	}
	return errors.Join(errs...)
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
