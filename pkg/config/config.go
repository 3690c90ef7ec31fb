// Package config loads and validates application configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Server, Store, Source, Harvest, Query, Redis, Kafka, etc.).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Store   StoreConfig   `yaml:"store"`
	Source  SourceConfig  `yaml:"source"`
	Harvest HarvestConfig `yaml:"harvest"`
	Query   QueryConfig   `yaml:"query"`
	Redis   RedisConfig   `yaml:"redis"`
	Kafka   KafkaConfig   `yaml:"kafka"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	RequestTimeout  time.Duration `yaml:"requestTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	AllowedOrigins  []string      `yaml:"allowedOrigins"`
}

// StoreConfig selects the database backend.
type StoreConfig struct {
	Driver   string         `yaml:"driver" validate:"oneof=sqlite postgres"`
	Path     string         `yaml:"path" validate:"required_if=Driver sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// SourceConfig describes the upstream opportunity search API.
type SourceConfig struct {
	BaseURL             string        `yaml:"baseUrl" validate:"required,url"`
	APIKey              string        `yaml:"apiKey"`
	PageSize            int           `yaml:"pageSize" validate:"min=1,max=1000"`
	MaxRecordsPerWindow int           `yaml:"maxRecordsPerWindow" validate:"min=0"`
	Timeout             time.Duration `yaml:"timeout"`
	BreakerThreshold    int           `yaml:"breakerThreshold" validate:"min=1"`
	BreakerReset        time.Duration `yaml:"breakerReset"`
}

// HarvestConfig controls the incremental and backfill scheduler.
type HarvestConfig struct {
	MaxCalls           int           `yaml:"maxCalls" validate:"min=0"`
	IncrementalDays    int           `yaml:"incrementalDays" validate:"min=1"`
	BackfillWindowDays int           `yaml:"backfillWindowDays" validate:"min=1"`
	HistoricalFloor    string        `yaml:"historicalFloor" validate:"datetime=2006-01-02"`
	LeaseTTL           time.Duration `yaml:"leaseTTL"`
	Interval           time.Duration `yaml:"interval"`
}

// Floor parses HistoricalFloor.
func (h HarvestConfig) Floor() (time.Time, error) {
	t, err := time.Parse("2006-01-02", h.HistoricalFloor)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing historical floor %q: %w", h.HistoricalFloor, err)
	}
	return t, nil
}

// QueryConfig controls read-path pagination and per-client throttling.
type QueryConfig struct {
	DefaultLimit       int `yaml:"defaultLimit" validate:"min=1,ltefield=MaxLimit"`
	MaxLimit           int `yaml:"maxLimit" validate:"min=1"`
	RateLimitPerMinute int `yaml:"rateLimitPerMinute" validate:"min=0"`
}

// RedisConfig holds Redis connection and caching parameters. An empty Addr
// disables the query cache.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"poolSize"`
	CacheTTL time.Duration `yaml:"cacheTTL"`
}

// KafkaConfig holds Kafka broker and topic settings. No brokers disables
// harvest event publishing.
type KafkaConfig struct {
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	HarvestEvents string `yaml:"harvestEvents"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json text"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided), applies environment-variable
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}
	return nil
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			RequestTimeout:  10 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			AllowedOrigins:  []string{"*"},
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "govscout.db",
			Postgres: PostgresConfig{
				Host:            "localhost",
				Port:            5432,
				Database:        "govscout",
				User:            "govscout",
				Password:        "localdev",
				SSLMode:         "disable",
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: 5 * time.Minute,
			},
		},
		Source: SourceConfig{
			BaseURL:             "https://api.sam.gov/opportunities/v2/search",
			PageSize:            1000,
			MaxRecordsPerWindow: 10000,
			Timeout:             30 * time.Second,
			BreakerThreshold:    5,
			BreakerReset:        time.Minute,
		},
		Harvest: HarvestConfig{
			MaxCalls:           10,
			IncrementalDays:    3,
			BackfillWindowDays: 90,
			HistoricalFloor:    "2000-01-01",
			LeaseTTL:           30 * time.Minute,
			Interval:           6 * time.Hour,
		},
		Query: QueryConfig{
			DefaultLimit:       25,
			MaxLimit:           100,
			RateLimitPerMinute: 600,
		},
		Redis: RedisConfig{
			PoolSize: 10,
			CacheTTL: 60 * time.Second,
		},
		Kafka: KafkaConfig{
			ConsumerGroup: "govscout-query",
			Topics: KafkaTopics{
				HarvestEvents: "govscout.harvest",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// applyEnvOverrides reads GS_* environment variables and overrides the
// corresponding config fields. SAMGOV_API_KEY is honoured as a fallback for
// the source key.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GS_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("GS_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("GS_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("GS_POSTGRES_HOST"); v != "" {
		cfg.Store.Postgres.Host = v
	}
	if v := os.Getenv("GS_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Store.Postgres.Port = port
		}
	}
	if v := os.Getenv("GS_POSTGRES_DATABASE"); v != "" {
		cfg.Store.Postgres.Database = v
	}
	if v := os.Getenv("GS_POSTGRES_USER"); v != "" {
		cfg.Store.Postgres.User = v
	}
	if v := os.Getenv("GS_POSTGRES_PASSWORD"); v != "" {
		cfg.Store.Postgres.Password = v
	}
	if v := os.Getenv("GS_POSTGRES_SSLMODE"); v != "" {
		cfg.Store.Postgres.SSLMode = v
	}
	if v := os.Getenv("SAMGOV_API_KEY"); v != "" {
		cfg.Source.APIKey = v
	}
	if v := os.Getenv("GS_SOURCE_API_KEY"); v != "" {
		cfg.Source.APIKey = v
	}
	if v := os.Getenv("GS_SOURCE_BASE_URL"); v != "" {
		cfg.Source.BaseURL = v
	}
	if v := os.Getenv("GS_HARVEST_MAX_CALLS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Harvest.MaxCalls = n
		}
	}
	if v := os.Getenv("GS_HARVEST_HISTORICAL_FLOOR"); v != "" {
		cfg.Harvest.HistoricalFloor = v
	}
	if v := os.Getenv("GS_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("GS_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("GS_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("GS_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("GS_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}
