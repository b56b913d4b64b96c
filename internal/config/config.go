// Package config loads and validates collectord configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"strings"
	"time"
	_ "time/tzdata" // status.timezone must resolve on hosts without zoneinfo

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/JakeFAU/collectord/internal/logging"
	"github.com/JakeFAU/collectord/internal/progress"
)

// EnvPrefix prefixes every environment override, e.g. COLLECTORD_RETRY_MAX_RETRIES.
const EnvPrefix = "COLLECTORD"

// Config captures all service configuration knobs.
type Config struct {
	Pipeline    PipelineConfig    `mapstructure:"pipeline"`
	Retry       RetryConfig       `mapstructure:"retry"`
	Fetch       FetchConfig       `mapstructure:"fetch"`
	RateLimit   RateLimitConfig   `mapstructure:"ratelimit"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Status      StatusConfig      `mapstructure:"status"`
	Sink        SinkConfig        `mapstructure:"sink"`
	Notify      NotifyConfig      `mapstructure:"notify"`
	Structuring StructuringConfig `mapstructure:"structuring"`
	Progress    progress.Config   `mapstructure:"progress"`
	Server      ServerConfig      `mapstructure:"server"`
	Logging     logging.Config    `mapstructure:"logging"`
	Collectors  []CollectorConfig `mapstructure:"collectors" validate:"dive"`
}

// PipelineConfig sizes the worker pools and sets the run policy.
type PipelineConfig struct {
	DownloadConcurrency     int           `mapstructure:"download_concurrency" validate:"gt=0"`
	ProcessingConcurrency   int           `mapstructure:"processing_concurrency" validate:"gt=0"`
	PartialFailureTolerance float64       `mapstructure:"partial_failure_tolerance" validate:"gte=0,lte=1"`
	RunTimeout              time.Duration `mapstructure:"run_timeout" validate:"gt=0"`
}

// RetryConfig controls the fetch backoff.
type RetryConfig struct {
	MaxRetries    int           `mapstructure:"max_retries" validate:"gte=0"`
	BaseDelay     time.Duration `mapstructure:"base_delay" validate:"gt=0"`
	MaxDelay      time.Duration `mapstructure:"max_delay" validate:"gt=0"`
	BackoffFactor float64       `mapstructure:"backoff_factor" validate:"gte=1"`
}

// FetchConfig bounds each network attempt and the accepted content.
type FetchConfig struct {
	Timeout             time.Duration `mapstructure:"timeout" validate:"gt=0"`
	UserAgent           string        `mapstructure:"user_agent"`
	RespectRobots       bool          `mapstructure:"respect_robots"`
	MaxBytes            int64         `mapstructure:"max_bytes" validate:"gt=0"`
	AllowedContentTypes []string      `mapstructure:"allowed_content_types"`
}

// RateLimitConfig sets requests per second per source.
type RateLimitConfig struct {
	RPS       float64            `mapstructure:"rps" validate:"gte=0"`
	PerSource map[string]float64 `mapstructure:"per_source"`
}

// CacheConfig selects the document cache backend.
type CacheConfig struct {
	Backend  string        `mapstructure:"backend" validate:"oneof=memory local redis"`
	Dir      string        `mapstructure:"dir"`
	RedisURL string        `mapstructure:"redis_url"`
	TTL      time.Duration `mapstructure:"ttl" validate:"gt=0"`
}

// StatusConfig selects the run history backend.
type StatusConfig struct {
	Backend    string `mapstructure:"backend" validate:"oneof=memory sqlite postgres"`
	DSN        string `mapstructure:"dsn"`
	SQLitePath string `mapstructure:"sqlite_path"`
	Timezone   string `mapstructure:"timezone"`
}

// SinkConfig selects where structured records are persisted.
type SinkConfig struct {
	Backend   string `mapstructure:"backend" validate:"oneof=memory local gcs postgres"`
	Dir       string `mapstructure:"dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
	DSN       string `mapstructure:"dsn"`
}

// NotifyConfig selects where run reports are published.
type NotifyConfig struct {
	Backend   string `mapstructure:"backend" validate:"oneof=none memory pubsub"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// StructuringConfig selects the structuring backend.
type StructuringConfig struct {
	Backend  string        `mapstructure:"backend" validate:"oneof=document remote"`
	Endpoint string        `mapstructure:"endpoint" validate:"omitempty,url"`
	Timeout  time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port" validate:"gt=0,lte=65535"`
}

// CollectorConfig describes one collector. URLs are fetched as listed;
// IndexURL adds the links of an index page matching LinkPattern.
type CollectorConfig struct {
	ID          string        `mapstructure:"id" validate:"required"`
	Parent      string        `mapstructure:"parent"`
	Interval    time.Duration `mapstructure:"interval" validate:"gte=0"`
	URLs        []string      `mapstructure:"urls" validate:"dive,http_url"`
	IndexURL    string        `mapstructure:"index_url" validate:"omitempty,http_url"`
	LinkPattern string        `mapstructure:"link_pattern"`
}

// Load reads an optional .env file, then defaults, the optional config file
// at path and COLLECTORD_* environment variables, in increasing precedence.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("pipeline.download_concurrency", 5)
	v.SetDefault("pipeline.processing_concurrency", 3)
	v.SetDefault("pipeline.partial_failure_tolerance", 0.0)
	v.SetDefault("pipeline.run_timeout", 30*time.Minute)
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.base_delay", time.Second)
	v.SetDefault("retry.max_delay", 60*time.Second)
	v.SetDefault("retry.backoff_factor", 2.0)
	v.SetDefault("fetch.timeout", 30*time.Second)
	v.SetDefault("fetch.user_agent", "collectord/1.0")
	v.SetDefault("fetch.respect_robots", false)
	v.SetDefault("fetch.max_bytes", 10<<20)
	v.SetDefault("fetch.allowed_content_types", []string{"application/pdf", "text/html"})
	v.SetDefault("ratelimit.rps", 1.0)
	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.dir", "data/cache")
	v.SetDefault("cache.ttl", 24*time.Hour)
	v.SetDefault("status.backend", "memory")
	v.SetDefault("status.sqlite_path", "data/status.db")
	v.SetDefault("status.timezone", "UTC")
	v.SetDefault("sink.backend", "memory")
	v.SetDefault("sink.dir", "data/records")
	v.SetDefault("sink.prefix", "records")
	v.SetDefault("notify.backend", "none")
	v.SetDefault("structuring.backend", "document")
	v.SetDefault("structuring.timeout", 2*time.Minute)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch_events", 256)
	v.SetDefault("progress.max_batch_wait", 500*time.Millisecond)
	v.SetDefault("progress.sink_timeout", 10*time.Second)
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 30)
}

var validate = validator.New()

// Validate enforces field bounds and cross-field rules.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	var errs []error
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		errs = append(errs, errors.New("retry.max_delay must be >= retry.base_delay"))
	}
	if c.Cache.Backend == "redis" && c.Cache.RedisURL == "" {
		errs = append(errs, errors.New("cache.redis_url is required for the redis backend"))
	}
	if c.Cache.Backend == "local" && c.Cache.Dir == "" {
		errs = append(errs, errors.New("cache.dir is required for the local backend"))
	}
	if c.Status.Backend == "postgres" && c.Status.DSN == "" {
		errs = append(errs, errors.New("status.dsn is required for the postgres backend"))
	}
	if c.Status.Backend == "sqlite" && c.Status.SQLitePath == "" {
		errs = append(errs, errors.New("status.sqlite_path is required for the sqlite backend"))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	switch c.Sink.Backend {
	case "postgres":
		if c.Sink.DSN == "" {
			errs = append(errs, errors.New("sink.dsn is required for the postgres backend"))
		}
	case "gcs":
		if c.Sink.GCSBucket == "" {
			errs = append(errs, errors.New("sink.gcs_bucket is required for the gcs backend"))
		}
	case "local":
		if c.Sink.Dir == "" {
			errs = append(errs, errors.New("sink.dir is required for the local backend"))
		}
	}
	if c.Notify.Backend == "pubsub" && (c.Notify.ProjectID == "" || c.Notify.Topic == "") {
		errs = append(errs, errors.New("notify.project_id and notify.topic are required for pubsub"))
	}
	if c.Structuring.Backend == "remote" && c.Structuring.Endpoint == "" {
		errs = append(errs, errors.New("structuring.endpoint is required for the remote backend"))
	}
	errs = append(errs, c.validateCollectors()...)
	return errors.Join(errs...)
}

func (c Config) validateCollectors() []error {
	var errs []error
	ids := make(map[string]struct{}, len(c.Collectors))
	for _, col := range c.Collectors {
		if _, dup := ids[col.ID]; dup {
			errs = append(errs, fmt.Errorf("duplicate collector id %q", col.ID))
		}
		ids[col.ID] = struct{}{}
		if len(col.URLs) == 0 && col.IndexURL == "" {
			errs = append(errs, fmt.Errorf("collector %q needs urls or index_url", col.ID))
		}
		if col.LinkPattern != "" {
			if _, err := regexp.Compile(col.LinkPattern); err != nil {
				errs = append(errs, fmt.Errorf("collector %q link_pattern: %w", col.ID, err))
			}
		}
	}
	for _, col := range c.Collectors {
		if col.Parent == "" {
			continue
		}
		if col.Parent == col.ID {
			errs = append(errs, fmt.Errorf("collector %q cannot be its own parent", col.ID))
		} else if _, ok := ids[col.Parent]; !ok {
			errs = append(errs, fmt.Errorf("collector %q has unknown parent %q", col.ID, col.Parent))
		}
	}
	return errs
}

// Location resolves status.timezone.
func (c Config) Location() (*time.Location, error) {
	if c.Status.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Status.Timezone)
	if err != nil {
		return nil, fmt.Errorf("status.timezone: %w", err)
	}
	return loc, nil
}

// Collector returns the collector with id.
func (c Config) Collector(id string) (CollectorConfig, bool) {
	for _, col := range c.Collectors {
		if col.ID == id {
			return col, true
		}
	}
	return CollectorConfig{}, false
}
