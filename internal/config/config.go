// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/vision-catalog/internal/crawler"
	collyfetcher "github.com/JakeFAU/vision-catalog/internal/fetcher/colly"
	"github.com/JakeFAU/vision-catalog/internal/storage"
	"github.com/JakeFAU/vision-catalog/internal/storage/gcs"
	"github.com/JakeFAU/vision-catalog/internal/storage/local"
	"github.com/JakeFAU/vision-catalog/internal/storage/postgres"
)

// EnvPrefix namespaces environment overrides, e.g. CATALOG_SERVER_PORT.
const EnvPrefix = "CATALOG"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Source    SourceConfig    `mapstructure:"source"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Refresh   RefreshConfig   `mapstructure:"refresh"`
	Hub       HubConfig       `mapstructure:"hub"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Database  DatabaseConfig  `mapstructure:"database"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Host                   string `mapstructure:"host"`
	Port                   int    `mapstructure:"port"`
	ShutdownTimeoutSeconds int    `mapstructure:"shutdown_timeout_seconds"`
}

// SourceConfig locates the remote listing service.
type SourceConfig struct {
	BootstrapURL string `mapstructure:"bootstrap_url"`
	BucketURL    string `mapstructure:"bucket_url"`
	UserAgent    string `mapstructure:"user_agent"`
}

// CrawlerConfig governs crawl fan-out and politeness.
type CrawlerConfig struct {
	FrequencyConcurrency  int    `mapstructure:"frequency_concurrency"`
	CategoryConcurrency   int    `mapstructure:"category_concurrency"`
	InstrumentSampleLimit int    `mapstructure:"instrument_sample_limit"`
	InstrumentBatchSize   int    `mapstructure:"instrument_batch_size"`
	InstrumentWorkers     int    `mapstructure:"instrument_workers"`
	TimeframeConcurrency  int    `mapstructure:"timeframe_concurrency"`
	MaxInFlight           int    `mapstructure:"max_in_flight"`
	RequestDelayMs        int    `mapstructure:"request_delay_ms"`
	MaxPagesPerListing    int    `mapstructure:"max_pages_per_listing"`
	EmptyRangePolicy      string `mapstructure:"empty_range_policy"`
}

// HTTPConfig configures HTTP client timeout and retry behavior.
type HTTPConfig struct {
	TimeoutSeconds   int `mapstructure:"timeout_seconds"`
	MaxRetries       int `mapstructure:"max_retries"`
	BackoffInitialMs int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int `mapstructure:"backoff_max_ms"`
}

// RefreshConfig controls the periodic re-crawl.
type RefreshConfig struct {
	IntervalMinutes int `mapstructure:"interval_minutes"`
	InitialAttempts int `mapstructure:"initial_attempts"`
}

// HubConfig controls WebSocket delivery.
type HubConfig struct {
	SendTimeoutMs       int `mapstructure:"send_timeout_ms"`
	PingIntervalSeconds int `mapstructure:"ping_interval_seconds"`
}

// StorageConfig selects the snapshot store backend.
type StorageConfig struct {
	Backend string             `mapstructure:"backend"`
	Local   LocalStorageConfig `mapstructure:"local"`
	GCS     GCSStorageConfig   `mapstructure:"gcs"`
}

// LocalStorageConfig locates the cache file.
type LocalStorageConfig struct {
	Path string `mapstructure:"path"`
}

// GCSStorageConfig locates the cache object.
type GCSStorageConfig struct {
	Bucket string `mapstructure:"bucket"`
	Object string `mapstructure:"object"`
}

// DatabaseConfig controls access to the relational database.
type DatabaseConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// PubSubConfig holds metadata for change notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig toggles OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
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

// Every key gets a default, even an empty one, so AutomaticEnv can bind it.
func setDefaults(v *viper.Viper) {
	def := crawler.DefaultConfig()

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8001)
	v.SetDefault("server.shutdown_timeout_seconds", 10)
	v.SetDefault("source.bootstrap_url", def.BootstrapURL)
	v.SetDefault("source.bucket_url", "")
	v.SetDefault("source.user_agent", "BinanceDataChecker")
	v.SetDefault("crawler.frequency_concurrency", def.FrequencyConcurrency)
	v.SetDefault("crawler.category_concurrency", def.CategoryConcurrency)
	v.SetDefault("crawler.instrument_sample_limit", def.InstrumentSampleLimit)
	v.SetDefault("crawler.instrument_batch_size", def.InstrumentBatchSize)
	v.SetDefault("crawler.instrument_workers", def.InstrumentWorkers)
	v.SetDefault("crawler.timeframe_concurrency", def.TimeframeConcurrency)
	v.SetDefault("crawler.max_in_flight", def.MaxInFlight)
	v.SetDefault("crawler.request_delay_ms", int(def.RequestDelay/time.Millisecond))
	v.SetDefault("crawler.max_pages_per_listing", def.MaxPagesPerListing)
	v.SetDefault("crawler.empty_range_policy", def.EmptyRangePolicy)
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.max_retries", 0)
	v.SetDefault("http.backoff_initial_ms", 250)
	v.SetDefault("http.backoff_max_ms", 5000)
	v.SetDefault("refresh.interval_minutes", 30)
	v.SetDefault("refresh.initial_attempts", 3)
	v.SetDefault("hub.send_timeout_ms", 5000)
	v.SetDefault("hub.ping_interval_seconds", 30)
	v.SetDefault("storage.backend", storage.BackendLocal)
	v.SetDefault("storage.local.path", "cache.json")
	v.SetDefault("storage.gcs.bucket", "")
	v.SetDefault("storage.gcs.object", "catalog/cache.json")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.table", "catalog_snapshots")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "")
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "vision-catalog")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be in 1..65535"))
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("http.timeout_seconds must be > 0"))
	}
	if c.HTTP.BackoffMaxMs < c.HTTP.BackoffInitialMs {
		errs = append(errs, fmt.Errorf("http.backoff_max_ms must be >= http.backoff_initial_ms"))
	}
	if c.Refresh.IntervalMinutes <= 0 {
		errs = append(errs, fmt.Errorf("refresh.interval_minutes must be > 0"))
	}
	if c.Refresh.InitialAttempts <= 0 {
		errs = append(errs, fmt.Errorf("refresh.initial_attempts must be > 0"))
	}
	if c.Hub.SendTimeoutMs <= 0 {
		errs = append(errs, fmt.Errorf("hub.send_timeout_ms must be > 0"))
	}
	if c.Hub.PingIntervalSeconds <= 0 {
		errs = append(errs, fmt.Errorf("hub.ping_interval_seconds must be > 0"))
	}
	switch strings.ToLower(c.Storage.Backend) {
	case storage.BackendLocal:
		if c.Storage.Local.Path == "" {
			errs = append(errs, fmt.Errorf("storage.local.path is required for the local backend"))
		}
	case storage.BackendGCS:
		if c.Storage.GCS.Bucket == "" {
			errs = append(errs, fmt.Errorf("storage.gcs.bucket is required for the gcs backend"))
		}
	case storage.BackendPostgres:
		if c.Database.DSN == "" {
			errs = append(errs, fmt.Errorf("database.dsn is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q must be local, gcs or postgres", c.Storage.Backend))
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		errs = append(errs, fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set together"))
	}
	if err := c.CrawlerConfig().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("crawler: %w", err))
	}
	return errors.Join(errs...)
}

// Addr is the HTTP listen address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// ShutdownTimeout bounds graceful shutdown.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}

// RefreshInterval is the pause between the end of one refresh and the next.
func (c Config) RefreshInterval() time.Duration {
	return time.Duration(c.Refresh.IntervalMinutes) * time.Minute
}

// SendTimeout is the per-subscriber delivery deadline.
func (c Config) SendTimeout() time.Duration {
	return time.Duration(c.Hub.SendTimeoutMs) * time.Millisecond
}

// PingInterval is the WebSocket keepalive period.
func (c Config) PingInterval() time.Duration {
	return time.Duration(c.Hub.PingIntervalSeconds) * time.Second
}

// PubSubEnabled reports whether change notifications should be published.
func (c Config) PubSubEnabled() bool {
	return c.PubSub.ProjectID != "" && c.PubSub.TopicName != ""
}

// CrawlerConfig converts the crawl knobs into crawler settings.
func (c Config) CrawlerConfig() crawler.Config {
	return crawler.Config{
		BootstrapURL:          c.Source.BootstrapURL,
		BucketURL:             c.Source.BucketURL,
		FrequencyConcurrency:  c.Crawler.FrequencyConcurrency,
		CategoryConcurrency:   c.Crawler.CategoryConcurrency,
		InstrumentSampleLimit: c.Crawler.InstrumentSampleLimit,
		InstrumentBatchSize:   c.Crawler.InstrumentBatchSize,
		InstrumentWorkers:     c.Crawler.InstrumentWorkers,
		TimeframeConcurrency:  c.Crawler.TimeframeConcurrency,
		MaxInFlight:           c.Crawler.MaxInFlight,
		RequestDelay:          time.Duration(c.Crawler.RequestDelayMs) * time.Millisecond,
		MaxPagesPerListing:    c.Crawler.MaxPagesPerListing,
		EmptyRangePolicy:      c.Crawler.EmptyRangePolicy,
		MaxRetries:            c.HTTP.MaxRetries,
		BackoffInitial:        time.Duration(c.HTTP.BackoffInitialMs) * time.Millisecond,
		BackoffMax:            time.Duration(c.HTTP.BackoffMaxMs) * time.Millisecond,
	}
}

// FetcherConfig converts the HTTP knobs into fetcher settings.
func (c Config) FetcherConfig() collyfetcher.Config {
	return collyfetcher.Config{
		UserAgent: c.Source.UserAgent,
		Timeout:   time.Duration(c.HTTP.TimeoutSeconds) * time.Second,
	}
}

// StorageConfig converts the storage knobs into backend settings.
func (c Config) StorageConfig() storage.Config {
	pg := postgres.Config{
		DSN:      c.Database.DSN,
		Table:    c.Database.Table,
		MaxConns: c.Database.MaxConns,
	}
	return storage.Config{
		Backend:  c.Storage.Backend,
		Local:    local.Config{Path: c.Storage.Local.Path},
		GCS:      gcs.Config{Bucket: c.Storage.GCS.Bucket, Object: c.Storage.GCS.Object},
		Postgres: pg,
	}
}
