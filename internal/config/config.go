// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/learning-bits-crawler/internal/crawler"
	"github.com/JakeFAU/learning-bits-crawler/internal/logging"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logging    logging.Config   `mapstructure:"logging"`
	Crawler    CrawlerConfig    `mapstructure:"crawler"`
	Jobs       JobsConfig       `mapstructure:"jobs"`
	Extraction ExtractionConfig `mapstructure:"extraction"`
	Store      StoreConfig      `mapstructure:"store"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Headless   HeadlessConfig   `mapstructure:"headless"`
	Progress   ProgressConfig   `mapstructure:"progress"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CrawlerConfig holds the environment-level crawl defaults. Jobs may override them.
type CrawlerConfig struct {
	UserAgent          string        `mapstructure:"user_agent"`
	MaxDepth           int           `mapstructure:"max_depth"`
	MaxPages           int           `mapstructure:"max_pages"`
	MaxPagesPerDomain  int           `mapstructure:"max_pages_per_domain"`
	PolitenessDelay    time.Duration `mapstructure:"politeness_delay"`
	FetchTimeout       time.Duration `mapstructure:"fetch_timeout"`
	RetryCount         int           `mapstructure:"retry_count"`
	RetryBackoff       time.Duration `mapstructure:"retry_backoff"`
	RetryMaxBackoff    time.Duration `mapstructure:"retry_max_backoff"`
	MinContentLength   int           `mapstructure:"min_content_length"`
	MaxContentLength   int           `mapstructure:"max_content_length"`
	FollowLinks        bool          `mapstructure:"follow_links"`
	AllowExternalLinks bool          `mapstructure:"allow_external_links"`
	RespectRobots      bool          `mapstructure:"respect_robots"`
	MaxBodyBytes       int           `mapstructure:"max_body_bytes"`
	MaxRedirects       int           `mapstructure:"max_redirects"`
	// SkipExtensions overrides the built-in asset list when non-empty.
	SkipExtensions []string `mapstructure:"skip_extensions"`
	DenyPaths      []string `mapstructure:"deny_paths"`
}

// JobsConfig governs the background job manager.
type JobsConfig struct {
	MaxConcurrent      int           `mapstructure:"max_concurrent"`
	QueueDepth         int           `mapstructure:"queue_depth"`
	AutoRestart        bool          `mapstructure:"auto_restart"`
	MaxRestarts        int           `mapstructure:"max_restarts"`
	RestartCooldown    time.Duration `mapstructure:"restart_cooldown"`
	RestartMaxCooldown time.Duration `mapstructure:"restart_max_cooldown"`
	EventsTopic        string        `mapstructure:"events_topic"`
}

// ExtractionConfig tunes the learning-bit pipeline.
type ExtractionConfig struct {
	CrossRefThreshold  float64 `mapstructure:"crossref_threshold"`
	HistoryLimit       int     `mapstructure:"history_limit"`
	LearningMinSamples int     `mapstructure:"learning_min_samples"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	Driver     string `mapstructure:"driver"`
	DSN        string `mapstructure:"dsn"`
	SQLitePath string `mapstructure:"sqlite_path"`
	MaxConns   int32  `mapstructure:"max_conns"`
}

// ArchiveConfig sets where raw page markup is archived.
type ArchiveConfig struct {
	Provider    string `mapstructure:"provider"`
	BaseDir     string `mapstructure:"base_dir"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// HeadlessConfig configures the headless rendering fallback.
type HeadlessConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	MaxParallel     int           `mapstructure:"max_parallel"`
	NavTimeout      time.Duration `mapstructure:"nav_timeout"`
	SettleDelay     time.Duration `mapstructure:"settle_delay"`
	ReadySelector   string        `mapstructure:"ready_selector"`
	PromotionThresh int           `mapstructure:"promotion_threshold"`
}

// ProgressConfig controls the per-page activity stream.
type ProgressConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Log           bool          `mapstructure:"log"`
	Topic         string        `mapstructure:"topic"`
	BufferSize    int           `mapstructure:"buffer_size"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Archive providers.
const (
	ArchiveNone   = "none"
	ArchiveMemory = "memory"
	ArchiveLocal  = "local"
	ArchiveGCS    = "gcs"
)

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
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
	defaults := crawler.DefaultCrawlConfig()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("crawler.user_agent", "learning-bits-bot/0.1")
	v.SetDefault("crawler.max_depth", defaults.MaxDepth)
	v.SetDefault("crawler.max_pages", defaults.MaxPages)
	v.SetDefault("crawler.max_pages_per_domain", defaults.MaxPagesPerDomain)
	v.SetDefault("crawler.politeness_delay", defaults.PolitenessDelay)
	v.SetDefault("crawler.fetch_timeout", defaults.FetchTimeout)
	v.SetDefault("crawler.retry_count", defaults.RetryCount)
	v.SetDefault("crawler.retry_backoff", 250*time.Millisecond)
	v.SetDefault("crawler.retry_max_backoff", 5*time.Second)
	v.SetDefault("crawler.min_content_length", defaults.MinContentLength)
	v.SetDefault("crawler.max_content_length", defaults.MaxContentLength)
	v.SetDefault("crawler.follow_links", defaults.FollowLinks)
	v.SetDefault("crawler.allow_external_links", defaults.AllowExternalLinks)
	v.SetDefault("crawler.respect_robots", defaults.RespectRobots)
	v.SetDefault("crawler.max_body_bytes", 10<<20)
	v.SetDefault("crawler.max_redirects", 10)
	v.SetDefault("jobs.max_concurrent", 3)
	v.SetDefault("jobs.queue_depth", 100)
	v.SetDefault("jobs.auto_restart", true)
	v.SetDefault("jobs.max_restarts", 3)
	v.SetDefault("jobs.restart_cooldown", 5*time.Second)
	v.SetDefault("jobs.restart_max_cooldown", time.Minute)
	v.SetDefault("jobs.events_topic", "crawl-jobs")
	v.SetDefault("extraction.crossref_threshold", 0.3)
	v.SetDefault("extraction.history_limit", 50)
	v.SetDefault("extraction.learning_min_samples", 5)
	v.SetDefault("store.driver", DriverMemory)
	v.SetDefault("store.sqlite_path", "data/learning_bits.db")
	v.SetDefault("store.max_conns", 8)
	v.SetDefault("archive.provider", ArchiveNone)
	v.SetDefault("archive.prefix", "pages")
	v.SetDefault("archive.content_type", "text/html; charset=utf-8")
	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout", 25*time.Second)
	v.SetDefault("headless.settle_delay", 500*time.Millisecond)
	v.SetDefault("headless.ready_selector", "body")
	v.SetDefault("headless.promotion_threshold", 2048)
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log", false)
	v.SetDefault("progress.topic", "")
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.batch_size", 100)
	v.SetDefault("progress.flush_interval", 500*time.Millisecond)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Jobs.MaxConcurrent <= 0 {
		return fmt.Errorf("jobs.max_concurrent must be > 0")
	}
	if c.Jobs.QueueDepth < 0 {
		return fmt.Errorf("jobs.queue_depth must be >= 0")
	}
	if c.Jobs.MaxRestarts < 0 {
		return fmt.Errorf("jobs.max_restarts must be >= 0")
	}
	if c.Extraction.CrossRefThreshold < 0 || c.Extraction.CrossRefThreshold > 1 {
		return fmt.Errorf("extraction.crossref_threshold must be within [0,1]")
	}
	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn must be set for the postgres driver")
		}
	case DriverSQLite:
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("store.sqlite_path must be set for the sqlite driver")
		}
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	switch c.Archive.Provider {
	case "", ArchiveNone, ArchiveMemory:
	case ArchiveLocal:
		if c.Archive.BaseDir == "" {
			return fmt.Errorf("archive.base_dir must be set for the local provider")
		}
	case ArchiveGCS:
		if c.Archive.GCSBucket == "" {
			return fmt.Errorf("archive.gcs_bucket must be set for the gcs provider")
		}
	default:
		return fmt.Errorf("unknown archive.provider %q", c.Archive.Provider)
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set when pubsub is enabled")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Progress.BufferSize < 0 || c.Progress.BatchSize < 0 {
		return fmt.Errorf("progress.buffer_size and progress.batch_size must be >= 0")
	}
	if err := c.CrawlDefaults().Validate(); err != nil {
		return fmt.Errorf("crawler defaults: %w", err)
	}
	return nil
}

// CrawlDefaults converts the crawler section into the per-session config jobs start from.
func (c Config) CrawlDefaults() crawler.CrawlConfig {
	return crawler.CrawlConfig{
		MaxDepth:           c.Crawler.MaxDepth,
		MaxPages:           c.Crawler.MaxPages,
		MaxPagesPerDomain:  c.Crawler.MaxPagesPerDomain,
		PolitenessDelay:    c.Crawler.PolitenessDelay,
		FetchTimeout:       c.Crawler.FetchTimeout,
		RetryCount:         c.Crawler.RetryCount,
		MinContentLength:   c.Crawler.MinContentLength,
		MaxContentLength:   c.Crawler.MaxContentLength,
		FollowLinks:        c.Crawler.FollowLinks,
		AllowExternalLinks: c.Crawler.AllowExternalLinks,
		RespectRobots:      c.Crawler.RespectRobots,
	}
}
