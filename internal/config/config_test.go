package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, 3, cfg.Jobs.MaxConcurrent)
	require.Equal(t, 100, cfg.Jobs.QueueDepth)
	require.True(t, cfg.Progress.Enabled)
	require.Equal(t, 500*time.Millisecond, cfg.Progress.FlushInterval)
	require.Equal(t, DriverMemory, cfg.Store.Driver)
	require.InDelta(t, 0.3, cfg.Extraction.CrossRefThreshold, 1e-9)
	require.Equal(t, time.Second, cfg.Crawler.PolitenessDelay)
	require.Equal(t, 10, cfg.Crawler.MaxRedirects)
	require.Equal(t, 10<<20, cfg.Crawler.MaxBodyBytes)

	crawl := cfg.CrawlDefaults()
	require.NoError(t, crawl.Validate())
	require.True(t, crawl.FollowLinks)
	require.Equal(t, 15*time.Second, crawl.FetchTimeout)
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
logging:
  development: false
  level: warn
crawler:
  user_agent: study-agent
  max_depth: 4
  max_pages: 200
  politeness_delay: 2s
  fetch_timeout: 30s
  follow_links: false
jobs:
  max_concurrent: 5
  auto_restart: false
  max_restarts: 1
  restart_cooldown: 500ms
extraction:
  crossref_threshold: 0.45
store:
  driver: sqlite
  sqlite_path: /tmp/bits.db
archive:
  provider: local
  base_dir: /tmp/archive
headless:
  enabled: true
  max_parallel: 2
  nav_timeout: 10s
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Server.Port)
	require.True(t, cfg.Auth.Enabled)
	require.False(t, cfg.Logging.Development)
	require.Equal(t, "warn", cfg.Logging.Level)
	require.Equal(t, "study-agent", cfg.Crawler.UserAgent)
	require.Equal(t, 2*time.Second, cfg.Crawler.PolitenessDelay)
	require.Equal(t, 5, cfg.Jobs.MaxConcurrent)
	require.False(t, cfg.Jobs.AutoRestart)
	require.Equal(t, 500*time.Millisecond, cfg.Jobs.RestartCooldown)
	require.InDelta(t, 0.45, cfg.Extraction.CrossRefThreshold, 1e-9)
	require.Equal(t, DriverSQLite, cfg.Store.Driver)
	require.Equal(t, ArchiveLocal, cfg.Archive.Provider)
	require.Equal(t, 10*time.Second, cfg.Headless.NavTimeout)

	crawl := cfg.CrawlDefaults()
	require.Equal(t, 4, crawl.MaxDepth)
	require.Equal(t, 200, crawl.MaxPages)
	require.False(t, crawl.FollowLinks)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("CRAWLER_JOBS_MAX_CONCURRENT", "7")
	t.Setenv("CRAWLER_STORE_DRIVER", "postgres")
	t.Setenv("CRAWLER_STORE_DSN", "postgres://localhost/bits")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 7, cfg.Jobs.MaxConcurrent)
	require.Equal(t, DriverPostgres, cfg.Store.Driver)
	require.Equal(t, "postgres://localhost/bits", cfg.Store.DSN)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	require.NoError(t, err)

	cases := map[string]func(*Config){
		"port":          func(c *Config) { c.Server.Port = 0 },
		"auth":          func(c *Config) { c.Auth.Enabled = true },
		"concurrency":   func(c *Config) { c.Jobs.MaxConcurrent = 0 },
		"restarts":      func(c *Config) { c.Jobs.MaxRestarts = -1 },
		"threshold":     func(c *Config) { c.Extraction.CrossRefThreshold = 1.5 },
		"driver":        func(c *Config) { c.Store.Driver = "mongo" },
		"postgres dsn":  func(c *Config) { c.Store.Driver = DriverPostgres },
		"sqlite path":   func(c *Config) { c.Store.Driver = DriverSQLite; c.Store.SQLitePath = "" },
		"archive":       func(c *Config) { c.Archive.Provider = "s3" },
		"local archive": func(c *Config) { c.Archive.Provider = ArchiveLocal },
		"gcs archive":   func(c *Config) { c.Archive.Provider = ArchiveGCS },
		"pubsub":        func(c *Config) { c.PubSub.Enabled = true },
		"headless":      func(c *Config) { c.Headless.Enabled = true; c.Headless.MaxParallel = 0 },
		"crawl":         func(c *Config) { c.Crawler.MaxPages = 0 },
		"progress":      func(c *Config) { c.Progress.BatchSize = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}
