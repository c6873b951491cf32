package crawler

import (
	"fmt"
	"time"
)

// CrawlConfig bounds a single crawl session. It is immutable once a session starts.
type CrawlConfig struct {
	MaxDepth           int           `json:"max_depth" mapstructure:"max_depth"`
	MaxPages           int           `json:"max_pages" mapstructure:"max_pages"`
	MaxPagesPerDomain  int           `json:"max_pages_per_domain" mapstructure:"max_pages_per_domain"`
	PolitenessDelay    time.Duration `json:"politeness_delay" mapstructure:"politeness_delay"`
	FetchTimeout       time.Duration `json:"fetch_timeout" mapstructure:"fetch_timeout"`
	RetryCount         int           `json:"retry_count" mapstructure:"retry_count"`
	MinContentLength   int           `json:"min_content_length" mapstructure:"min_content_length"`
	MaxContentLength   int           `json:"max_content_length" mapstructure:"max_content_length"`
	FollowLinks        bool          `json:"follow_links" mapstructure:"follow_links"`
	AllowExternalLinks bool          `json:"allow_external_links" mapstructure:"allow_external_links"`
	RespectRobots      bool          `json:"respect_robots" mapstructure:"respect_robots"`
}

// DefaultCrawlConfig returns the settings used when nothing is configured.
func DefaultCrawlConfig() CrawlConfig {
	return CrawlConfig{
		MaxDepth:          2,
		MaxPages:          50,
		MaxPagesPerDomain: 0,
		PolitenessDelay:   time.Second,
		FetchTimeout:      15 * time.Second,
		RetryCount:        2,
		MinContentLength:  100,
		MaxContentLength:  500_000,
		FollowLinks:       true,
		RespectRobots:     true,
	}
}

// Validate rejects configurations a session cannot run with.
func (c CrawlConfig) Validate() error {
	switch {
	case c.MaxDepth < 0:
		return &ConfigError{Field: "max_depth", Reason: "must be >= 0"}
	case c.MaxPages <= 0:
		return &ConfigError{Field: "max_pages", Reason: "must be > 0"}
	case c.MaxPagesPerDomain < 0:
		return &ConfigError{Field: "max_pages_per_domain", Reason: "must be >= 0"}
	case c.PolitenessDelay < 0:
		return &ConfigError{Field: "politeness_delay", Reason: "must be >= 0"}
	case c.FetchTimeout <= 0:
		return &ConfigError{Field: "fetch_timeout", Reason: "must be > 0"}
	case c.RetryCount < 0:
		return &ConfigError{Field: "retry_count", Reason: "must be >= 0"}
	case c.MinContentLength < 0:
		return &ConfigError{Field: "min_content_length", Reason: "must be >= 0"}
	case c.MaxContentLength < 0:
		return &ConfigError{Field: "max_content_length", Reason: "must be >= 0"}
	case c.MaxContentLength > 0 && c.MaxContentLength < c.MinContentLength:
		return &ConfigError{
			Field:  "max_content_length",
			Reason: fmt.Sprintf("must be >= min_content_length (%d)", c.MinContentLength),
		}
	}
	return nil
}

// ValidateSeed checks that a seed is an absolute http(s) URL.
func ValidateSeed(seed string) error {
	if !IsHTTPURL(seed) {
		return &ConfigError{Field: "seed_url", Reason: "must be an absolute http(s) URL"}
	}
	return nil
}
