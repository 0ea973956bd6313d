package crawler

import (
	"fmt"
	"regexp"
	"time"

	"github.com/forager-dev/forager/internal/cache"
	"github.com/forager-dev/forager/internal/proxy"
	"github.com/forager-dev/forager/internal/ratelimit"
)

// Config holds the configuration for one crawl run.
type Config struct {
	Seeds           []string // starting URLs, at least one required
	AllowedDomains  []string // empty means any domain reachable from the seeds
	IncludePatterns []string // regexes a discovered URL must match (any)
	ExcludePatterns []string // regexes that reject a discovered URL (any)

	MaxDepth       int           // link depth limit; seeds are depth 0
	MaxPages       int           // page budget; 0 means unlimited
	Workers        int           // fixed worker pool size
	RequestTimeout time.Duration // per-request timeout
	RetryAttempts  int           // retries after the first attempt
	RetryDelay     time.Duration // base backoff, multiplied by the attempt number
	UserAgent      string
	RespectRobots  bool
	GlobalRate     float64 // whole-crawl requests/second cap; 0 disables

	CacheEnabled  bool
	ProxyStrategy proxy.Strategy

	RateLimit ratelimit.Config
	Proxy     proxy.Config
	Cache     cache.Config
}

// DefaultConfig returns a polite single-domain crawl configuration.
func DefaultConfig() Config {
	return Config{
		MaxDepth:       3,
		Workers:        5,
		RequestTimeout: 30 * time.Second,
		RetryAttempts:  3,
		RetryDelay:     500 * time.Millisecond,
		UserAgent:      "Forager/1.0 (+https://github.com/forager-dev/forager)",
		RespectRobots:  true,
		CacheEnabled:   true,
		ProxyStrategy:  proxy.StrategyRoundRobin,
		RateLimit:      ratelimit.DefaultConfig(),
		Proxy:          proxy.DefaultConfig(),
		Cache:          cache.DefaultConfig(),
	}
}

// Validate checks the configuration and compiles the URL filter patterns.
func (c *Config) Validate() error {
	if len(c.Seeds) == 0 {
		return fmt.Errorf("at least one seed URL is required")
	}
	if c.Workers <= 0 {
		c.Workers = DefaultConfig().Workers
	}
	if c.MaxDepth < 0 {
		return fmt.Errorf("max depth must not be negative")
	}
	if c.RetryAttempts < 0 {
		c.RetryAttempts = 0
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultConfig().UserAgent
	}

	for _, p := range c.IncludePatterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("invalid include pattern %q: %w", p, err)
		}
	}
	for _, p := range c.ExcludePatterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("invalid exclude pattern %q: %w", p, err)
		}
	}
	return nil
}
