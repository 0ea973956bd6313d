// Package config loads crawl configuration from YAML files and environment
// variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/forager-dev/forager/internal/cache"
	"github.com/forager-dev/forager/internal/crawler"
	"github.com/forager-dev/forager/internal/proxy"
	"github.com/forager-dev/forager/internal/ratelimit"
)

// Duration wraps time.Duration so YAML values like "500ms" or "2m" decode
// directly.
type Duration time.Duration

// UnmarshalYAML decodes a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML encodes the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// File is the on-disk YAML configuration schema.
type File struct {
	Seeds           []string `yaml:"seeds"`
	AllowedDomains  []string `yaml:"allowed_domains"`
	IncludePatterns []string `yaml:"include_patterns"`
	ExcludePatterns []string `yaml:"exclude_patterns"`

	MaxDepth       int      `yaml:"max_depth"`
	MaxPages       int      `yaml:"max_pages"`
	Workers        int      `yaml:"workers"`
	RequestTimeout Duration `yaml:"request_timeout"`
	RetryAttempts  int      `yaml:"retry_attempts"`
	RetryDelay     Duration `yaml:"retry_delay"`
	UserAgent      string   `yaml:"user_agent"`
	RespectRobots  *bool    `yaml:"respect_robots"`
	GlobalRate     float64  `yaml:"global_rate"`

	RateLimit struct {
		BaseDelay       Duration            `yaml:"base_delay"`
		MinDelay        Duration            `yaml:"min_delay"`
		MaxDelay        Duration            `yaml:"max_delay"`
		RandomRange     float64             `yaml:"random_range"`
		RetryFactor     float64             `yaml:"retry_factor"`
		TempDelayExpiry Duration            `yaml:"temp_delay_expiry"`
		DomainOverrides map[string]Duration `yaml:"domain_overrides"`
	} `yaml:"rate_limit"`

	Proxies struct {
		Addresses           []string `yaml:"addresses"`
		TestURL             string   `yaml:"test_url"`
		Strategy            string   `yaml:"strategy"`
		MaxFailures         int      `yaml:"max_failures"`
		HealthCheckInterval Duration `yaml:"health_check_interval"`
		ProbeTimeout        Duration `yaml:"probe_timeout"`
		Cooldown            Duration `yaml:"cooldown"`
	} `yaml:"proxies"`

	Cache struct {
		Enabled    *bool    `yaml:"enabled"`
		TTL        Duration `yaml:"ttl"`
		MaxEntries int      `yaml:"max_entries"`
		Dir        string   `yaml:"dir"`
	} `yaml:"cache"`
}

// Load reads a YAML config file and merges it over the crawler defaults, then
// applies environment overrides.
func Load(path string) (crawler.Config, error) {
	cfg := crawler.DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config file: %w", err)
		}
		var f File
		if err := yaml.Unmarshal(data, &f); err != nil {
			return cfg, fmt.Errorf("parsing config file %s: %w", path, err)
		}
		apply(&cfg, &f)
	}

	FromEnv(&cfg)
	return cfg, nil
}

// apply merges non-zero file values into cfg.
func apply(cfg *crawler.Config, f *File) {
	if len(f.Seeds) > 0 {
		cfg.Seeds = f.Seeds
	}
	cfg.AllowedDomains = f.AllowedDomains
	cfg.IncludePatterns = f.IncludePatterns
	cfg.ExcludePatterns = f.ExcludePatterns

	if f.MaxDepth > 0 {
		cfg.MaxDepth = f.MaxDepth
	}
	if f.MaxPages > 0 {
		cfg.MaxPages = f.MaxPages
	}
	if f.Workers > 0 {
		cfg.Workers = f.Workers
	}
	if f.RequestTimeout > 0 {
		cfg.RequestTimeout = time.Duration(f.RequestTimeout)
	}
	if f.RetryAttempts > 0 {
		cfg.RetryAttempts = f.RetryAttempts
	}
	if f.RetryDelay > 0 {
		cfg.RetryDelay = time.Duration(f.RetryDelay)
	}
	if f.UserAgent != "" {
		cfg.UserAgent = f.UserAgent
	}
	if f.RespectRobots != nil {
		cfg.RespectRobots = *f.RespectRobots
	}
	if f.GlobalRate > 0 {
		cfg.GlobalRate = f.GlobalRate
	}

	rl := ratelimit.DefaultConfig()
	if f.RateLimit.BaseDelay > 0 {
		rl.BaseDelay = time.Duration(f.RateLimit.BaseDelay)
	}
	if f.RateLimit.MinDelay > 0 {
		rl.MinDelay = time.Duration(f.RateLimit.MinDelay)
	}
	if f.RateLimit.MaxDelay > 0 {
		rl.MaxDelay = time.Duration(f.RateLimit.MaxDelay)
	}
	if f.RateLimit.RandomRange > 0 {
		rl.RandomRange = f.RateLimit.RandomRange
	}
	if f.RateLimit.RetryFactor > 0 {
		rl.RetryFactor = f.RateLimit.RetryFactor
	}
	if f.RateLimit.TempDelayExpiry > 0 {
		rl.TempDelayExpiry = time.Duration(f.RateLimit.TempDelayExpiry)
	}
	if len(f.RateLimit.DomainOverrides) > 0 {
		rl.DomainOverrides = make(map[string]time.Duration, len(f.RateLimit.DomainOverrides))
		for domain, d := range f.RateLimit.DomainOverrides {
			rl.DomainOverrides[domain] = time.Duration(d)
		}
	}
	cfg.RateLimit = rl

	px := proxy.DefaultConfig()
	px.Proxies = f.Proxies.Addresses
	if f.Proxies.TestURL != "" {
		px.TestURL = f.Proxies.TestURL
	}
	if f.Proxies.MaxFailures > 0 {
		px.MaxFailures = f.Proxies.MaxFailures
	}
	if f.Proxies.HealthCheckInterval > 0 {
		px.HealthCheckInterval = time.Duration(f.Proxies.HealthCheckInterval)
	}
	if f.Proxies.ProbeTimeout > 0 {
		px.ProbeTimeout = time.Duration(f.Proxies.ProbeTimeout)
	}
	if f.Proxies.Cooldown > 0 {
		px.Cooldown = time.Duration(f.Proxies.Cooldown)
	}
	cfg.Proxy = px
	if f.Proxies.Strategy != "" {
		cfg.ProxyStrategy = proxy.Strategy(f.Proxies.Strategy)
	}

	ch := cache.DefaultConfig()
	if f.Cache.Enabled != nil {
		cfg.CacheEnabled = *f.Cache.Enabled
	}
	if f.Cache.TTL > 0 {
		ch.TTL = time.Duration(f.Cache.TTL)
	}
	if f.Cache.MaxEntries > 0 {
		ch.MaxEntries = f.Cache.MaxEntries
	}
	ch.Dir = f.Cache.Dir
	cfg.Cache = ch
}

// FromEnv overlays FORAGER_* environment variables onto cfg. Variables mirror
// the YAML fields for the settings most often tweaked per deployment.
func FromEnv(cfg *crawler.Config) {
	if v := os.Getenv("FORAGER_SEEDS"); v != "" {
		cfg.Seeds = splitList(v)
	}
	if v := os.Getenv("FORAGER_ALLOWED_DOMAINS"); v != "" {
		cfg.AllowedDomains = splitList(v)
	}
	cfg.MaxDepth = getEnvInt("FORAGER_MAX_DEPTH", cfg.MaxDepth)
	cfg.MaxPages = getEnvInt("FORAGER_MAX_PAGES", cfg.MaxPages)
	cfg.Workers = getEnvInt("FORAGER_WORKERS", cfg.Workers)
	cfg.UserAgent = getEnvWithDefault("FORAGER_USER_AGENT", cfg.UserAgent)
	cfg.RequestTimeout = getEnvDuration("FORAGER_REQUEST_TIMEOUT", cfg.RequestTimeout)
	cfg.RetryDelay = getEnvDuration("FORAGER_RETRY_DELAY", cfg.RetryDelay)
	if v := os.Getenv("FORAGER_RESPECT_ROBOTS"); v != "" {
		cfg.RespectRobots = v == "true" || v == "1"
	}
	if v := os.Getenv("FORAGER_PROXIES"); v != "" {
		cfg.Proxy.Proxies = splitList(v)
	}
	if v := os.Getenv("FORAGER_CACHE_DIR"); v != "" {
		cfg.Cache.Dir = v
	}
}

// getEnvWithDefault retrieves an environment variable or returns a default
// value if not set.
func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default
// value if not set or unparseable.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a duration environment variable or returns a
// default value if not set or unparseable.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
