// Package config loads and validates paperdex configuration from an
// optional YAML file and PAPERDEX_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/kalambet/paperdex/internal/errs"
	"github.com/kalambet/paperdex/internal/repo"
)

type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	ResearchSource ResearchSourceConfig `mapstructure:"research_source"`
	Downloads      DownloadsConfig      `mapstructure:"downloads"`
	Cache          CacheConfig          `mapstructure:"cache"`
	Search         SearchConfig         `mapstructure:"search"`
	Log            LogConfig            `mapstructure:"log"`
}

type ServerConfig struct {
	// Host and Port are reserved for the optional HTTP health listener;
	// the MCP transport itself runs over stdio.
	Host                        string `mapstructure:"host"`
	Port                        int    `mapstructure:"port"`
	TimeoutSecs                 int    `mapstructure:"timeout_secs"`
	GracefulShutdownTimeoutSecs int    `mapstructure:"graceful_shutdown_timeout_secs"`
	HealthCheckIntervalSecs     int    `mapstructure:"health_check_interval_secs"`
}

type ResearchSourceConfig struct {
	Endpoints       []string `mapstructure:"endpoints"`
	RateLimitPerSec int      `mapstructure:"rate_limit_per_sec"`
	UnpaywallEmail  string   `mapstructure:"unpaywall_email"`
}

type DownloadsConfig struct {
	MaxConcurrent  int    `mapstructure:"max_concurrent"`
	DestinationDir string `mapstructure:"destination_dir"`
}

type CacheConfig struct {
	Root           string `mapstructure:"root"`
	MaxSizeBytes   int64  `mapstructure:"max_size_bytes"`
	DefaultTTLSecs int    `mapstructure:"default_ttl_secs"`
}

type SearchConfig struct {
	DefaultLimit          int `mapstructure:"default_limit"`
	EnrichmentParallelism int `mapstructure:"enrichment_parallelism"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

func defaults(v *viper.Viper) {
	home, _ := os.UserHomeDir()
	root := filepath.Join(home, ".paperdex")

	v.SetDefault("server.host", "")
	v.SetDefault("server.port", 0)
	v.SetDefault("server.timeout_secs", 60)
	v.SetDefault("server.graceful_shutdown_timeout_secs", 30)
	v.SetDefault("server.health_check_interval_secs", 60)

	v.SetDefault("research_source.endpoints", []string{"arxiv", "openalex", "unpaywall", "crossref", "doiorg"})
	v.SetDefault("research_source.rate_limit_per_sec", 5)
	v.SetDefault("research_source.unpaywall_email", "")

	v.SetDefault("downloads.max_concurrent", 3)
	v.SetDefault("downloads.destination_dir", filepath.Join(root, "papers"))

	v.SetDefault("cache.root", root)
	v.SetDefault("cache.max_size_bytes", int64(1<<30))
	v.SetDefault("cache.default_ttl_secs", 86400)

	v.SetDefault("search.default_limit", 20)
	v.SetDefault("search.enrichment_parallelism", 2)

	v.SetDefault("log.level", "info")
}

// Load reads configuration from an optional YAML file plus PAPERDEX_*
// environment overrides. A missing config file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	defaults(v)

	v.SetEnvPrefix("PAPERDEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	} else {
		v.SetConfigName("paperdex")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".paperdex"))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var knownEndpoints = map[string]bool{
	"arxiv":     true,
	"openalex":  true,
	"unpaywall": true,
	"crossref":  true,
	"doiorg":    true,
}

func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return errs.Invalid("server.port", "must be between 0 and 65535")
	}
	if c.Server.TimeoutSecs <= 0 {
		return errs.Invalid("server.timeout_secs", "must be positive")
	}
	if c.Server.GracefulShutdownTimeoutSecs <= 0 {
		return errs.Invalid("server.graceful_shutdown_timeout_secs", "must be positive")
	}
	if c.Server.HealthCheckIntervalSecs <= 0 {
		return errs.Invalid("server.health_check_interval_secs", "must be positive")
	}

	if len(c.ResearchSource.Endpoints) == 0 {
		return errs.Invalid("research_source.endpoints", "must not be empty")
	}
	for _, e := range c.ResearchSource.Endpoints {
		if !knownEndpoints[e] {
			return errs.Invalid("research_source.endpoints", fmt.Sprintf("unknown endpoint %q", e))
		}
	}
	if c.ResearchSource.RateLimitPerSec < 1 {
		return errs.Invalid("research_source.rate_limit_per_sec", "must be at least 1")
	}

	if c.Downloads.MaxConcurrent < 1 {
		return errs.Invalid("downloads.max_concurrent", "must be at least 1")
	}
	if c.Downloads.DestinationDir == "" {
		return errs.Invalid("downloads.destination_dir", "must not be empty")
	}

	if c.Cache.Root == "" {
		return errs.Invalid("cache.root", "must not be empty")
	}
	if c.Cache.MaxSizeBytes <= 0 {
		return errs.Invalid("cache.max_size_bytes", "must be positive")
	}
	if c.Cache.DefaultTTLSecs < 0 {
		return errs.Invalid("cache.default_ttl_secs", "must not be negative")
	}

	if c.Search.DefaultLimit < 1 || c.Search.DefaultLimit > 100 {
		return errs.Invalid("search.default_limit", "must be between 1 and 100")
	}
	if c.Search.EnrichmentParallelism < 1 {
		return errs.Invalid("search.enrichment_parallelism", "must be at least 1")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return errs.Invalid("log.level", "must be one of debug, info, warn, error")
	}

	return nil
}

// Settings converts the validated configuration into the immutable
// snapshot services read at request entry.
func (c *Config) Settings() repo.Settings {
	return repo.Settings{
		ServerHost:              c.Server.Host,
		ServerPort:              c.Server.Port,
		RequestTimeout:          time.Duration(c.Server.TimeoutSecs) * time.Second,
		GracefulShutdownTimeout: time.Duration(c.Server.GracefulShutdownTimeoutSecs) * time.Second,
		HealthCheckInterval:     time.Duration(c.Server.HealthCheckIntervalSecs) * time.Second,
		SearchDefaultLimit:      c.Search.DefaultLimit,
		DownloadMaxConcurrent:   c.Downloads.MaxConcurrent,
		DownloadDestinationDir:  c.Downloads.DestinationDir,
		CacheMaxSizeBytes:       c.Cache.MaxSizeBytes,
		CacheDefaultTTL:         time.Duration(c.Cache.DefaultTTLSecs) * time.Second,
		ProviderRateLimitPerSec: c.ResearchSource.RateLimitPerSec,
		ProviderEndpoints:       append([]string(nil), c.ResearchSource.Endpoints...),
		UnpaywallEmail:          c.ResearchSource.UnpaywallEmail,
		EnrichmentParallelism:   c.Search.EnrichmentParallelism,
	}
}
