// Package config loads the typed application configuration from a YAML file
// with environment variable overrides and defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full application configuration. Every recognized option is
// enumerated here; there is no dynamic map lookup.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Schedule  ScheduleConfig  `yaml:"schedule"`
	Retry     RetryConfig     `yaml:"retry"`
	Risk      RiskConfig      `yaml:"risk"`
	HTTP      HTTPConfig      `yaml:"http"`
	Sources   SourcesConfig   `yaml:"sources"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	Name         string        `yaml:"name"`
	User         string        `yaml:"user"`
	Password     string        `yaml:"password"`
	PoolSize     int           `yaml:"pool_size"`
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

// DSN builds the lib/pq connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=disable",
		d.Host, d.Port, d.Name, d.User, d.Password)
}

// ScheduleConfig holds the daily firing times for the two default jobs.
type ScheduleConfig struct {
	PriceCrawlHour    int `yaml:"price_crawl_hour"`
	PriceCrawlMinute  int `yaml:"price_crawl_minute"`
	RedditCrawlHour   int `yaml:"reddit_crawl_hour"`
	RedditCrawlMinute int `yaml:"reddit_crawl_minute"`
}

// RetryConfig controls the shared backoff policy for fallible I/O.
type RetryConfig struct {
	MaxRetries          int `yaml:"max_retries"`
	RetryBackoffSeconds int `yaml:"retry_backoff_seconds"`
}

// RiskConfig holds the alert threshold and sentiment weights.
type RiskConfig struct {
	Threshold        float64 `yaml:"risk_threshold"`
	WeightNewRelease float64 `yaml:"weight_new_release"`
	WeightPriceDrop  float64 `yaml:"weight_price_drop"`
	WeightDefault    float64 `yaml:"weight_default"`
}

// HTTPConfig controls the outbound HTTP layer shared by both extractors.
type HTTPConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	RateLimitRPS  float64       `yaml:"rate_limit_rps"`
	RateLimitWait time.Duration `yaml:"rate_limit_wait"`
	FanOut        int           `yaml:"fan_out"`
}

// SourcesConfig lists the upstream feeds and the curated keyword set.
type SourcesConfig struct {
	Subreddits []string `yaml:"subreddits"`
	Keywords   []string `yaml:"keywords"`
	// DanawaHistoryURL is a printf template taking the product code, e.g.
	// "https://example.com/price-history/%s". Empty disables per-listing
	// price history collection.
	DanawaHistoryURL string `yaml:"danawa_history_url"`
}

// LoggingConfig controls zerolog output.
type LoggingConfig struct {
	Level string `yaml:"log_level"`
	File  string `yaml:"log_file"`
}

// TelemetryConfig enables the optional metrics listener in daemon mode.
type TelemetryConfig struct {
	MetricsAddr string `yaml:"metrics_addr"`
}

// Default returns the configuration with every option at its documented
// default. The database password has no default and must be provided.
func Default() Config {
	return Config{
		Database: DatabaseConfig{
			Host:         "localhost",
			Port:         5432,
			Name:         "gpu_etl",
			User:         "postgres",
			PoolSize:     5,
			QueryTimeout: 10 * time.Second,
		},
		Schedule: ScheduleConfig{
			PriceCrawlHour:    9,
			PriceCrawlMinute:  0,
			RedditCrawlHour:   10,
			RedditCrawlMinute: 0,
		},
		Retry: RetryConfig{
			MaxRetries:          3,
			RetryBackoffSeconds: 5,
		},
		Risk: RiskConfig{
			Threshold:        100.0,
			WeightNewRelease: 3.0,
			WeightPriceDrop:  2.0,
			WeightDefault:    1.0,
		},
		HTTP: HTTPConfig{
			Timeout:       30 * time.Second,
			RateLimitRPS:  1.0,
			RateLimitWait: 60 * time.Second,
			FanOut:        4,
		},
		Sources: SourcesConfig{
			Subreddits: []string{"nvidia", "pcmasterrace"},
			Keywords:   []string{"New Release", "Leak", "Issues", "Price Drop", "Used Market"},
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads the YAML file at path (if it exists), applies environment
// overrides, and fills defaults for anything left unset.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PG_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("PG_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Database.Port = n
		}
	}
	if v := os.Getenv("PG_DATABASE"); v != "" {
		cfg.Database.Name = v
	}
	if v := os.Getenv("PG_USER"); v != "" {
		cfg.Database.User = v
	}
	if v := os.Getenv("PG_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("PG_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Database.PoolSize = n
		}
	}
	if v := os.Getenv("GPUPULSE_RISK_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Risk.Threshold = f
		}
	}
	if v := os.Getenv("GPUPULSE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("GPUPULSE_METRICS_ADDR"); v != "" {
		cfg.Telemetry.MetricsAddr = v
	}
}

// Validate rejects configurations that cannot run.
func (c Config) Validate() error {
	if c.Database.PoolSize <= 0 {
		return fmt.Errorf("database pool_size must be positive, got %d", c.Database.PoolSize)
	}
	if c.Database.QueryTimeout <= 0 {
		return fmt.Errorf("database query_timeout must be positive")
	}
	if c.Retry.MaxRetries < 1 {
		return fmt.Errorf("retry max_retries must be at least 1, got %d", c.Retry.MaxRetries)
	}
	if c.Retry.RetryBackoffSeconds < 1 {
		return fmt.Errorf("retry_backoff_seconds must be at least 1, got %d", c.Retry.RetryBackoffSeconds)
	}
	if err := validateClock("price_crawl", c.Schedule.PriceCrawlHour, c.Schedule.PriceCrawlMinute); err != nil {
		return err
	}
	if err := validateClock("reddit_crawl", c.Schedule.RedditCrawlHour, c.Schedule.RedditCrawlMinute); err != nil {
		return err
	}
	if c.HTTP.FanOut <= 0 {
		return fmt.Errorf("http fan_out must be positive, got %d", c.HTTP.FanOut)
	}
	if len(c.Sources.Subreddits) == 0 {
		return fmt.Errorf("at least one subreddit must be configured")
	}
	if len(c.Sources.Keywords) == 0 {
		return fmt.Errorf("at least one keyword must be configured")
	}
	return nil
}

func validateClock(name string, hour, minute int) error {
	if hour < 0 || hour > 23 {
		return fmt.Errorf("%s_hour must be 0-23, got %d", name, hour)
	}
	if minute < 0 || minute > 59 {
		return fmt.Errorf("%s_minute must be 0-59, got %d", name, minute)
	}
	return nil
}
