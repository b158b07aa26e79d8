// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/lockstep-crawler/internal/crawler"
)

// DefaultSeeds is the seed fleet used when none is configured.
var DefaultSeeds = []string{
	"https://example.com",
	"https://phet-dev.colorado.edu/html/build-an-atom/0.0.0-3/simple-text-only-test-page.html",
	"https://www.york.ac.uk/teaching/cws/wws/webpage1.html",
}

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Crawler     CrawlerConfig     `mapstructure:"crawler"`
	Fetch       FetchConfig       `mapstructure:"fetch"`
	Aggregation AggregationConfig `mapstructure:"aggregation"`
	Server      ServerConfig      `mapstructure:"server"`
	PubSub      PubSubConfig      `mapstructure:"pubsub"`
	Progress    ProgressConfig    `mapstructure:"progress"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// CrawlerConfig sizes the fleet and the crawl.
type CrawlerConfig struct {
	Seeds             []string `mapstructure:"seeds"`
	Workers           int      `mapstructure:"workers"`
	MaxPages          int      `mapstructure:"max_pages"`
	MaxLinksPerWorker int      `mapstructure:"max_links_per_worker"`
	UserAgent         string   `mapstructure:"user_agent"`
}

// FetchConfig bounds a single page fetch.
type FetchConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxBodyBytes int           `mapstructure:"max_body_bytes"`
}

// AggregationConfig controls the per-round barrier.
type AggregationConfig struct {
	// BarrierTimeout of zero waits indefinitely.
	BarrierTimeout time.Duration `mapstructure:"barrier_timeout"`
}

// ServerConfig controls the status HTTP server.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// PubSubConfig holds metadata for round notifications. Publishing is enabled
// when both fields are set.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ProgressConfig tunes the progress hub.
type ProgressConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

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
	seeds, err := normalizeSeeds(cfg.Crawler.Seeds)
	if err != nil {
		return Config{}, err
	}
	cfg.Crawler.Seeds = seeds

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("crawler.seeds", DefaultSeeds)
	v.SetDefault("crawler.workers", 3)
	v.SetDefault("crawler.max_pages", 4)
	v.SetDefault("crawler.max_links_per_worker", 2)
	v.SetDefault("crawler.user_agent", "lockstep-crawler/0.1")
	v.SetDefault("fetch.timeout", 15*time.Second)
	v.SetDefault("fetch.max_body_bytes", 1<<20)
	v.SetDefault("aggregation.barrier_timeout", 0)
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.port", 8080)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch_events", 100)
	v.SetDefault("progress.max_batch_wait", 500*time.Millisecond)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Crawler.Workers <= 0 {
		return errors.New("crawler.workers must be > 0")
	}
	if c.Crawler.MaxPages <= 0 {
		return errors.New("crawler.max_pages must be > 0")
	}
	if c.Crawler.MaxLinksPerWorker < 0 {
		return errors.New("crawler.max_links_per_worker must be >= 0")
	}
	if c.Fetch.Timeout <= 0 {
		return errors.New("fetch.timeout must be > 0")
	}
	if c.Fetch.MaxBodyBytes <= 0 {
		return errors.New("fetch.max_body_bytes must be > 0")
	}
	if c.Aggregation.BarrierTimeout < 0 {
		return errors.New("aggregation.barrier_timeout must be >= 0")
	}
	// A barrier wait includes the slowest peer's fetch.
	if c.Aggregation.BarrierTimeout != 0 && c.Aggregation.BarrierTimeout <= c.Fetch.Timeout {
		return fmt.Errorf("aggregation.barrier_timeout (%s) must exceed fetch.timeout (%s)",
			c.Aggregation.BarrierTimeout, c.Fetch.Timeout)
	}
	if c.Server.Enabled && c.Server.Port <= 0 {
		return errors.New("server.port must be > 0 when the server is enabled")
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		return errors.New("pubsub.project_id and pubsub.topic_name must be set together")
	}
	return nil
}

// PublishEnabled reports whether round notifications go to Pub/Sub.
func (c Config) PublishEnabled() bool {
	return c.PubSub.ProjectID != "" && c.PubSub.TopicName != ""
}

func normalizeSeeds(seeds []string) ([]string, error) {
	out := make([]string, 0, len(seeds))
	for i, raw := range seeds {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			return nil, fmt.Errorf("crawler.seeds[%d] is empty", i)
		}
		normalized, err := crawler.NormalizeURL(raw)
		if err != nil {
			return nil, fmt.Errorf("crawler.seeds[%d]: %w", i, err)
		}
		out = append(out, normalized)
	}
	return out, nil
}
