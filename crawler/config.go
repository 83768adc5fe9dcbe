package crawler

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/dipcrawl/crawler/internal/classify"
	"github.com/hazyhaar/dipcrawl/crawler/internal/extract"
	"github.com/hazyhaar/dipcrawl/crawler/internal/fetch"
	"github.com/hazyhaar/dipcrawl/crawler/internal/jobs"
	"github.com/hazyhaar/dipcrawl/crawler/internal/pipeline"
	"github.com/hazyhaar/dipcrawl/crawler/internal/profile"
	"github.com/hazyhaar/dipcrawl/crawler/internal/render"
	"github.com/hazyhaar/dipcrawl/crawler/internal/robots"
	"github.com/hazyhaar/dipcrawl/shield"
)

// Config holds all dipcrawl configuration.
type Config struct {
	DBPath   string `yaml:"db_path"`
	Addr     string `yaml:"addr"`
	LogLevel string `yaml:"log_level"`

	Fetch     fetch.Config            `yaml:"fetch"`
	Classify  classify.Config         `yaml:"classify"`
	Render    RenderConfig            `yaml:"render"`
	Pipeline  pipeline.Config         `yaml:"pipeline"`
	Profile   profile.Policy          `yaml:"profile"`
	Robots    RobotsConfig            `yaml:"robots"`
	Extractor ExtractorConfig         `yaml:"extractor"`
	Prefilter extract.PrefilterConfig `yaml:"prefilter"`
	Jobs      jobs.Config             `yaml:"jobs"`
	Evidence  EvidenceConfig          `yaml:"evidence"`
	Metrics   MetricsConfig           `yaml:"metrics"`
	Retention RetentionConfig         `yaml:"retention"`
	API       shield.Config           `yaml:"api"`

	// Schemas are named extraction schemas usable as schema_id.
	Schemas map[string]map[string]any `yaml:"schemas"`
}

// RenderConfig controls the browser tier.
type RenderConfig struct {
	Enabled bool `yaml:"enabled"`
	// Warmup browsers are started by Start. Default: 0 (lazy).
	Warmup        int `yaml:"warmup"`
	render.Config `yaml:",inline"`
	Pool          render.PoolConfig   `yaml:"pool"`
	Launch        render.LaunchConfig `yaml:"launch"`
}

// RobotsConfig controls robots.txt compliance.
type RobotsConfig struct {
	Mode string `yaml:"mode"` // strict (default) or off
	// OverrideAck must be true for mode off.
	OverrideAck bool   `yaml:"override_ack"`
	UserAgent   string `yaml:"user_agent"`
}

// ExtractorConfig routes the extractor service. With no endpoint the
// extractor must be registered in-process on the router.
type ExtractorConfig struct {
	Endpoint string        `yaml:"endpoint"`
	APIKey   string        `yaml:"api_key"`
	Timeout  time.Duration `yaml:"timeout"`
	// MaxRetries applies to transient transport errors. Default: 2.
	MaxRetries int `yaml:"max_retries"`
	// BreakerThreshold consecutive failures open the circuit. Default: 5.
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerReset     time.Duration `yaml:"breaker_reset"`
	// AllowPrivate lets the endpoint resolve to a private address.
	AllowPrivate bool `yaml:"allow_private"`
}

// EvidenceConfig tunes the evidence recorder.
type EvidenceConfig struct {
	SnippetMax int `yaml:"snippet_max"`
}

// MetricsConfig tunes the metrics recorder.
type MetricsConfig struct {
	Disabled      bool          `yaml:"disabled"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BatchSize     int           `yaml:"batch_size"`
	MaxBuffer     int           `yaml:"max_buffer"`
}

// RetentionConfig controls the periodic sweeper.
type RetentionConfig struct {
	// ProfileInactive purges profiles unseen for that long. Default: 90 days.
	ProfileInactive time.Duration `yaml:"profile_inactive"`
	// Metrics drops datapoints older than that. Default: 7 days.
	Metrics time.Duration `yaml:"metrics"`
	// Interval between sweeps. Default: 24h.
	Interval time.Duration `yaml:"interval"`
	// IdleDomains drops politeness state of domains idle that long. Default: 1h.
	IdleDomains time.Duration `yaml:"idle_domains"`
}

func (c *Config) defaults() {
	if c.DBPath == "" {
		c.DBPath = "dipcrawl.db"
	}
	if c.Addr == "" {
		c.Addr = ":8090"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Robots.Mode == "" {
		c.Robots.Mode = string(robots.ModeStrict)
	}
	if c.Robots.UserAgent == "" {
		c.Robots.UserAgent = "dipcrawl"
	}
	if c.Extractor.Timeout <= 0 {
		c.Extractor.Timeout = 60 * time.Second
	}
	if c.Extractor.MaxRetries == 0 {
		c.Extractor.MaxRetries = 2
	}
	if c.Extractor.BreakerThreshold <= 0 {
		c.Extractor.BreakerThreshold = 5
	}
	if c.Extractor.BreakerReset <= 0 {
		c.Extractor.BreakerReset = 30 * time.Second
	}
	if c.Retention.ProfileInactive <= 0 {
		c.Retention.ProfileInactive = 90 * 24 * time.Hour
	}
	if c.Retention.Metrics <= 0 {
		c.Retention.Metrics = 7 * 24 * time.Hour
	}
	if c.Retention.Interval <= 0 {
		c.Retention.Interval = 24 * time.Hour
	}
	if c.Retention.IdleDomains <= 0 {
		c.Retention.IdleDomains = time.Hour
	}
}

// LoadConfigFile reads a YAML config file.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("crawler: config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides the configuration from DIPCRAWL_* variables.
func (c *Config) ApplyEnv() error { return c.applyEnv(os.LookupEnv) }

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str("DIPCRAWL_DB", &c.DBPath)
	str("DIPCRAWL_ADDR", &c.Addr)
	str("DIPCRAWL_LOG_LEVEL", &c.LogLevel)
	str("DIPCRAWL_EXTRACTOR_ENDPOINT", &c.Extractor.Endpoint)
	str("DIPCRAWL_EXTRACTOR_API_KEY", &c.Extractor.APIKey)
	duration("DIPCRAWL_RENDER_TIMEOUT", &c.Render.Budget)
	boolean("DIPCRAWL_RENDER_ENABLED", &c.Render.Enabled)
	integer("DIPCRAWL_DOMAIN_CONCURRENCY", &c.Pipeline.DomainConcurrency)
	str("DIPCRAWL_ROBOTS_MODE", &c.Robots.Mode)
	boolean("DIPCRAWL_ROBOTS_OVERRIDE_ACK", &c.Robots.OverrideAck)
	duration("DIPCRAWL_REPROBE_TTL", &c.Pipeline.ReprobeTTL)
	integer("DIPCRAWL_WORKERS", &c.Jobs.Workers)
	return errors.Join(errs...)
}

// Validate applies the defaults and rejects unsafe or inconsistent settings.
func (c *Config) Validate() error {
	c.defaults()
	mode, err := robots.ParseMode(c.Robots.Mode)
	if err != nil {
		return err
	}
	if mode == robots.ModeOff && !c.Robots.OverrideAck {
		return errors.New("crawler: robots mode off requires robots.override_ack: true")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("crawler: unknown log_level %q", c.LogLevel)
	}
	if c.Pipeline.DomainConcurrency < 0 || c.Jobs.Workers < 0 || c.Jobs.MaxURLs < 0 ||
		c.Jobs.DefaultMaxPages < 0 || c.Jobs.MaxCrawlDepth < 0 {
		return errors.New("crawler: negative limits")
	}
	if c.API.RatePerSecond < 0 || c.API.MaxBody < 0 {
		return errors.New("crawler: negative api limits")
	}
	if c.Render.Budget < 0 || c.Pipeline.ReprobeTTL < 0 {
		return errors.New("crawler: negative durations")
	}
	if _, err := c.schemas(); err != nil {
		return err
	}
	return nil
}

// schemas parses the named schemas.
func (c *Config) schemas() (map[string]*extract.Schema, error) {
	out := make(map[string]*extract.Schema, len(c.Schemas))
	for name, raw := range c.Schemas {
		b, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("crawler: schema %q: %w", name, err)
		}
		s, err := extract.ParseSchema(b)
		if err != nil {
			return nil, fmt.Errorf("crawler: schema %q: %w", name, err)
		}
		out[name] = s
	}
	return out, nil
}
