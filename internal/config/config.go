// Package config loads the attrwatch daemon configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/attrwatch/horosafe"
)

// Config is the top-level daemon configuration.
type Config struct {
	Listen         string          `yaml:"listen"`
	RequestTimeout time.Duration   `yaml:"request_timeout"`
	LogCapacity    int             `yaml:"log_capacity"`
	Debounce       time.Duration   `yaml:"debounce"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
	APIRateLimit   RateLimitConfig `yaml:"api_rate_limit"`
	GenericIDs     []string        `yaml:"generic_ids"`
	Browser        BrowserConfig   `yaml:"browser"`
	Pages          []PageConfig    `yaml:"pages"`
	Sinks          []SinkConfig    `yaml:"sinks"`
}

// RateLimitConfig is a token bucket: change entries per watcher under
// rate_limit, requests per client under api_rate_limit. PerSecond <= 0
// means unlimited.
type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// BrowserConfig controls Chrome.
type BrowserConfig struct {
	Remote           string        `yaml:"remote"`
	Headful          bool          `yaml:"headful"`
	Stealth          *bool         `yaml:"stealth"`
	ResourceBlocking []string      `yaml:"resource_blocking"`
	NavigateTimeout  time.Duration `yaml:"navigate_timeout"`
}

// StealthEnabled reports whether tabs get the stealth patches. Default: on.
func (b BrowserConfig) StealthEnabled() bool {
	return b.Stealth == nil || *b.Stealth
}

// PageConfig defines a document to observe: a live URL or a static file.
type PageConfig struct {
	ID       string          `yaml:"id"`
	URL      string          `yaml:"url"`
	File     string          `yaml:"file"`
	Watchers []WatcherConfig `yaml:"watchers"`
}

// WatcherConfig is a watcher created when its page opens.
type WatcherConfig struct {
	Selector  string `yaml:"selector"`
	Attribute string `yaml:"attribute"`
	Name      string `yaml:"name"`
}

// Sink types.
const (
	SinkStdout  = "stdout"
	SinkWebhook = "webhook"
	SinkArchive = "archive"
)

// SinkConfig defines an output backend.
type SinkConfig struct {
	Type    string `yaml:"type"`    // stdout | webhook | archive
	URL     string `yaml:"url"`     // webhook
	Path    string `yaml:"path"`    // archive
	Retries int    `yaml:"retries"` // webhook
}

// LoadFile reads and validates a YAML configuration file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied and no pages.
func Default() *Config {
	var cfg Config
	cfg.ApplyDefaults()
	return &cfg
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8420"
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 5 * time.Second
	}
	if c.LogCapacity <= 0 {
		c.LogCapacity = 1000
	}
	if c.Debounce <= 0 {
		c.Debounce = 50 * time.Millisecond
	}
	if c.RateLimit.PerSecond > 0 && c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = 1
	}
	if c.APIRateLimit.PerSecond > 0 && c.APIRateLimit.Burst <= 0 {
		c.APIRateLimit.Burst = int(c.APIRateLimit.PerSecond) + 1
	}
	if c.Browser.NavigateTimeout <= 0 {
		c.Browser.NavigateTimeout = 30 * time.Second
	}
	for i := range c.Pages {
		if c.Pages[i].ID == "" {
			c.Pages[i].ID = "page-" + strconv.Itoa(i+1)
		}
	}
	for i := range c.Sinks {
		if c.Sinks[i].Type == SinkWebhook && c.Sinks[i].Retries <= 0 {
			c.Sinks[i].Retries = 3
		}
	}
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	seen := make(map[string]bool, len(c.Pages))
	for i, p := range c.Pages {
		switch {
		case p.URL == "" && p.File == "":
			errs = append(errs, fmt.Errorf("config: pages[%d]: url or file required", i))
		case p.URL != "" && p.File != "":
			errs = append(errs, fmt.Errorf("config: pages[%d]: url and file are exclusive", i))
		}
		if p.URL != "" {
			if err := horosafe.ValidateURL(p.URL); err != nil {
				errs = append(errs, fmt.Errorf("config: pages[%d]: %w", i, err))
			}
		}
		if err := horosafe.ValidateIdentifier(p.ID); err != nil {
			errs = append(errs, fmt.Errorf("config: pages[%d]: id: %w", i, err))
		}
		if seen[p.ID] {
			errs = append(errs, fmt.Errorf("config: pages[%d]: duplicate id %q", i, p.ID))
		}
		seen[p.ID] = true
		for j, w := range p.Watchers {
			if w.Selector == "" || w.Attribute == "" {
				errs = append(errs, fmt.Errorf("config: pages[%d].watchers[%d]: selector and attribute required", i, j))
			}
		}
	}
	for i, s := range c.Sinks {
		switch s.Type {
		case SinkStdout:
		case SinkWebhook:
			if s.URL == "" {
				errs = append(errs, fmt.Errorf("config: sinks[%d]: webhook needs url", i))
			} else if err := horosafe.ValidateURL(s.URL); err != nil {
				errs = append(errs, fmt.Errorf("config: sinks[%d]: %w", i, err))
			}
		case SinkArchive:
			if s.Path == "" {
				errs = append(errs, fmt.Errorf("config: sinks[%d]: archive needs path", i))
			}
		default:
			errs = append(errs, fmt.Errorf("config: sinks[%d]: unknown type %q", i, s.Type))
		}
	}
	return errors.Join(errs...)
}

// Archive returns the first archive sink, if any.
func (c *Config) Archive() (SinkConfig, bool) {
	for _, s := range c.Sinks {
		if s.Type == SinkArchive {
			return s, true
		}
	}
	return SinkConfig{}, false
}
