// Package config provides configuration loading and validation for georoute.
// Supports YAML files with environment variable overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable Load consults for a config file.
const EnvConfigPath = "GEOROUTE_CONFIG"

// Config holds all configuration for a georoute client.
type Config struct {
	Account       AccountConfig       `yaml:"account"`
	Routing       RoutingConfig       `yaml:"routing"`
	Retry         RetryConfig         `yaml:"retry"`
	Partition     PartitionConfig     `yaml:"partition"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type AccountConfig struct {
	// Endpoint is the global account endpoint topology is fetched from.
	Endpoint string `yaml:"endpoint" env:"GEOROUTE_ACCOUNT_ENDPOINT"`
	// PreferredRegions is the default region preference, highest first.
	PreferredRegions []string `yaml:"preferredRegions" env:"GEOROUTE_PREFERRED_REGIONS" envSeparator:","`
}

type RoutingConfig struct {
	UnavailableWindow        time.Duration `yaml:"unavailableWindow" env:"GEOROUTE_UNAVAILABLE_WINDOW"`
	RefreshInterval          time.Duration `yaml:"refreshInterval" env:"GEOROUTE_REFRESH_INTERVAL"`
	ForcedRefreshMinInterval time.Duration `yaml:"forcedRefreshMinInterval" env:"GEOROUTE_FORCED_REFRESH_MIN_INTERVAL"`
	RefreshOnPrimaryFailure  bool          `yaml:"refreshOnPrimaryFailure" env:"GEOROUTE_REFRESH_ON_PRIMARY_FAILURE"`
	FetchTimeout             time.Duration `yaml:"fetchTimeout" env:"GEOROUTE_FETCH_TIMEOUT"`
}

type RetryConfig struct {
	MaxAttempts          int           `yaml:"maxAttempts" env:"GEOROUTE_RETRY_MAX_ATTEMPTS"`
	PerEndpointAttempts  int           `yaml:"perEndpointAttempts" env:"GEOROUTE_RETRY_PER_ENDPOINT_ATTEMPTS"`
	InitialBackoff       time.Duration `yaml:"initialBackoff" env:"GEOROUTE_RETRY_INITIAL_BACKOFF"`
	MaxBackoff           time.Duration `yaml:"maxBackoff" env:"GEOROUTE_RETRY_MAX_BACKOFF"`
	BackoffMultiplier    float64       `yaml:"backoffMultiplier" env:"GEOROUTE_RETRY_BACKOFF_MULTIPLIER"`
	Jitter               float64       `yaml:"jitter" env:"GEOROUTE_RETRY_JITTER"`
	DefaultThrottleDelay time.Duration `yaml:"defaultThrottleDelay" env:"GEOROUTE_RETRY_DEFAULT_THROTTLE_DELAY"`
	MaxThrottleWait      time.Duration `yaml:"maxThrottleWait" env:"GEOROUTE_RETRY_MAX_THROTTLE_WAIT"`
	OperationTimeout     time.Duration `yaml:"operationTimeout" env:"GEOROUTE_OPERATION_TIMEOUT"`
}

type PartitionConfig struct {
	CacheSize int `yaml:"cacheSize" env:"GEOROUTE_PARTITION_CACHE_SIZE"`
}

type ObservabilityConfig struct {
	MetricsAddr string `yaml:"metricsAddr" env:"GEOROUTE_METRICS_ADDR"`
	LogLevel    string `yaml:"logLevel" env:"GEOROUTE_LOG_LEVEL"`
	LogFormat   string `yaml:"logFormat" env:"GEOROUTE_LOG_FORMAT"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Routing: RoutingConfig{
			UnavailableWindow:        5 * time.Minute,
			RefreshInterval:          5 * time.Minute,
			ForcedRefreshMinInterval: 10 * time.Second,
			RefreshOnPrimaryFailure:  true,
			FetchTimeout:             10 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts:         9,
			PerEndpointAttempts: 2,
			InitialBackoff:      50 * time.Millisecond,
			MaxBackoff:          5 * time.Second,
			BackoffMultiplier:   2,
			Jitter:              0.2,
			MaxThrottleWait:     30 * time.Second,
			OperationTimeout:    60 * time.Second,
		},
		Partition: PartitionConfig{
			CacheSize: 1024,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: ":9090",
			LogLevel:    "info",
			LogFormat:   "json",
		},
	}
}

// Load reads the file named by GEOROUTE_CONFIG when set, otherwise starts
// from defaults; environment overrides are applied either way.
func Load() (*Config, error) {
	if path := os.Getenv(EnvConfigPath); path != "" {
		return LoadFromPath(path)
	}
	cfg := Default()
	if err := cfg.applyEnv(nil); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromPath reads a YAML file on top of the defaults and applies
// environment overrides.
func LoadFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(nil); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML on top of Default. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for values the client cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Account.Endpoint != "" {
		u, err := url.Parse(c.Account.Endpoint)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("account.endpoint %q is not an absolute URL", c.Account.Endpoint))
		}
	}
	if c.Routing.UnavailableWindow <= 0 {
		errs = append(errs, errors.New("routing.unavailableWindow must be positive"))
	}
	if c.Routing.RefreshInterval <= 0 {
		errs = append(errs, errors.New("routing.refreshInterval must be positive"))
	}
	if c.Routing.ForcedRefreshMinInterval < 0 {
		errs = append(errs, errors.New("routing.forcedRefreshMinInterval must not be negative"))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("retry.maxAttempts must be at least 1"))
	}
	if c.Retry.PerEndpointAttempts < 1 {
		errs = append(errs, errors.New("retry.perEndpointAttempts must be at least 1"))
	}
	if c.Retry.InitialBackoff <= 0 || c.Retry.MaxBackoff < c.Retry.InitialBackoff {
		errs = append(errs, errors.New("retry backoff requires 0 < initialBackoff <= maxBackoff"))
	}
	if c.Retry.BackoffMultiplier < 1 {
		errs = append(errs, errors.New("retry.backoffMultiplier must be >= 1"))
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter >= 1 {
		errs = append(errs, errors.New("retry.jitter must be in [0, 1)"))
	}
	if c.Partition.CacheSize < 1 {
		errs = append(errs, errors.New("partition.cacheSize must be at least 1"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: invalid: %w", errors.Join(errs...))
	}
	return nil
}

// applyEnv overrides every field whose env tag is set in environ. A nil
// environ reads the process environment.
func (c *Config) applyEnv(environ map[string]string) error {
	opts := env.Options{Environment: environ}
	if err := env.ParseWithOptions(c, opts); err != nil {
		return fmt.Errorf("config: env: %w", err)
	}
	regions := c.Account.PreferredRegions[:0]
	for _, r := range c.Account.PreferredRegions {
		if r = strings.TrimSpace(r); r != "" {
			regions = append(regions, r)
		}
	}
	c.Account.PreferredRegions = regions
	return nil
}
