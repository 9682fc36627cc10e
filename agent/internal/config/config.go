// Package config handles agent configuration loading and validation.
//
// # Configuration Sources
//
// Configuration is loaded from (in order of precedence):
// 1. Command-line flags
// 2. Environment variables (DM_*)
// 3. Config file (YAML)
// 4. Defaults
//
// # Example Config File
//
//	tenant_id: acme
//	endpoints:
//	  - url: https://ingest.devopsmate.io/api/v1/ingest
//	    api_key: dm_xxx
//	  - url: https://ingest-fallback.devopsmate.io/api/v1/ingest
//	    api_key: dm_xxx
//
//	buffer_size: 10000
//	flush_interval: 10s
//	batch_size: 1000
//
//	max_spill_size_mb: 100
//	max_disk_ratio: 0.95
//
//	collect_logs: true
//	log_paths:
//	  - /var/log/*.log
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML as either a Go
// duration string ("30s") or a bare number of seconds.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		if parsed, perr := time.ParseDuration(s); perr == nil {
			*d = Duration(parsed)
			return nil
		}
	}
	var secs float64
	if err := value.Decode(&secs); err == nil {
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	return fmt.Errorf("invalid duration %q", value.Value)
}

// MarshalYAML renders the duration in Go notation.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// EndpointConfig describes one shipping target. Index 0 in
// Config.Endpoints is the primary; the rest are failover.
type EndpointConfig struct {
	URL     string   `yaml:"url"`
	APIKey  string   `yaml:"api_key"`
	Timeout Duration `yaml:"timeout,omitempty"`
	Enabled *bool    `yaml:"enabled,omitempty"` // nil means enabled
}

// IsEnabled reports whether the endpoint participates in failover.
func (e EndpointConfig) IsEnabled() bool {
	return e.Enabled == nil || *e.Enabled
}

// Config is the complete agent configuration.
type Config struct {
	// Connection
	Endpoints   []EndpointConfig `yaml:"endpoints"`
	TenantID    string           `yaml:"tenant_id"`
	TopologyURL string           `yaml:"topology_url,omitempty"` // defaulted from primary endpoint

	// Buffering
	BufferSize          int     `yaml:"buffer_size"`
	MaxSpillSizeMB      int     `yaml:"max_spill_size_mb"`
	MaxDiskRatio        float64 `yaml:"max_disk_ratio"`
	FlushToDiskMemRatio float64 `yaml:"flush_to_disk_mem_ratio"`
	SpillDir            string  `yaml:"spill_dir,omitempty"`

	// Forwarding
	FlushInterval     Duration `yaml:"flush_interval"`
	BatchSize         int      `yaml:"batch_size"`
	MaxRetries        int      `yaml:"max_retries"`
	InitialRetryDelay Duration `yaml:"initial_retry_delay"`
	MaxRetryDelay     Duration `yaml:"max_retry_delay"`
	JitterFactor      float64  `yaml:"jitter_factor"`
	ShutdownTimeout   Duration `yaml:"shutdown_timeout"`

	// Circuit breaker
	CircuitBreakerThreshold int      `yaml:"circuit_breaker_threshold"`
	CircuitBreakerTimeout   Duration `yaml:"circuit_breaker_timeout"`

	// Collection toggles
	CollectHostMetrics bool `yaml:"collect_host_metrics"`
	CollectNetwork     bool `yaml:"collect_network"`
	CollectLogs        bool `yaml:"collect_logs"`

	// Collection cadence
	HostMetricsInterval    Duration `yaml:"host_metrics_interval"`
	NetworkMetricsInterval Duration `yaml:"network_metrics_interval"`
	LogCollectionInterval  Duration `yaml:"log_collection_interval"`
	DiscoveryInterval      Duration `yaml:"discovery_interval"`

	// Log collection
	LogPaths       []string `yaml:"log_paths,omitempty"`
	LogLinesPerSec float64  `yaml:"log_lines_per_sec"`

	// Container discovery
	DockerSocket string `yaml:"docker_socket"`

	// Tags added to all payloads
	GlobalTags map[string]string `yaml:"global_tags,omitempty"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BufferSize:          10000,
		MaxSpillSizeMB:      100,
		MaxDiskRatio:        0.95,
		FlushToDiskMemRatio: 0.5,

		FlushInterval:     Duration(10 * time.Second),
		BatchSize:         1000,
		MaxRetries:        3,
		InitialRetryDelay: Duration(1 * time.Second),
		MaxRetryDelay:     Duration(60 * time.Second),
		JitterFactor:      0.1,
		ShutdownTimeout:   Duration(30 * time.Second),

		CircuitBreakerThreshold: 5,
		CircuitBreakerTimeout:   Duration(5 * time.Minute),

		CollectHostMetrics: true,
		CollectNetwork:     true,
		CollectLogs:        true,

		HostMetricsInterval:    Duration(15 * time.Second),
		NetworkMetricsInterval: Duration(30 * time.Second),
		LogCollectionInterval:  Duration(5 * time.Second),
		DiscoveryInterval:      Duration(60 * time.Second),

		LogPaths:       []string{"/var/log/*.log"},
		LogLinesPerSec: 500,

		DockerSocket: "/var/run/docker.sock",

		GlobalTags: make(map[string]string),
	}
}

// LoadFromFile loads configuration from a YAML file on top of defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if len(c.Endpoints) == 0 {
		return fmt.Errorf("at least one endpoint is required")
	}
	for i, ep := range c.Endpoints {
		if ep.URL == "" {
			return fmt.Errorf("endpoints[%d].url is required", i)
		}
	}
	if c.BufferSize <= 0 {
		return fmt.Errorf("buffer_size must be positive")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	if c.MaxDiskRatio <= 0 || c.MaxDiskRatio > 1 {
		return fmt.Errorf("max_disk_ratio must be in (0, 1]")
	}
	if c.FlushToDiskMemRatio <= 0 || c.FlushToDiskMemRatio > 1 {
		return fmt.Errorf("flush_to_disk_mem_ratio must be in (0, 1]")
	}
	return nil
}

// PrimaryURL returns the primary endpoint URL, or "" if none configured.
func (c *Config) PrimaryURL() string {
	if len(c.Endpoints) == 0 {
		return ""
	}
	return c.Endpoints[0].URL
}

// EffectiveSpillDir resolves the spill directory: the configured path, or
// {install_dir}/buffer where install_dir is DM_AGENT_DIR or the working
// directory.
func (c *Config) EffectiveSpillDir() string {
	if c.SpillDir != "" {
		return c.SpillDir
	}
	base := os.Getenv("DM_AGENT_DIR")
	if base == "" {
		base, _ = os.Getwd()
	}
	return filepath.Join(base, "buffer")
}

// ApplyEnvOverrides applies environment variable overrides.
// Environment variables use the DM_ prefix:
//   - DM_ENDPOINT, DM_API_KEY, DM_TENANT_ID
//   - DM_BUFFER_SIZE, DM_FLUSH_INTERVAL, DM_BATCH_SIZE
//   - DM_DISCOVERY_INTERVAL
//   - DM_GLOBAL_TAGS (JSON object, e.g. '{"env":"prod"}')
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("DM_ENDPOINT"); v != "" {
		if len(c.Endpoints) == 0 {
			c.Endpoints = append(c.Endpoints, EndpointConfig{URL: v})
		} else {
			c.Endpoints[0].URL = v
		}
	}
	if v := os.Getenv("DM_API_KEY"); v != "" && len(c.Endpoints) > 0 {
		c.Endpoints[0].APIKey = v
	}
	if v := os.Getenv("DM_TENANT_ID"); v != "" {
		c.TenantID = v
	}
	if v := os.Getenv("DM_BUFFER_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.BufferSize = n
		}
	}
	if v := os.Getenv("DM_FLUSH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.FlushInterval = Duration(d)
		}
	}
	if v := os.Getenv("DM_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.BatchSize = n
		}
	}
	if v := os.Getenv("DM_DISCOVERY_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.DiscoveryInterval = Duration(d)
		}
	}
	if v := os.Getenv("DM_GLOBAL_TAGS"); v != "" {
		var tags map[string]string
		if err := json.Unmarshal([]byte(v), &tags); err == nil {
			if c.GlobalTags == nil {
				c.GlobalTags = make(map[string]string)
			}
			for k, val := range tags {
				c.GlobalTags[k] = val
			}
		}
	}
}
