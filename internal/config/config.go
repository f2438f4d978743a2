// Package config handles configuration loading for the tissuequant tools.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the tool configuration.
type Config struct {
	Data     DataConfig     `yaml:"data"`
	Query    QueryConfig    `yaml:"query"`
	Cache    CacheConfig    `yaml:"cache"`
	Pipeline PipelineConfig `yaml:"pipeline"`
}

// DataConfig contains data layout settings.
type DataConfig struct {
	// AnalysesPath is the root under which each sample has its analysis
	// directory.
	AnalysesPath string `yaml:"analyses_path"`
}

// QueryConfig contains query and storage-access settings.
type QueryConfig struct {
	ResponseLimit          int `yaml:"response_limit"`
	RetryAttempts          int `yaml:"retry_attempts"`
	RetryMinDelayMS        int `yaml:"retry_min_delay_ms"`
	RetryMaxDelayMS        int `yaml:"retry_max_delay_ms"`
	StaleBuildMarkerMinute int `yaml:"stale_build_marker_minutes"`
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	ResultSizeMB     int `yaml:"result_size_mb"`
	ResultTTLMinutes int `yaml:"result_ttl_minutes"`
	StoreHandles     int `yaml:"store_handles"`
}

// PipelineConfig contains external batch-job settings.
type PipelineConfig struct {
	NProcesses  int    `yaml:"nprocesses"`
	TmpDir      string `yaml:"tmpdir"`
	ComposeFile string `yaml:"compose_file"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)

	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Data: DataConfig{
			AnalysesPath: "./data/analyses",
		},
		Query: QueryConfig{
			ResponseLimit:          2000,
			RetryAttempts:          5,
			RetryMinDelayMS:        10,
			RetryMaxDelayMS:        100,
			StaleBuildMarkerMinute: 60,
		},
		Cache: CacheConfig{
			ResultSizeMB:     256,
			ResultTTLMinutes: 10,
			StoreHandles:     32,
		},
		Pipeline: PipelineConfig{
			NProcesses: 4,
		},
	}
}

// ResultTTL returns the result cache lifetime.
func (c *Config) ResultTTL() time.Duration {
	return time.Duration(c.Cache.ResultTTLMinutes) * time.Minute
}

// StaleBuildMarkerAge returns how old an abandoned build marker may get
// before it is cleared.
func (c *Config) StaleBuildMarkerAge() time.Duration {
	return time.Duration(c.Query.StaleBuildMarkerMinute) * time.Minute
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Data.AnalysesPath == "" {
		cfg.Data.AnalysesPath = defaults.Data.AnalysesPath
	}
	if cfg.Query.ResponseLimit == 0 {
		cfg.Query.ResponseLimit = defaults.Query.ResponseLimit
	}
	if cfg.Query.RetryAttempts == 0 {
		cfg.Query.RetryAttempts = defaults.Query.RetryAttempts
	}
	if cfg.Query.RetryMinDelayMS == 0 {
		cfg.Query.RetryMinDelayMS = defaults.Query.RetryMinDelayMS
	}
	if cfg.Query.RetryMaxDelayMS == 0 {
		cfg.Query.RetryMaxDelayMS = defaults.Query.RetryMaxDelayMS
	}
	if cfg.Query.StaleBuildMarkerMinute == 0 {
		cfg.Query.StaleBuildMarkerMinute = defaults.Query.StaleBuildMarkerMinute
	}
	if cfg.Cache.ResultSizeMB == 0 {
		cfg.Cache.ResultSizeMB = defaults.Cache.ResultSizeMB
	}
	if cfg.Cache.ResultTTLMinutes == 0 {
		cfg.Cache.ResultTTLMinutes = defaults.Cache.ResultTTLMinutes
	}
	if cfg.Cache.StoreHandles == 0 {
		cfg.Cache.StoreHandles = defaults.Cache.StoreHandles
	}
	if cfg.Pipeline.NProcesses == 0 {
		cfg.Pipeline.NProcesses = defaults.Pipeline.NProcesses
	}
}

// RetrySettings derives the storage busy-retry tuning.
func (c *Config) RetrySettings() (attempts int, minDelay, maxDelay time.Duration) {
	return c.Query.RetryAttempts,
		time.Duration(c.Query.RetryMinDelayMS) * time.Millisecond,
		time.Duration(c.Query.RetryMaxDelayMS) * time.Millisecond
}
