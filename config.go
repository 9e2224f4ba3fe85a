package pagecache

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for the runtime-settable knobs.
const (
	DefaultMaxPages        = 65536
	DefaultDirtyThreshold  = 8192
	DefaultReadaheadWindow = 8
	DefaultClockWindow     = 1000
	DefaultWakeupInterval  = 100 * time.Millisecond
)

// Config carries the cache's runtime-settable knobs. The zero value of
// any field means "use the default"; unknown eviction policy names fall
// back to "lru".
type Config struct {
	// MaxPages bounds the number of resident page frames.
	MaxPages int `yaml:"max_pages"`
	// EvictionPolicy is "lru" or "clock".
	EvictionPolicy string `yaml:"eviction_policy"`
	// DirtyThreshold is the dirty-page count that triggers an immediate
	// writeback pass instead of waiting for the next periodic wakeup.
	DirtyThreshold int `yaml:"dirty_threshold"`
	// ReadaheadWindow is the number of pages prefetched once a
	// sequential access pattern is detected.
	ReadaheadWindow int `yaml:"readahead_window"`
	// ClockWindow is the tick distance within which CLOCK treats a page
	// as referenced and grants it a second chance.
	ClockWindow int64 `yaml:"clock_window"`
	// WakeupInterval bounds how long the writeback worker sleeps between
	// scans.
	WakeupInterval time.Duration `yaml:"wakeup_interval"`
	// FlushConcurrency bounds how many frames one writeback pass flushes
	// concurrently.
	FlushConcurrency int `yaml:"flush_concurrency"`
}

// DefaultConfig returns a Config populated with the defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxPages:         DefaultMaxPages,
		EvictionPolicy:   "lru",
		DirtyThreshold:   DefaultDirtyThreshold,
		ReadaheadWindow:  DefaultReadaheadWindow,
		ClockWindow:      DefaultClockWindow,
		WakeupInterval:   DefaultWakeupInterval,
		FlushConcurrency: 4,
	}
}

// normalize fills zero-valued fields with defaults and falls back to LRU
// for an unrecognized policy name.
func (c *Config) normalize() {
	if c.MaxPages <= 0 {
		c.MaxPages = DefaultMaxPages
	}
	if c.EvictionPolicy != "lru" && c.EvictionPolicy != "clock" {
		c.EvictionPolicy = "lru"
	}
	if c.DirtyThreshold <= 0 {
		c.DirtyThreshold = DefaultDirtyThreshold
	}
	if c.ReadaheadWindow <= 0 {
		c.ReadaheadWindow = DefaultReadaheadWindow
	}
	if c.ClockWindow <= 0 {
		c.ClockWindow = DefaultClockWindow
	}
	if c.WakeupInterval <= 0 {
		c.WakeupInterval = DefaultWakeupInterval
	}
	if c.FlushConcurrency <= 0 {
		c.FlushConcurrency = 4
	}
}

// LoadConfigFile reads a YAML config file. Fields absent from the file
// keep their defaults.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.normalize()
	return cfg, nil
}

// SaveConfigFile writes the config as YAML.
func (c *Config) SaveConfigFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
