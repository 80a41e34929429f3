package config

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Retention holds per-tier snapshot capacities. A zero capacity disables
// the tier.
type Retention struct {
	Hourly    int `yaml:"hourly"`
	Daily     int `yaml:"daily"`
	Weekly    int `yaml:"weekly"`
	Monthly   int `yaml:"monthly"`
	Quarterly int `yaml:"quarterly"`
	Yearly    int `yaml:"yearly"`
}

// Schedules holds cron expressions for the daemon. An empty expression
// disables that job.
type Schedules struct {
	Backup    string `yaml:"backup"`
	Trim      string `yaml:"trim"`
	Replicate string `yaml:"replicate"`
}

// Region is a per-region override block. Zero values (nil for pointers)
// fall through to the global defaults.
type Region struct {
	TagKey                  string     `yaml:"tag_key"`
	TagValue                string     `yaml:"tag_value"`
	MinutesForSnap          int        `yaml:"minutes_for_snap"`
	MinutesForDetach        int        `yaml:"minutes_for_detach"`
	ReplicationSpeed        float64    `yaml:"replication_speed"`
	ReplicationGraceMinutes int        `yaml:"replication_grace_minutes"`
	NativeOnly              *bool      `yaml:"native_only"`
	Concurrency             int        `yaml:"concurrency"`
	Retention               *Retention `yaml:"retention"`
	ReplicateTo             string     `yaml:"replicate_to"`
	KMSKeyID                string     `yaml:"kms_key_id"`
}

// Config is the full configuration file: process-wide defaults plus
// per-region override blocks. It is immutable after Load.
type Config struct {
	TagKey                  string            `yaml:"tag_key"`
	TagValue                string            `yaml:"tag_value"`
	MinutesForSnap          int               `yaml:"minutes_for_snap"`
	MinutesForDetach        int               `yaml:"minutes_for_detach"`
	ReplicationSpeed        float64           `yaml:"replication_speed"`
	ReplicationGraceMinutes int               `yaml:"replication_grace_minutes"`
	NativeOnly              *bool             `yaml:"native_only"`
	Concurrency             int               `yaml:"concurrency"`
	Retention               Retention         `yaml:"retention"`
	ReplicateTo             string            `yaml:"replicate_to"`
	Schedules               Schedules         `yaml:"schedules"`
	Regions                 map[string]Region `yaml:"regions"`
}

// Settings is the resolved view of the configuration for one region:
// region override first, then global default.
type Settings struct {
	Region           string
	TagKey           string
	TagValue         string
	SnapWait         time.Duration
	DetachWait       time.Duration
	ReplicationSpeed float64 // GiB/s
	Grace            time.Duration
	NativeOnly       bool
	Concurrency      int
	Retention        Retention
	ReplicateTo      string
	KMSKeyID         string
}

// Default returns the built-in configuration, used when no config file is
// present.
func Default() *Config {
	nativeOnly := true
	return &Config{
		TagKey:                  "Earmarking",
		TagValue:                "production",
		MinutesForSnap:          60,
		MinutesForDetach:        5,
		ReplicationSpeed:        0.02,
		ReplicationGraceMinutes: 10,
		NativeOnly:              &nativeOnly,
		Concurrency:             4,
		Retention:               Retention{Hourly: 24, Daily: 7, Weekly: 4, Monthly: 12, Quarterly: 4, Yearly: 2},
	}
}

// Load reads and parses the config file, expanding environment variable
// references, and overlays it on the built-in defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.TagKey == "" || c.TagValue == "" {
		return fmt.Errorf("config: tag_key and tag_value must not be empty")
	}
	if c.ReplicationSpeed <= 0 {
		// Zero would disable stall detection and leave replication waits
		// unbounded.
		return fmt.Errorf("config: replication_speed must be positive")
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("config: concurrency must be at least 1")
	}
	return nil
}

// RegionNames returns the configured region names, sorted.
func (c *Config) RegionNames() []string {
	names := make([]string, 0, len(c.Regions))
	for name := range c.Regions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ForRegion resolves the effective settings for a region: the region's
// override block wins over the process-wide default for every key.
func (c *Config) ForRegion(region string) Settings {
	s := Settings{
		Region:           region,
		TagKey:           c.TagKey,
		TagValue:         c.TagValue,
		SnapWait:         time.Duration(c.MinutesForSnap) * time.Minute,
		DetachWait:       time.Duration(c.MinutesForDetach) * time.Minute,
		ReplicationSpeed: c.ReplicationSpeed,
		Grace:            time.Duration(c.ReplicationGraceMinutes) * time.Minute,
		NativeOnly:       true,
		Concurrency:      c.Concurrency,
		Retention:        c.Retention,
		ReplicateTo:      c.ReplicateTo,
	}
	if c.NativeOnly != nil {
		s.NativeOnly = *c.NativeOnly
	}
	r, ok := c.Regions[region]
	if !ok {
		return s
	}
	if r.TagKey != "" {
		s.TagKey = r.TagKey
	}
	if r.TagValue != "" {
		s.TagValue = r.TagValue
	}
	if r.MinutesForSnap != 0 {
		s.SnapWait = time.Duration(r.MinutesForSnap) * time.Minute
	}
	if r.MinutesForDetach != 0 {
		s.DetachWait = time.Duration(r.MinutesForDetach) * time.Minute
	}
	if r.ReplicationSpeed != 0 {
		s.ReplicationSpeed = r.ReplicationSpeed
	}
	if r.ReplicationGraceMinutes != 0 {
		s.Grace = time.Duration(r.ReplicationGraceMinutes) * time.Minute
	}
	if r.NativeOnly != nil {
		s.NativeOnly = *r.NativeOnly
	}
	if r.Concurrency != 0 {
		s.Concurrency = r.Concurrency
	}
	if r.Retention != nil {
		s.Retention = *r.Retention
	}
	if r.ReplicateTo != "" {
		s.ReplicateTo = r.ReplicateTo
	}
	s.KMSKeyID = r.KMSKeyID
	return s
}

// expandEnv expands environment variable references in the format ${VAR} or $VAR.
func expandEnv(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		var varName string
		if match[1] == '{' {
			varName = match[2 : len(match)-1] // ${VAR}
		} else {
			varName = match[1:] // $VAR
		}
		return os.Getenv(varName)
	})
}
