package types

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config collects every tunable named in spec.md §6. All fields are
// optional; DefaultConfig fills the documented defaults and Validate
// rejects impossible combinations, mirroring the teacher's
// AlertThresholds.Validate()/DefaultThresholds() shape.
type Config struct {
	DefaultLockTTLMs           int64   `yaml:"defaultLockTTL"`
	StaleSessionThresholdMs    int64   `yaml:"staleSessionThreshold"`
	HeartbeatIntervalMs        int64   `yaml:"heartbeatInterval"`
	CleanupIntervalMs          int64   `yaml:"cleanupInterval"`
	JournalRetentionMs         int64   `yaml:"journalRetention"`
	AutoCleanup                bool    `yaml:"autoCleanup"`
	RecoveryIntervalMs         int64   `yaml:"recoveryInterval"`
	RecoveryBackoffMultiplier  float64 `yaml:"recoveryBackoffMultiplier"`
	MaxRecoveryAttempts        int     `yaml:"maxRecoveryAttempts"`
	HealthCheckIntervalMs      int64   `yaml:"healthCheckInterval"`
	MaxDelegationDepth         int     `yaml:"maxDelegationDepth"`
	MaxConcurrentDelegations   int     `yaml:"maxConcurrentDelegations"`
	MaxChildAgents             int     `yaml:"maxChildAgents"`
	MinDelegationScore         int     `yaml:"minDelegationScore"`
	CacheMaxAgeMs              int64   `yaml:"cacheMaxAge"`
	WarningThreshold           float64 `yaml:"warningThreshold"`
	CriticalThreshold          float64 `yaml:"criticalThreshold"`
	EmergencyThreshold         float64 `yaml:"emergencyThreshold"`
	DurationHistogramBucketsMs []int64 `yaml:"durationHistogramBuckets"`
	SubtaskBuckets             []int   `yaml:"subtaskBuckets"`
	DepthBuckets               []int   `yaml:"depthBuckets"`
}

// DefaultConfig returns the configuration with every default from
// spec.md §6 applied.
func DefaultConfig() Config {
	return Config{
		DefaultLockTTLMs:          60_000,
		StaleSessionThresholdMs:   300_000,
		HeartbeatIntervalMs:       30_000,
		CleanupIntervalMs:         60_000,
		JournalRetentionMs:        604_800_000,
		AutoCleanup:               true,
		RecoveryIntervalMs:        60_000,
		RecoveryBackoffMultiplier: 2,
		MaxRecoveryAttempts:       5,
		HealthCheckIntervalMs:     30_000,
		MaxDelegationDepth:        3,
		MaxConcurrentDelegations:  5,
		MaxChildAgents:            7,
		MinDelegationScore:        60,
		CacheMaxAgeMs:             60_000,
		WarningThreshold:          0.80,
		CriticalThreshold:         0.90,
		EmergencyThreshold:        0.95,
		// {0-1s, 1-5s, 5-30s, 30s-1m, 1-5m, 5m+}
		DurationHistogramBucketsMs: []int64{1_000, 5_000, 30_000, 60_000, 300_000},
		// {1, 2-3, 4-7, 8-15, 16+}
		SubtaskBuckets: []int{1, 3, 7, 15},
		// {0, 1, 2, 3, 4+}
		DepthBuckets: []int{0, 1, 2, 3},
	}
}

// Validate rejects configurations that cannot be operated on safely.
func (c *Config) Validate() error {
	if c.DefaultLockTTLMs <= 0 {
		return NewCoordError(KindInvalidConfig, "defaultLockTTL", "must be positive", nil)
	}
	if c.HealthCheckIntervalMs <= 0 {
		return NewCoordError(KindInvalidConfig, "healthCheckInterval", "must be positive", nil)
	}
	if c.MaxRecoveryAttempts < 0 {
		return NewCoordError(KindInvalidConfig, "maxRecoveryAttempts", "must be >= 0", nil)
	}
	if c.MaxDelegationDepth < 0 {
		return NewCoordError(KindInvalidConfig, "maxDelegationDepth", "must be >= 0", nil)
	}
	if c.MinDelegationScore < 0 || c.MinDelegationScore > 100 {
		return NewCoordError(KindInvalidConfig, "minDelegationScore", "must be within 0-100", nil)
	}
	if c.WarningThreshold <= 0 || c.WarningThreshold >= c.CriticalThreshold {
		return NewCoordError(KindInvalidConfig, "warningThreshold", "must be < criticalThreshold", nil)
	}
	if c.CriticalThreshold >= c.EmergencyThreshold {
		return NewCoordError(KindInvalidConfig, "criticalThreshold", "must be < emergencyThreshold", nil)
	}
	if c.EmergencyThreshold > 1.0 {
		return NewCoordError(KindInvalidConfig, "emergencyThreshold", "must be <= 1.0", nil)
	}
	return nil
}

func (c Config) LockTTL() time.Duration       { return time.Duration(c.DefaultLockTTLMs) * time.Millisecond }
func (c Config) StaleSessionThreshold() time.Duration {
	return time.Duration(c.StaleSessionThresholdMs) * time.Millisecond
}
func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}
func (c Config) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalMs) * time.Millisecond
}
func (c Config) JournalRetention() time.Duration {
	return time.Duration(c.JournalRetentionMs) * time.Millisecond
}
func (c Config) RecoveryInterval() time.Duration {
	return time.Duration(c.RecoveryIntervalMs) * time.Millisecond
}
func (c Config) HealthCheckInterval() time.Duration {
	return time.Duration(c.HealthCheckIntervalMs) * time.Millisecond
}
func (c Config) CacheMaxAge() time.Duration {
	return time.Duration(c.CacheMaxAgeMs) * time.Millisecond
}

// Merge deep-merges override onto the receiver's values, per spec.md §9:
// objects merge field-by-field, arrays and scalars are replaced wholesale.
// A zero-value field in override leaves the receiver's value untouched,
// so callers should start from DefaultConfig() and merge only what a
// config file or flag actually set.
func (c Config) Merge(override Config) Config {
	merged := c
	if override.DefaultLockTTLMs != 0 {
		merged.DefaultLockTTLMs = override.DefaultLockTTLMs
	}
	if override.StaleSessionThresholdMs != 0 {
		merged.StaleSessionThresholdMs = override.StaleSessionThresholdMs
	}
	if override.HeartbeatIntervalMs != 0 {
		merged.HeartbeatIntervalMs = override.HeartbeatIntervalMs
	}
	if override.CleanupIntervalMs != 0 {
		merged.CleanupIntervalMs = override.CleanupIntervalMs
	}
	if override.JournalRetentionMs != 0 {
		merged.JournalRetentionMs = override.JournalRetentionMs
	}
	merged.AutoCleanup = override.AutoCleanup || c.AutoCleanup
	if override.RecoveryIntervalMs != 0 {
		merged.RecoveryIntervalMs = override.RecoveryIntervalMs
	}
	if override.RecoveryBackoffMultiplier != 0 {
		merged.RecoveryBackoffMultiplier = override.RecoveryBackoffMultiplier
	}
	if override.MaxRecoveryAttempts != 0 {
		merged.MaxRecoveryAttempts = override.MaxRecoveryAttempts
	}
	if override.HealthCheckIntervalMs != 0 {
		merged.HealthCheckIntervalMs = override.HealthCheckIntervalMs
	}
	if override.MaxDelegationDepth != 0 {
		merged.MaxDelegationDepth = override.MaxDelegationDepth
	}
	if override.MaxConcurrentDelegations != 0 {
		merged.MaxConcurrentDelegations = override.MaxConcurrentDelegations
	}
	if override.MaxChildAgents != 0 {
		merged.MaxChildAgents = override.MaxChildAgents
	}
	if override.MinDelegationScore != 0 {
		merged.MinDelegationScore = override.MinDelegationScore
	}
	if override.CacheMaxAgeMs != 0 {
		merged.CacheMaxAgeMs = override.CacheMaxAgeMs
	}
	if override.WarningThreshold != 0 {
		merged.WarningThreshold = override.WarningThreshold
	}
	if override.CriticalThreshold != 0 {
		merged.CriticalThreshold = override.CriticalThreshold
	}
	if override.EmergencyThreshold != 0 {
		merged.EmergencyThreshold = override.EmergencyThreshold
	}
	if len(override.DurationHistogramBucketsMs) > 0 {
		merged.DurationHistogramBucketsMs = override.DurationHistogramBucketsMs
	}
	if len(override.SubtaskBuckets) > 0 {
		merged.SubtaskBuckets = override.SubtaskBuckets
	}
	if len(override.DepthBuckets) > 0 {
		merged.DepthBuckets = override.DepthBuckets
	}
	return merged
}

// LoadConfigFile reads a YAML config file with strict decoding (unknown
// keys rejected, per spec.md §9) and merges it onto DefaultConfig.
func LoadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	var override Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&override); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg := DefaultConfig().Merge(override)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
