package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// RetentionConfig bounds the sqlite event history. The supervisor prunes the
// events table on the cleanup interval; warning and error events are kept
// longer than routine ones for failure-pattern analysis.
type RetentionConfig struct {
	// Enabled controls automatic history pruning. Default: true
	Enabled bool `yaml:"enabled"`

	// Days is how long routine (info-severity) events are kept. Default: 30
	Days int `yaml:"days"`

	// CriticalDays is how long warning and error events are kept. Must be
	// >= Days. Default: 90
	CriticalDays int `yaml:"critical_days"`

	// MaxEvents caps the total event count regardless of age; the oldest
	// rows beyond the cap are deleted. Default: 100000
	MaxEvents int `yaml:"max_events"`

	// CleanupInterval is how often pruning runs. Default: 24h
	CleanupInterval time.Duration `yaml:"cleanup_interval"`

	// CleanupBatchSize is how many rows one delete statement may remove.
	// Larger batches prune faster but hold the write lock longer.
	// Default: 1000
	CleanupBatchSize int `yaml:"cleanup_batch_size"`
}

// DefaultRetentionConfig returns the retention defaults: a month of routine
// history, a quarter of warnings and errors, and a 100k-row ceiling.
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		Enabled:          true,
		Days:             30,
		CriticalDays:     90,
		MaxEvents:        100000,
		CleanupInterval:  24 * time.Hour,
		CleanupBatchSize: 1000,
	}
}

// applyEnv overrides retention values from PROCGUARD_RETENTION_* variables.
func (c *RetentionConfig) applyEnv() {
	if val := os.Getenv("PROCGUARD_RETENTION_ENABLED"); val != "" {
		c.Enabled = val == "true" || val == "1" || val == "yes"
	}
	if val := os.Getenv("PROCGUARD_RETENTION_DAYS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Days = n
		}
	}
	if val := os.Getenv("PROCGUARD_RETENTION_CRITICAL_DAYS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.CriticalDays = n
		}
	}
	if val := os.Getenv("PROCGUARD_RETENTION_MAX_EVENTS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.MaxEvents = n
		}
	}
	if val := os.Getenv("PROCGUARD_RETENTION_CLEANUP_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.CleanupInterval = d
		}
	}
}

// Validate checks that the retention values are in safe ranges.
func (c *RetentionConfig) Validate() error {
	if c.Days < 1 || c.Days > 365 {
		return fmt.Errorf("retention days must be in [1, 365], got %d", c.Days)
	}
	if c.CriticalDays < c.Days || c.CriticalDays > 730 {
		return fmt.Errorf("retention critical_days must be in [days, 730], got %d", c.CriticalDays)
	}
	if c.MaxEvents < 1000 || c.MaxEvents > 1000000 {
		return fmt.Errorf("retention max_events must be in [1000, 1000000], got %d", c.MaxEvents)
	}
	if c.CleanupInterval < time.Hour || c.CleanupInterval > 7*24*time.Hour {
		return fmt.Errorf("retention cleanup_interval must be in [1h, 168h], got %v", c.CleanupInterval)
	}
	if c.CleanupBatchSize < 100 || c.CleanupBatchSize > 10000 {
		return fmt.Errorf("retention cleanup_batch_size must be in [100, 10000], got %d", c.CleanupBatchSize)
	}
	return nil
}
