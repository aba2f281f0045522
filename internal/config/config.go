package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete supervisor configuration.
// It is immutable after load; commands pass it by pointer and never mutate it.
type Config struct {
	// ProcessName is the executable name of the supervised process.
	ProcessName string `yaml:"process_name"`

	// ArtifactPath is an optional secondary file to watch for integrity
	// (hash/size comparison each cycle). Empty disables the watcher.
	ArtifactPath string `yaml:"artifact_path"`

	// ReportDir is the directory incident reports are written to.
	// Default: ./reports
	ReportDir string `yaml:"report_dir"`

	// DatabasePath is the sqlite file for the event/incident history.
	// Default: <report_dir>/procguard.db
	DatabasePath string `yaml:"database_path"`

	// PollInterval is the fixed supervisor tick. All slower cycles are
	// derived from elapsed-time comparisons against this tick.
	// Default: 1s
	PollInterval time.Duration `yaml:"poll_interval"`

	// MonitorInterval is how often thread stall tracking and recovery run.
	// Default: 5s
	MonitorInterval time.Duration `yaml:"monitor_interval"`

	// SafetyCheckInterval is how often the stability classifier runs.
	// Default: 60s
	SafetyCheckInterval time.Duration `yaml:"safety_check_interval"`

	// MemoryTrimInterval is how often a memory-pressure relief is considered.
	// Default: 30m
	MemoryTrimInterval time.Duration `yaml:"memory_trim_interval"`

	// WarnThreshold is the stall duration after which a thread is reported
	// as a problem thread. Default: 30s
	WarnThreshold time.Duration `yaml:"warn_threshold"`

	// ActionThreshold is the minimum stall duration before any recovery
	// action is attempted. Default: 120s
	ActionThreshold time.Duration `yaml:"action_threshold"`

	// CriticalThreshold is an informational escalation marker for very long
	// stalls. Default: 30m
	CriticalThreshold time.Duration `yaml:"critical_threshold"`

	// ActionCooldown is the global minimum gap between any two recovery
	// actions, across all threads and the process-wide memory action.
	// Default: 300s
	ActionCooldown time.Duration `yaml:"action_cooldown"`

	// MaxRecoveryAttempts caps recovery attempts per thread. Default: 3
	MaxRecoveryAttempts int `yaml:"max_recovery_attempts"`

	// MaxThreadRecoveryPerCycle caps recovered threads per monitor cycle.
	// Default: 2
	MaxThreadRecoveryPerCycle int `yaml:"max_thread_recovery_per_cycle"`

	// MaxDailyRecoveries caps recovery actions per calendar day. Default: 10
	MaxDailyRecoveries int `yaml:"max_daily_recoveries"`

	// MaxMemoryMB is the working-set ceiling for stability. Default: 8192
	MaxMemoryMB uint64 `yaml:"max_memory_mb"`

	// MaxCPUPercent is the CPU usage ceiling for stability. Default: 90
	MaxCPUPercent float64 `yaml:"max_cpu_percent"`

	// MaxDelayedThreads is the delayed-thread-count ceiling for stability.
	// Default: 5
	MaxDelayedThreads int `yaml:"max_delayed_threads"`

	// MemoryTrimWatermark is the fraction of MaxMemoryMB above which a
	// memory trim is considered. Default: 0.8
	MemoryTrimWatermark float64 `yaml:"memory_trim_watermark"`

	// GraceWindow is how long a stall-clear waits before re-reading the
	// thread's wait state. Hard ceiling on in-action blocking. Default: 500ms
	GraceWindow time.Duration `yaml:"grace_window"`

	// Retention bounds the sqlite event history.
	Retention RetentionConfig `yaml:"retention"`

	// Debug enables DEBUG-severity console output. Default: false
	Debug bool `yaml:"debug"`
}

// DefaultConfig returns the configuration with the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		ReportDir:                 "reports",
		PollInterval:              1 * time.Second,
		MonitorInterval:           5 * time.Second,
		SafetyCheckInterval:       60 * time.Second,
		MemoryTrimInterval:        30 * time.Minute,
		WarnThreshold:             30 * time.Second,
		ActionThreshold:           120 * time.Second,
		CriticalThreshold:         30 * time.Minute,
		ActionCooldown:            300 * time.Second,
		MaxRecoveryAttempts:       3,
		MaxThreadRecoveryPerCycle: 2,
		MaxDailyRecoveries:        10,
		MaxMemoryMB:               8192,
		MaxCPUPercent:             90,
		MaxDelayedThreads:         5,
		MemoryTrimWatermark:       0.8,
		GraceWindow:               500 * time.Millisecond,
		Retention:                 DefaultRetentionConfig(),
	}
}

// Load reads configuration from a YAML file, falling back to defaults when
// the file does not exist, then applies environment overrides. Callers apply
// their flag overrides and then Validate.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv overrides config values from PROCGUARD_* environment variables.
func (c *Config) applyEnv() {
	if val := os.Getenv("PROCGUARD_PROCESS_NAME"); val != "" {
		c.ProcessName = val
	}
	if val := os.Getenv("PROCGUARD_ARTIFACT_PATH"); val != "" {
		c.ArtifactPath = val
	}
	if val := os.Getenv("PROCGUARD_REPORT_DIR"); val != "" {
		c.ReportDir = val
	}
	if val := os.Getenv("PROCGUARD_DB_PATH"); val != "" {
		c.DatabasePath = val
	}
	if val := os.Getenv("PROCGUARD_MONITOR_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.MonitorInterval = d
		}
	}
	if val := os.Getenv("PROCGUARD_WARN_THRESHOLD"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.WarnThreshold = d
		}
	}
	if val := os.Getenv("PROCGUARD_ACTION_THRESHOLD"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.ActionThreshold = d
		}
	}
	if val := os.Getenv("PROCGUARD_ACTION_COOLDOWN"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.ActionCooldown = d
		}
	}
	if val := os.Getenv("PROCGUARD_MAX_MEMORY_MB"); val != "" {
		if n, err := strconv.ParseUint(val, 10, 64); err == nil && n > 0 {
			c.MaxMemoryMB = n
		}
	}
	if val := os.Getenv("PROCGUARD_MAX_CPU_PERCENT"); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil && f > 0 {
			c.MaxCPUPercent = f
		}
	}
	if val := os.Getenv("PROCGUARD_MAX_DAILY_RECOVERIES"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n >= 0 {
			c.MaxDailyRecoveries = n
		}
	}
	if val := os.Getenv("PROCGUARD_DEBUG"); val != "" {
		c.Debug = val == "true" || val == "1" || val == "yes"
	}
	c.Retention.applyEnv()
}

// Validate checks that the configuration has safe and reasonable values.
func (c *Config) Validate() error {
	if c.ProcessName == "" {
		return fmt.Errorf("process_name is required")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %v", c.PollInterval)
	}
	if c.PollInterval > c.MonitorInterval {
		return fmt.Errorf("poll_interval (%v) must not exceed monitor_interval (%v)", c.PollInterval, c.MonitorInterval)
	}
	if c.MonitorInterval <= 0 {
		return fmt.Errorf("monitor_interval must be positive, got %v", c.MonitorInterval)
	}
	if c.SafetyCheckInterval < c.MonitorInterval {
		return fmt.Errorf("safety_check_interval (%v) must be >= monitor_interval (%v)", c.SafetyCheckInterval, c.MonitorInterval)
	}
	if c.WarnThreshold <= 0 {
		return fmt.Errorf("warn_threshold must be positive, got %v", c.WarnThreshold)
	}
	if c.ActionThreshold < c.WarnThreshold {
		return fmt.Errorf("action_threshold (%v) must be >= warn_threshold (%v)", c.ActionThreshold, c.WarnThreshold)
	}
	if c.CriticalThreshold < c.ActionThreshold {
		return fmt.Errorf("critical_threshold (%v) must be >= action_threshold (%v)", c.CriticalThreshold, c.ActionThreshold)
	}
	if c.ActionCooldown <= 0 {
		return fmt.Errorf("action_cooldown must be positive, got %v", c.ActionCooldown)
	}
	if c.MaxRecoveryAttempts <= 0 {
		return fmt.Errorf("max_recovery_attempts must be positive, got %d", c.MaxRecoveryAttempts)
	}
	if c.MaxThreadRecoveryPerCycle <= 0 {
		return fmt.Errorf("max_thread_recovery_per_cycle must be positive, got %d", c.MaxThreadRecoveryPerCycle)
	}
	if c.MaxDailyRecoveries < 0 {
		return fmt.Errorf("max_daily_recoveries must be non-negative, got %d", c.MaxDailyRecoveries)
	}
	if c.MaxMemoryMB == 0 {
		return fmt.Errorf("max_memory_mb must be positive")
	}
	if c.MaxCPUPercent <= 0 || c.MaxCPUPercent > 100 {
		return fmt.Errorf("max_cpu_percent must be in (0, 100], got %f", c.MaxCPUPercent)
	}
	if c.MaxDelayedThreads <= 0 {
		return fmt.Errorf("max_delayed_threads must be positive, got %d", c.MaxDelayedThreads)
	}
	if c.MemoryTrimWatermark <= 0 || c.MemoryTrimWatermark > 1 {
		return fmt.Errorf("memory_trim_watermark must be in (0, 1], got %f", c.MemoryTrimWatermark)
	}
	if c.GraceWindow <= 0 || c.GraceWindow > time.Second {
		return fmt.Errorf("grace_window must be in (0, 1s], got %v", c.GraceWindow)
	}
	if c.ReportDir == "" {
		return fmt.Errorf("report_dir is required")
	}
	if err := c.Retention.Validate(); err != nil {
		return fmt.Errorf("invalid retention settings: %w", err)
	}
	return nil
}

// DBPath returns the effective database path, defaulting under ReportDir.
func (c *Config) DBPath() string {
	if c.DatabasePath != "" {
		return c.DatabasePath
	}
	return c.ReportDir + "/procguard.db"
}
