package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds supervisor configuration.
type Config struct {
	DataDir string `yaml:"data_dir"`

	API          APIConfig          `yaml:"api"`
	Logging      LoggingConfig      `yaml:"logging"`
	Store        StoreConfig        `yaml:"store"`
	Checkpoint   CheckpointConfig   `yaml:"checkpoint"`
	Health       HealthConfig       `yaml:"health"`
	Degradation  DegradationConfig  `yaml:"degradation"`
	Restart      RestartConfig      `yaml:"restart"`
	Watchdog     WatchdogConfig     `yaml:"watchdog"`
	Backup       BackupConfig       `yaml:"backup"`
	Audit        AuditConfig        `yaml:"audit"`
	Capabilities []CapabilityRule   `yaml:"capabilities"`
}

// APIConfig configures the read-only accessor HTTP server.
type APIConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// LoggingConfig configures process logging.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// StoreConfig configures the persistent store layer.
type StoreConfig struct {
	Path                string   `yaml:"path"`
	MaintenanceInterval Duration `yaml:"maintenance_interval"`
	// Low-activity window (local hours) during which VACUUM/ANALYZE may run.
	LowActivityStartHour int `yaml:"low_activity_start_hour"`
	LowActivityEndHour   int `yaml:"low_activity_end_hour"`
}

// CheckpointConfig configures the checkpoint/recovery engine.
type CheckpointConfig struct {
	Interval     Duration `yaml:"interval"`
	HistoryLimit int      `yaml:"history_limit"`
}

// HealthConfig configures the health aggregator.
type HealthConfig struct {
	PollInterval Duration `yaml:"poll_interval"`
	ProbeTimeout Duration `yaml:"probe_timeout"`
	DiskPath     string   `yaml:"disk_path"`
	DiskWarnMiB  uint64   `yaml:"disk_warn_mib"`
	DiskCritMiB  uint64   `yaml:"disk_crit_mib"`
	MemWarnMiB   uint64   `yaml:"mem_warn_mib"`
	MemCritMiB   uint64   `yaml:"mem_crit_mib"`
}

// DegradationConfig configures the degradation controller.
type DegradationConfig struct {
	RecoveryProbeInterval Duration `yaml:"recovery_probe_interval"`
	// Consecutive successful recovery probes needed before a failed
	// component is considered recovered.
	RecoverySuccesses int `yaml:"recovery_successes"`
	// Recovery attempts for the store itself before going OFFLINE.
	StoreAttemptCeiling int      `yaml:"store_attempt_ceiling"`
	EssentialComponents []string `yaml:"essential_components"`
}

// RestartConfig configures the auto-restart governor.
type RestartConfig struct {
	Window  Duration `yaml:"window"`
	Ceiling int      `yaml:"ceiling"`
}

// WatchdogConfig configures the external watchdog and the heartbeat writer.
type WatchdogConfig struct {
	HeartbeatPath     string   `yaml:"heartbeat_path"`
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
	HangThreshold     Duration `yaml:"hang_threshold"`
	PollInterval      Duration `yaml:"poll_interval"`
}

// BackupConfig configures the data integrity and backup engine.
type BackupConfig struct {
	Dir                 string   `yaml:"dir"`
	FullInterval        Duration `yaml:"full_interval"`
	IncrementalInterval Duration `yaml:"incremental_interval"`
	IntegrityInterval   Duration `yaml:"integrity_interval"`
	KeepFull            int      `yaml:"keep_full"`
	IncrementalWindow   Duration `yaml:"incremental_window"`
	ArchiveWindow       Duration `yaml:"archive_window"`
}

// AuditConfig configures audit-event retention.
type AuditConfig struct {
	RetentionDays int      `yaml:"retention_days"`
	PurgeInterval Duration `yaml:"purge_interval"`
	PurgeBatch    int      `yaml:"purge_batch"`
}

// CapabilityRule maps a component to the capabilities that depend on it.
// When the component fails, those capabilities are disabled.
type CapabilityRule struct {
	Component    string   `yaml:"component"`
	Capabilities []string `yaml:"capabilities"`
}

// DefaultConfig returns the compiled-in defaults. A missing config file is
// not an error; the supervisor runs with these.
func DefaultConfig() Config {
	dataDir := defaultDataDir()
	return Config{
		DataDir: dataDir,
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 7077,
		},
		Logging: LoggingConfig{Level: "info"},
		Store: StoreConfig{
			Path:                 filepath.Join(dataDir, "bastion.db"),
			MaintenanceInterval:  Duration(6 * time.Hour),
			LowActivityStartHour: 2,
			LowActivityEndHour:   5,
		},
		Checkpoint: CheckpointConfig{
			Interval:     Duration(30 * time.Second),
			HistoryLimit: 20,
		},
		Health: HealthConfig{
			PollInterval: Duration(15 * time.Second),
			ProbeTimeout: Duration(5 * time.Second),
			DiskPath:     dataDir,
			DiskWarnMiB:  1024,
			DiskCritMiB:  512,
			MemWarnMiB:   512,
			MemCritMiB:   128,
		},
		Degradation: DegradationConfig{
			RecoveryProbeInterval: Duration(30 * time.Second),
			RecoverySuccesses:     2,
			StoreAttemptCeiling:   5,
			EssentialComponents:   []string{"store", "llm", "disk", "memory"},
		},
		Restart: RestartConfig{
			Window:  Duration(time.Hour),
			Ceiling: 3,
		},
		Watchdog: WatchdogConfig{
			HeartbeatPath:     filepath.Join(dataDir, "heartbeat"),
			HeartbeatInterval: Duration(5 * time.Second),
			HangThreshold:     Duration(30 * time.Second),
			PollInterval:      Duration(5 * time.Second),
		},
		Backup: BackupConfig{
			Dir:                 filepath.Join(dataDir, "backups"),
			FullInterval:        Duration(24 * time.Hour),
			IncrementalInterval: Duration(time.Hour),
			IntegrityInterval:   Duration(time.Hour),
			KeepFull:            7,
			IncrementalWindow:   Duration(48 * time.Hour),
			ArchiveWindow:       Duration(4 * 7 * 24 * time.Hour),
		},
		Audit: AuditConfig{
			RetentionDays: 90,
			PurgeInterval: Duration(24 * time.Hour),
			PurgeBatch:    1000,
		},
		Capabilities: DefaultCapabilities(),
	}
}

// DefaultCapabilities is the static capability-dependency table used when
// the config file does not override it.
func DefaultCapabilities() []CapabilityRule {
	return []CapabilityRule{
		{Component: "llm", Capabilities: []string{"interactive_answer", "workflow_execution"}},
		{Component: "store", Capabilities: []string{"persistence", "checkpointing", "backups"}},
		{Component: "sandbox", Capabilities: []string{"tool_execution"}},
		{Component: "network", Capabilities: []string{"external_fetch"}},
		{Component: "disk", Capabilities: []string{"backups", "checkpointing"}},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".bastion"
	}
	return filepath.Join(home, ".bastion")
}

// Load reads the YAML config at path, layered on top of the defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks if configuration is valid.
func (c *Config) Validate() error {
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("invalid api port: %d", c.API.Port)
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store path is required")
	}
	if c.Checkpoint.Interval.Std() <= 0 {
		return fmt.Errorf("checkpoint interval must be positive")
	}
	if c.Checkpoint.HistoryLimit < 1 {
		return fmt.Errorf("checkpoint history limit must be at least 1")
	}
	if c.Restart.Ceiling < 1 {
		return fmt.Errorf("restart ceiling must be at least 1")
	}
	if c.Restart.Window.Std() <= 0 {
		return fmt.Errorf("restart window must be positive")
	}
	if c.Backup.KeepFull < 1 {
		return fmt.Errorf("backup keep_full must be at least 1")
	}
	if c.Watchdog.HangThreshold.Std() <= c.Watchdog.HeartbeatInterval.Std() {
		return fmt.Errorf("watchdog hang threshold (%s) must exceed heartbeat interval (%s)",
			c.Watchdog.HangThreshold.Std(), c.Watchdog.HeartbeatInterval.Std())
	}
	if c.Health.DiskCritMiB > c.Health.DiskWarnMiB {
		return fmt.Errorf("disk critical threshold must not exceed warn threshold")
	}
	if c.Audit.RetentionDays < 1 {
		return fmt.Errorf("audit retention must be at least 1 day")
	}
	for _, rule := range c.Capabilities {
		if rule.Component == "" {
			return fmt.Errorf("capability rule with empty component")
		}
		if len(rule.Capabilities) == 0 {
			return fmt.Errorf("capability rule for %q lists no capabilities", rule.Component)
		}
	}
	return nil
}

// CapabilityTable returns the component→capabilities map.
func (c *Config) CapabilityTable() map[string][]string {
	table := make(map[string][]string, len(c.Capabilities))
	for _, rule := range c.Capabilities {
		table[rule.Component] = append(table[rule.Component], rule.Capabilities...)
	}
	return table
}
