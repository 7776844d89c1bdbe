// Package config handles configuration loading, validation, and management for dualsensd.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Lock tunes the lock state machine.
	Lock LockConfig `toml:"lock" json:"lock" yaml:"lock"`

	// Scan tunes device registration.
	Scan ScanConfig `toml:"scan" json:"scan" yaml:"scan"`

	// Sensitivity bounds and names the per-device override.
	Sensitivity SensitivityConfig `toml:"sensitivity" json:"sensitivity" yaml:"sensitivity"`

	// Settings locates the external settings document.
	Settings SettingsConfig `toml:"settings" json:"settings" yaml:"settings"`

	// Apply configures the external apply executable.
	Apply ApplyConfig `toml:"apply" json:"apply" yaml:"apply"`

	// Control configures the supervisor line protocol and polling loop.
	Control ControlConfig `toml:"control" json:"control" yaml:"control"`

	// Platform configures the input adapters.
	Platform PlatformConfig `toml:"platform" json:"platform" yaml:"platform"`

	// Storage configures the device registry database.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// Metrics configures the optional HTTP exposition endpoint.
	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics"`

	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// LockConfig holds the lock state machine tunables.
type LockConfig struct {
	// StopToUnlockMs is how long the registered device must be still
	// before a held lock becomes releasable.
	StopToUnlockMs int `toml:"stop_to_unlock_ms" json:"stop_to_unlock_ms" yaml:"stop_to_unlock_ms"`

	// Deadzone is the minimum Manhattan magnitude of other-device motion
	// that releases the lock.
	Deadzone int `toml:"deadzone" json:"deadzone" yaml:"deadzone"`

	// CooldownMs overrides the platform double-click interval when > 0.
	CooldownMs int `toml:"cooldown_ms" json:"cooldown_ms" yaml:"cooldown_ms"`
}

// StopToUnlock returns StopToUnlockMs as a duration.
func (l LockConfig) StopToUnlock() time.Duration {
	return time.Duration(l.StopToUnlockMs) * time.Millisecond
}

// Cooldown returns the configured cooldown override, zero when unset.
func (l LockConfig) Cooldown() time.Duration {
	return time.Duration(l.CooldownMs) * time.Millisecond
}

// ScanConfig holds registration tunables.
type ScanConfig struct {
	// Threshold is the accumulated magnitude that completes a majority scan.
	Threshold int64 `toml:"threshold" json:"threshold" yaml:"threshold"`

	// Mode is "auto" (majority) or "confirm" (interactive).
	Mode string `toml:"mode" json:"mode" yaml:"mode"`
}

// SensitivityConfig holds the sensitivity bounds.
type SensitivityConfig struct {
	Default float64 `toml:"default" json:"default" yaml:"default"`
	Min     float64 `toml:"min" json:"min" yaml:"min"`
	Max     float64 `toml:"max" json:"max" yaml:"max"`

	// ProfileName is the reserved profile written into the settings document.
	ProfileName string `toml:"profile_name" json:"profile_name" yaml:"profile_name"`
}

// SettingsConfig locates the external settings document.
type SettingsConfig struct {
	// Path is the document path; relative paths resolve against the
	// executable's directory.
	Path string `toml:"path" json:"path" yaml:"path"`

	// StateFile is the restart-recovery file name, stored next to Path.
	StateFile string `toml:"state_file" json:"state_file" yaml:"state_file"`

	// Validate checks every rewritten document against the embedded schema.
	Validate bool `toml:"validate" json:"validate" yaml:"validate"`
}

// ApplyConfig configures the external apply step.
type ApplyConfig struct {
	// Command is the executable run with the settings path; empty disables it.
	Command string `toml:"command" json:"command" yaml:"command"`

	TimeoutMs int `toml:"timeout_ms" json:"timeout_ms" yaml:"timeout_ms"`
}

// Timeout returns TimeoutMs as a duration.
func (a ApplyConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutMs) * time.Millisecond
}

// ControlConfig configures the control channel and polling loop.
type ControlConfig struct {
	// PollIntervalMs is the polling loop tick.
	PollIntervalMs int `toml:"poll_interval_ms" json:"poll_interval_ms" yaml:"poll_interval_ms"`

	// StatusRateHz caps console status output from the input path.
	StatusRateHz int `toml:"status_rate_hz" json:"status_rate_hz" yaml:"status_rate_hz"`

	// OutboxSize bounds the queued outbound event lines.
	OutboxSize int `toml:"outbox_size" json:"outbox_size" yaml:"outbox_size"`
}

// PollInterval returns PollIntervalMs as a duration.
func (c ControlConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// StatusPeriod returns the minimum spacing of status output.
func (c ControlConfig) StatusPeriod() time.Duration {
	if c.StatusRateHz <= 0 {
		return 0
	}
	return time.Second / time.Duration(c.StatusRateHz)
}

// PlatformConfig configures the input adapters.
type PlatformConfig struct {
	// InputDir is scanned for event nodes and watched for hotplug.
	InputDir string `toml:"input_dir" json:"input_dir" yaml:"input_dir"`

	// UinputPath is the injection device.
	UinputPath string `toml:"uinput_path" json:"uinput_path" yaml:"uinput_path"`

	// VirtualName names the injected pointer; nodes with this name are never read.
	VirtualName string `toml:"virtual_name" json:"virtual_name" yaml:"virtual_name"`

	// Hotplug enables watching InputDir for added and removed devices.
	Hotplug bool `toml:"hotplug" json:"hotplug" yaml:"hotplug"`
}

// StorageConfig configures the device registry.
type StorageConfig struct {
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Path is the sqlite database file.
	Path string `toml:"path" json:"path" yaml:"path"`

	// BusyTimeoutMs is the SQLite busy timeout in milliseconds.
	BusyTimeoutMs int `toml:"busy_timeout_ms" json:"busy_timeout_ms" yaml:"busy_timeout_ms"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is "stderr", "file", "both" or "discard". stdout is reserved
	// for the control channel.
	Output string `toml:"output" json:"output" yaml:"output"`

	FilePath   string `toml:"file_path" json:"file_path" yaml:"file_path"`
	MaxSizeMB  int    `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `toml:"compress" json:"compress" yaml:"compress"`
}

// MetricsConfig configures metrics exposition.
type MetricsConfig struct {
	// Listen is the HTTP address for /metrics; empty disables the endpoint.
	Listen string `toml:"listen" json:"listen" yaml:"listen"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	dataDir := PlatformDataDir()
	return &Config{
		Version: Version,
		Lock: LockConfig{
			StopToUnlockMs: 150,
			Deadzone:       3,
		},
		Scan: ScanConfig{
			Threshold: 2000,
			Mode:      "auto",
		},
		Sensitivity: SensitivityConfig{
			Default:     1.0,
			Min:         0.001,
			Max:         100,
			ProfileName: "dualsens",
		},
		Settings: SettingsConfig{
			Path:      "settings.json",
			StateFile: "dualsens.state",
			Validate:  true,
		},
		Apply: ApplyConfig{
			TimeoutMs: 5000,
		},
		Control: ControlConfig{
			PollIntervalMs: 2,
			StatusRateHz:   10,
			OutboxSize:     256,
		},
		Platform: PlatformConfig{
			InputDir:    "/dev/input",
			UinputPath:  "/dev/uinput",
			VirtualName: "dualsens virtual pointer",
			Hotplug:     true,
		},
		Storage: StorageConfig{
			Enabled:       true,
			Path:          filepath.Join(dataDir, "registry.db"),
			BusyTimeoutMs: 5000,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(PlatformLogDir(), "dualsensd.log"),
			MaxSizeMB:  20,
			MaxBackups: 3,
			MaxAgeDays: 14,
			Compress:   true,
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(PlatformConfigDir(), "config.toml")
}

// Load reads configuration from path, returning defaults when the file is
// absent. The format follows the file extension.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}
	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// ApplyEnvOverrides applies DUALSENS_* environment variables.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v := os.Getenv("DUALSENS_SETTINGS_PATH"); v != "" {
		c.Settings.Path = v
	}
	if v := os.Getenv("DUALSENS_APPLY_COMMAND"); v != "" {
		c.Apply.Command = v
	}
	if v := os.Getenv("DUALSENS_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("DUALSENS_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("DUALSENS_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}
	if v := os.Getenv("DUALSENS_METRICS_LISTEN"); v != "" {
		c.Metrics.Listen = v
	}
	if v := os.Getenv("DUALSENS_SCAN_MODE"); v != "" {
		c.Scan.Mode = strings.ToLower(v)
	}
	if v, err := strconv.Atoi(os.Getenv("DUALSENS_STOP_TO_UNLOCK_MS")); err == nil {
		c.Lock.StopToUnlockMs = v
	}
	if v, err := strconv.Atoi(os.Getenv("DUALSENS_DEADZONE")); err == nil {
		c.Lock.Deadzone = v
	}
}

// Clone returns a copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return &Config{
		Version:     c.Version,
		Lock:        c.Lock,
		Scan:        c.Scan,
		Sensitivity: c.Sensitivity,
		Settings:    c.Settings,
		Apply:       c.Apply,
		Control:     c.Control,
		Platform:    c.Platform,
		Storage:     c.Storage,
		Logging:     c.Logging,
		Metrics:     c.Metrics,
	}
}

// SettingsPath resolves the settings document path against exeDir when it
// is relative.
func (c *Config) SettingsPath(exeDir string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if filepath.IsAbs(c.Settings.Path) || exeDir == "" {
		return c.Settings.Path
	}
	return filepath.Join(exeDir, c.Settings.Path)
}

// StatePath returns the restart-recovery file path next to the settings
// document.
func (c *Config) StatePath(exeDir string) string {
	return filepath.Join(filepath.Dir(c.SettingsPath(exeDir)), c.Settings.StateFile)
}

// EnsureDirectories creates the directories the daemon writes into.
func (c *Config) EnsureDirectories() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	dirs := []string{}
	if c.Storage.Enabled && c.Storage.Path != "" {
		dirs = append(dirs, filepath.Dir(c.Storage.Path))
	}
	if c.Logging.Output == "file" || c.Logging.Output == "both" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}
