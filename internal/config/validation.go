package config

import (
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strings"
)

// ErrInvalidConfig is wrapped by errors returned from ValidateConfig.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// IsWarning reports whether the issue is non-fatal.
func (e *ValidationError) IsWarning() bool {
	return strings.HasPrefix(e.Field, "apply.command")
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for i := range e {
		msgs = append(msgs, e[i].Error())
	}
	return strings.Join(msgs, "; ")
}

// Unwrap lets errors.Is match ErrInvalidConfig.
func (e ValidationErrors) Unwrap() error { return ErrInvalidConfig }

// Errors returns only error-level entries.
func (e ValidationErrors) Errors() ValidationErrors {
	var errs ValidationErrors
	for i := range e {
		if !e[i].IsWarning() {
			errs = append(errs, e[i])
		}
	}
	return errs
}

// Warnings returns only warning-level entries.
func (e ValidationErrors) Warnings() ValidationErrors {
	var warns ValidationErrors
	for i := range e {
		if e[i].IsWarning() {
			warns = append(warns, e[i])
		}
	}
	return warns
}

// HasErrors reports whether any entry is an error.
func (e ValidationErrors) HasErrors() bool {
	return len(e.Errors()) > 0
}

// RangeError creates a validation error for an out-of-range value.
func RangeError(field string, min, max any) ValidationError {
	return ValidationError{Field: field, Message: fmt.Sprintf("value must be between %v and %v", min, max)}
}

// ValidateConfig validates every section. Warning-level issues do not fail
// validation; Lint returns them.
func ValidateConfig(c *Config) error {
	errs := check(c)
	if errs.HasErrors() {
		return errs.Errors()
	}
	return nil
}

// Lint returns the warning-level issues of c.
func Lint(c *Config) ValidationErrors {
	return check(c).Warnings()
}

func check(c *Config) ValidationErrors {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs ValidationErrors
	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}
	errs = append(errs, validateLock(&c.Lock)...)
	errs = append(errs, validateScan(&c.Scan)...)
	errs = append(errs, validateSensitivity(&c.Sensitivity)...)
	errs = append(errs, validateSettings(&c.Settings)...)
	errs = append(errs, validateControl(&c.Control)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateMetrics(&c.Metrics)...)
	if c.Apply.TimeoutMs <= 0 {
		errs = append(errs, ValidationError{Field: "apply.timeout_ms", Message: "timeout must be positive"})
	}
	if c.Storage.Enabled && c.Storage.Path == "" {
		errs = append(errs, ValidationError{Field: "storage.path", Message: "path is required when storage is enabled"})
	}

	if c.Apply.Command != "" {
		if _, err := exec.LookPath(c.Apply.Command); err != nil {
			errs = append(errs, ValidationError{Field: "apply.command", Message: fmt.Sprintf("not runnable: %v", err)})
		}
	}
	return errs
}

func validateLock(l *LockConfig) ValidationErrors {
	var errs ValidationErrors
	if l.StopToUnlockMs < 10 || l.StopToUnlockMs > 10000 {
		errs = append(errs, RangeError("lock.stop_to_unlock_ms", 10, 10000))
	}
	if l.Deadzone < 0 {
		errs = append(errs, ValidationError{Field: "lock.deadzone", Message: "deadzone cannot be negative"})
	}
	if l.CooldownMs < 0 || l.CooldownMs > 5000 {
		errs = append(errs, RangeError("lock.cooldown_ms", 0, 5000))
	}
	return errs
}

func validateScan(s *ScanConfig) ValidationErrors {
	var errs ValidationErrors
	if s.Threshold <= 0 {
		errs = append(errs, ValidationError{Field: "scan.threshold", Message: "threshold must be positive"})
	}
	switch s.Mode {
	case "auto", "confirm":
	default:
		errs = append(errs, ValidationError{
			Field:   "scan.mode",
			Message: fmt.Sprintf("invalid mode: %s (valid: auto, confirm)", s.Mode),
		})
	}
	return errs
}

func validateSensitivity(s *SensitivityConfig) ValidationErrors {
	var errs ValidationErrors
	if s.Min < 0.001 || s.Max > 100 || s.Min > s.Max {
		errs = append(errs, ValidationError{Field: "sensitivity.min", Message: "bounds must satisfy 0.001 <= min <= max <= 100"})
	}
	if s.Default < s.Min || s.Default > s.Max {
		errs = append(errs, RangeError("sensitivity.default", s.Min, s.Max))
	}
	if s.ProfileName == "" || strings.ContainsAny(s.ProfileName, "\"\\") {
		errs = append(errs, ValidationError{Field: "sensitivity.profile_name", Message: "profile name must be non-empty without quotes or backslashes"})
	}
	return errs
}

func validateSettings(s *SettingsConfig) ValidationErrors {
	var errs ValidationErrors
	if s.Path == "" {
		errs = append(errs, ValidationError{Field: "settings.path", Message: "required field is missing"})
	}
	if s.StateFile == "" || strings.ContainsAny(s.StateFile, `/\`) {
		errs = append(errs, ValidationError{Field: "settings.state_file", Message: "state file must be a bare file name"})
	}
	return errs
}

func validateControl(c *ControlConfig) ValidationErrors {
	var errs ValidationErrors
	if c.PollIntervalMs < 1 || c.PollIntervalMs > 100 {
		errs = append(errs, RangeError("control.poll_interval_ms", 1, 100))
	}
	if c.StatusRateHz < 0 || c.StatusRateHz > 10 {
		errs = append(errs, RangeError("control.status_rate_hz", 0, 10))
	}
	if c.OutboxSize < 16 {
		errs = append(errs, ValidationError{Field: "control.outbox_size", Message: "outbox must hold at least 16 lines"})
	}
	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stderr", "discard":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{Field: "logging.file_path", Message: "file path is required when output writes a file"})
		}
	case "stdout":
		errs = append(errs, ValidationError{Field: "logging.output", Message: "stdout is reserved for the control channel"})
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid output: %s (valid: stderr, file, both, discard)", l.Output),
		})
	}

	if l.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{Field: "logging.max_size_mb", Message: "max size must be at least 1 MB"})
	}
	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{Field: "logging.max_backups", Message: "max backups cannot be negative"})
	}
	if l.MaxAgeDays < 0 {
		errs = append(errs, ValidationError{Field: "logging.max_age_days", Message: "max age cannot be negative"})
	}
	return errs
}

func validateMetrics(m *MetricsConfig) ValidationErrors {
	if m.Listen == "" {
		return nil
	}
	if _, _, err := net.SplitHostPort(m.Listen); err != nil {
		return ValidationErrors{{Field: "metrics.listen", Message: fmt.Sprintf("invalid address: %v", err)}}
	}
	return nil
}
