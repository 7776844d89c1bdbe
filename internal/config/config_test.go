package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults do not validate: %v", err)
	}
	if cfg.Lock.StopToUnlock() != 150*time.Millisecond {
		t.Errorf("stop threshold = %v", cfg.Lock.StopToUnlock())
	}
	if cfg.Lock.Deadzone != 3 {
		t.Errorf("deadzone = %d", cfg.Lock.Deadzone)
	}
	if cfg.Scan.Threshold != 2000 {
		t.Errorf("scan threshold = %d", cfg.Scan.Threshold)
	}
	if cfg.Control.StatusPeriod() != 100*time.Millisecond {
		t.Errorf("status period = %v", cfg.Control.StatusPeriod())
	}
}

func TestConfigPath(t *testing.T) {
	path := ConfigPath()
	if !strings.HasSuffix(path, "config.toml") {
		t.Errorf("expected path ending with config.toml, got %s", path)
	}
	if !strings.Contains(path, "dualsens") {
		t.Errorf("config path should contain dualsens: %s", path)
	}
}

func TestLoadNonexistent(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Scan.Mode != "auto" {
		t.Errorf("expected default mode, got %q", cfg.Scan.Mode)
	}
}

func TestLoadFormats(t *testing.T) {
	files := map[string]string{
		"c.toml": "version = 1\n[lock]\nstop_to_unlock_ms = 200\ndeadzone = 5\n",
		"c.json": `{"version": 1, "lock": {"stop_to_unlock_ms": 200, "deadzone": 5}}`,
		"c.yaml": "version: 1\nlock:\n  stop_to_unlock_ms: 200\n  deadzone: 5\n",
	}
	dir := t.TempDir()
	for name, body := range files {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
				t.Fatal(err)
			}
			cfg, err := Load(path)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if cfg.Lock.StopToUnlockMs != 200 || cfg.Lock.Deadzone != 5 {
				t.Errorf("lock = %+v", cfg.Lock)
			}
			if cfg.Scan.Threshold != 2000 {
				t.Errorf("unset fields should keep defaults, threshold = %d", cfg.Scan.Threshold)
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DUALSENS_SCAN_MODE", "CONFIRM")
	t.Setenv("DUALSENS_DEADZONE", "7")
	t.Setenv("DUALSENS_SETTINGS_PATH", "/etc/accel/settings.json")

	cfg := DefaultConfig()
	cfg.ApplyEnvOverrides()

	if cfg.Scan.Mode != "confirm" {
		t.Errorf("mode = %q", cfg.Scan.Mode)
	}
	if cfg.Lock.Deadzone != 7 {
		t.Errorf("deadzone = %d", cfg.Lock.Deadzone)
	}
	if got := cfg.SettingsPath("/opt/bin"); got != "/etc/accel/settings.json" {
		t.Errorf("absolute settings path rewritten to %q", got)
	}
}

func TestSettingsAndStatePaths(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.SettingsPath("/opt/dualsens"); got != filepath.Join("/opt/dualsens", "settings.json") {
		t.Errorf("settings path = %q", got)
	}
	if got := cfg.StatePath("/opt/dualsens"); got != filepath.Join("/opt/dualsens", "dualsens.state") {
		t.Errorf("state path = %q", got)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"mode", func(c *Config) { c.Scan.Mode = "vote" }, "scan.mode"},
		{"threshold", func(c *Config) { c.Scan.Threshold = 0 }, "scan.threshold"},
		{"stdout logging", func(c *Config) { c.Logging.Output = "stdout" }, "logging.output"},
		{"sensitivity default", func(c *Config) { c.Sensitivity.Default = 500 }, "sensitivity.default"},
		{"profile quote", func(c *Config) { c.Sensitivity.ProfileName = `a"b` }, "sensitivity.profile_name"},
		{"state file path", func(c *Config) { c.Settings.StateFile = "a/b" }, "settings.state_file"},
		{"poll", func(c *Config) { c.Control.PollIntervalMs = 0 }, "control.poll_interval_ms"},
		{"metrics", func(c *Config) { c.Metrics.Listen = "nope" }, "metrics.listen"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("error does not wrap ErrInvalidConfig: %v", err)
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("error %q does not name %s", err, tt.field)
			}
		})
	}
}

func TestLintWarnsOnMissingApplyCommand(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Apply.Command = filepath.Join(t.TempDir(), "no-such-writer")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("missing apply command must not fail validation: %v", err)
	}
	if warns := Lint(cfg); len(warns) != 1 || warns[0].Field != "apply.command" {
		t.Errorf("warnings = %v", warns)
	}
}

func TestSaveAndLoadOrCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.toml")

	cfg, created, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	if !created {
		t.Error("expected the file to be created")
	}

	cfg.Lock.CooldownMs = 300
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}

	again, created, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if created {
		t.Error("file should already exist")
	}
	if again.Lock.Cooldown() != 300*time.Millisecond {
		t.Errorf("cooldown = %v", again.Lock.Cooldown())
	}
}

func TestLoaderHotReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("version = 1\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	loader := NewLoader(path)
	loader.debounce = 10 * time.Millisecond
	if _, err := loader.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	changed := make(chan *Config, 1)
	loader.OnChange(func(c *Config) {
		select {
		case changed <- c:
		default:
		}
	})
	if err := loader.Watch(); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer loader.Close()

	if err := os.WriteFile(path, []byte("version = 1\n[lock]\ndeadzone = 9\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	select {
	case c := <-changed:
		if c.Lock.Deadzone != 9 {
			t.Errorf("reloaded deadzone = %d", c.Lock.Deadzone)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload observed")
	}
}
