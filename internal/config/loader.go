package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

type codec struct {
	name   string
	decode func(data []byte, cfg *Config) error
	encode func(cfg *Config) ([]byte, error)
}

var tomlCodec = codec{
	name: "TOML",
	decode: func(data []byte, cfg *Config) error {
		_, err := toml.Decode(string(data), cfg)
		return err
	},
	encode: func(cfg *Config) ([]byte, error) {
		var buf bytes.Buffer
		err := toml.NewEncoder(&buf).Encode(cfg)
		return buf.Bytes(), err
	},
}

var codecs = map[string]codec{
	".json": {
		name:   "JSON",
		decode: func(data []byte, cfg *Config) error { return json.Unmarshal(data, cfg) },
		encode: func(cfg *Config) ([]byte, error) { return json.MarshalIndent(cfg, "", "  ") },
	},
	".yaml": {
		name:   "YAML",
		decode: func(data []byte, cfg *Config) error { return yaml.Unmarshal(data, cfg) },
		encode: func(cfg *Config) ([]byte, error) { return yaml.Marshal(cfg) },
	},
}

// codecFor picks the format from the file extension; TOML otherwise.
func codecFor(path string) codec {
	ext := filepath.Ext(path)
	if ext == ".yml" {
		ext = ".yaml"
	}
	if c, ok := codecs[ext]; ok {
		return c
	}
	return tomlCodec
}

// Loader loads the configuration and re-applies it when the file changes.
// Writes that leave the bytes unchanged are ignored.
type Loader struct {
	path     string
	debounce time.Duration

	mu       sync.Mutex
	config   *Config
	raw      []byte
	onChange []func(*Config)

	watcher *fsnotify.Watcher
	done    chan struct{}
	closed  sync.Once
	errs    chan error
}

// NewLoader creates a loader for path.
func NewLoader(path string) *Loader {
	return &Loader{
		path:     path,
		debounce: 100 * time.Millisecond,
		done:     make(chan struct{}),
		errs:     make(chan error, 1),
	}
}

// Path returns the watched file.
func (l *Loader) Path() string { return l.path }

// Load reads and validates the file, applying environment overrides.
func (l *Loader) Load() (*Config, error) {
	cfg, raw, err := readValidated(l.path)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.config, l.raw = cfg, raw
	l.mu.Unlock()
	return cfg, nil
}

// Config returns the last configuration loaded.
func (l *Loader) Config() *Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.config
}

// OnChange registers cb for every configuration applied by a reload.
func (l *Loader) OnChange(cb func(*Config)) {
	l.mu.Lock()
	l.onChange = append(l.onChange, cb)
	l.mu.Unlock()
}

// Errors carries reload and watch failures. Only the latest unread error
// is kept.
func (l *Loader) Errors() <-chan error { return l.errs }

// Watch starts watching the file's directory, since editors often replace
// files by rename.
func (l *Loader) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(l.path)); err != nil {
		w.Close()
		return fmt.Errorf("watch directory: %w", err)
	}
	l.watcher = w
	go l.watch()
	return nil
}

func (l *Loader) watch() {
	var pending <-chan time.Time
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-l.done:
			return
		case ev, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != filepath.Base(l.path) || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(l.debounce)
			} else {
				timer.Reset(l.debounce)
			}
			pending = timer.C
		case <-pending:
			pending = nil
			l.reload()
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.report(err)
		}
	}
}

func (l *Loader) reload() {
	cfg, raw, err := readValidated(l.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			l.report(fmt.Errorf("reload config: %w", err))
		}
		return
	}

	l.mu.Lock()
	if bytes.Equal(raw, l.raw) {
		l.mu.Unlock()
		return
	}
	l.config, l.raw = cfg, raw
	callbacks := append(([]func(*Config))(nil), l.onChange...)
	l.mu.Unlock()

	for _, cb := range callbacks {
		cb(cfg)
	}
}

func (l *Loader) report(err error) {
	select {
	case l.errs <- err:
	default:
	}
}

// Close stops watching.
func (l *Loader) Close() error {
	var err error
	l.closed.Do(func() {
		close(l.done)
		if l.watcher != nil {
			err = l.watcher.Close()
		}
	})
	return err
}

func readValidated(path string) (*Config, []byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := decode(path, raw)
	if err != nil {
		return nil, nil, err
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("validation failed: %w", err)
	}
	return cfg, raw, nil
}

func decode(path string, raw []byte) (*Config, error) {
	cfg := DefaultConfig()
	c := codecFor(path)
	if err := c.decode(raw, cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", c.name, err)
	}
	return cfg, nil
}

// loadConfigFromFile decodes path over the defaults; a missing file yields
// the defaults.
func loadConfigFromFile(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return decode(path, raw)
}

// LoadOrCreate loads the configuration at path, first writing the defaults
// there when the file does not exist. The boolean reports creation.
func LoadOrCreate(path string) (*Config, bool, error) {
	if path == "" {
		path = ConfigPath()
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg := DefaultConfig()
		cfg.ApplyEnvOverrides()
		if err := SaveConfig(DefaultConfig(), path); err != nil {
			return nil, false, fmt.Errorf("create default config: %w", err)
		}
		return cfg, true, nil
	}
	cfg, err := NewLoader(path).Load()
	if err != nil {
		return nil, false, err
	}
	return cfg, false, nil
}

// SaveConfig writes cfg to path in the format its extension names.
func SaveConfig(cfg *Config, path string) error {
	c := codecFor(path)
	data, err := c.encode(cfg.Clone())
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
