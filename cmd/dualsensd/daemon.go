package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"dualsens/internal/apply"
	"dualsens/internal/arbiter"
	"dualsens/internal/config"
	"dualsens/internal/control"
	"dualsens/internal/device"
	"dualsens/internal/health"
	"dualsens/internal/lock"
	"dualsens/internal/logging"
	"dualsens/internal/metrics"
	"dualsens/internal/platform"
	"dualsens/internal/scan"
	"dualsens/internal/settings"
	"dualsens/internal/store"
)

// drainTimeout bounds the settings work finished during teardown.
const drainTimeout = 3 * time.Second

// Options configures a Daemon.
type Options struct {
	ConfigPath string
	// Mode overrides the configured scan mode when set.
	Mode string
	// Control enables the line protocol on In and Out. Without it power
	// and the feature start on and events are logged.
	Control bool
	In      io.Reader
	Out     io.Writer

	// ExeDir anchors a relative settings path; the executable's directory
	// when empty.
	ExeDir string

	// OpenPlatform replaces platform.Open.
	OpenPlatform func(platform.Config) (*platform.Backend, error)
}

// Daemon wires configuration, the platform backend, the arbiter and the
// control channel together and runs the polling loop.
type Daemon struct {
	opts    Options
	cfg     *config.Config
	loader  *config.Loader
	log     *logging.Logger
	metrics *metrics.Metrics

	registry *store.Store
	settings *settings.Store
	recovery *settings.Recovery
	health   *health.Checker
	arb      *arbiter.Arbiter
	handler  *control.Handler
	writer   *control.Writer
	backend  *platform.Backend
	offline  string
	cooldown time.Duration

	workerDone chan struct{}
	cancel     context.CancelFunc
	stop       sync.Once
}

// NewDaemon loads the configuration and builds every component. Platform
// failures do not fail construction; the daemon then runs offline.
func NewDaemon(opts Options) (*Daemon, error) {
	if opts.OpenPlatform == nil {
		opts.OpenPlatform = platform.Open
	}
	if opts.ExeDir == "" {
		if exe, err := os.Executable(); err == nil {
			opts.ExeDir = filepath.Dir(exe)
		}
	}
	path := opts.ConfigPath
	if path == "" {
		if path = config.FindConfigFile(); path == "" {
			path = config.ConfigPath()
		}
	}

	cfg, created, err := config.LoadOrCreate(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if opts.Mode != "" {
		cfg.Scan.Mode = opts.Mode
	}
	mode, err := scan.ParseMode(cfg.Scan.Mode)
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	log, err := newLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}
	logging.SetDefault(log)
	if created {
		log.Info("wrote default configuration", "path", path)
	}
	for _, w := range config.Lint(cfg) {
		log.Warn("configuration", "field", w.Field, "issue", w.Message)
	}

	d := &Daemon{
		opts:       opts,
		cfg:        cfg,
		loader:     config.NewLoader(path),
		log:        log,
		metrics:    metrics.New(metrics.NewRegistry("dualsens")),
		health:     health.NewChecker(),
		workerDone: make(chan struct{}),
	}
	if opts.Control {
		d.writer = control.NewWriter(opts.Out)
	}

	if cfg.Storage.Enabled {
		busy := time.Duration(cfg.Storage.BusyTimeoutMs) * time.Millisecond
		if d.registry, err = store.Open(cfg.Storage.Path, busy); err != nil {
			log.Warn("device registry unavailable", "path", cfg.Storage.Path, "error", err)
			d.registry = nil
		}
	}

	d.backend, err = opts.OpenPlatform(platform.Config{
		InputDir:    cfg.Platform.InputDir,
		UinputPath:  cfg.Platform.UinputPath,
		VirtualName: cfg.Platform.VirtualName,
		Hotplug:     cfg.Platform.Hotplug,
		Logger:      log,
	})
	if err != nil {
		d.offline = err.Error()
		d.backend = nil
	}

	d.cooldown = cfg.Lock.Cooldown()
	if d.cooldown <= 0 {
		d.cooldown = platform.DoubleClickInterval(context.Background())
	}

	d.arb = arbiter.New(arbiter.Options{
		Params:             lockParams(cfg, d.cooldown),
		Mode:               mode,
		Threshold:          cfg.Scan.Threshold,
		DefaultSensitivity: cfg.Sensitivity.Default,
		MinSensitivity:     cfg.Sensitivity.Min,
		MaxSensitivity:     cfg.Sensitivity.Max,
		StatusPeriod:       cfg.Control.StatusPeriod(),
		Injector:           d.injector(),
		Persister:          d.persister(),
		Outbox:             arbiter.NewOutbox(cfg.Control.OutboxSize, d.metrics.OutboxDropped.Inc),
		Metrics:            d.metrics,
		Logger:             log,
	})
	d.handler = control.NewHandler(control.HandlerConfig{
		Controller: d.arb,
		Out:        d.arb.Outbox(),
		Metrics:    d.metrics,
		Logger:     log,
	})
	d.registerChecks()
	return d, nil
}

// registerChecks exposes input, settings document and registry state on
// the health endpoints.
func (d *Daemon) registerChecks() {
	d.health.Register(&health.Component{Name: "input", Critical: true, Check: func(context.Context) health.Result {
		if st := d.arb.Status(); st.Offline {
			return health.Result{Status: health.StatusUnhealthy, Message: "input capture offline"}
		}
		return health.Result{Status: health.StatusHealthy}
	}})
	d.health.RegisterFunc("settings", false, func(context.Context) error {
		if d.settings == nil {
			return errors.New("settings document unavailable")
		}
		doc, err := d.settings.Load()
		if err != nil {
			return err
		}
		return d.settings.Validate(doc)
	})
	if d.registry != nil {
		d.health.RegisterFunc("registry", false, d.registry.Ping)
	}
}

func newLogger(c config.LoggingConfig) (*logging.Logger, error) {
	level, err := logging.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(c.Format)
	if err != nil {
		return nil, err
	}
	return logging.New(&logging.Config{
		Level:      level,
		Format:     format,
		Output:     c.Output,
		FilePath:   c.FilePath,
		MaxSize:    int64(c.MaxSizeMB),
		MaxAge:     c.MaxAgeDays,
		MaxBackups: c.MaxBackups,
		Compress:   c.Compress,
		Component:  "dualsensd",
	})
}

func lockParams(cfg *config.Config, cooldown time.Duration) lock.Params {
	return lock.Params{
		StopToUnlock: cfg.Lock.StopToUnlock(),
		Deadzone:     int64(cfg.Lock.Deadzone),
		Cooldown:     cooldown,
	}
}

func (d *Daemon) injector() arbiter.Injector {
	if d.backend == nil || d.backend.Injector == nil {
		return nil
	}
	return d.backend.Injector
}

func (d *Daemon) persister() arbiter.Persister {
	path := d.cfg.SettingsPath(d.opts.ExeDir)
	var opts []settings.Option
	if !d.cfg.Settings.Validate {
		opts = append(opts, settings.WithoutValidation())
	}
	st, err := settings.NewStore(path, opts...)
	if err != nil {
		d.log.Error("settings document unavailable; sensitivity will not be written", "path", path, "error", err)
		return nil
	}
	d.settings = st
	d.recovery = settings.NewRecovery(d.cfg.StatePath(d.opts.ExeDir))
	return &arbiter.Settings{
		Store:    st,
		Recovery: d.recovery,
		Registry: d.registry,
		Runner:   apply.Runner{Command: d.cfg.Apply.Command, Timeout: d.cfg.Apply.Timeout()},
		Profile:  d.cfg.Sensitivity.ProfileName,
		Metrics:  d.metrics,
		Logger:   d.log.WithComponent("settings"),
	}
}

// Arbiter returns the daemon's arbiter.
func (d *Daemon) Arbiter() *arbiter.Arbiter { return d.arb }

// Run starts input capture and runs the polling loop until QUIT, end of
// input, or ctx is done. Teardown always runs before Run returns.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, d.cancel = context.WithCancel(ctx)
	defer d.Shutdown()

	go func() {
		defer close(d.workerDone)
		d.arb.Jobs().Run(ctx)
	}()

	metricsErr := d.serveMetrics(ctx)
	d.watchConfig()
	d.startInput(ctx)
	d.restore()
	d.health.SetReady(true)

	if !d.opts.Control {
		if err := d.arb.Power(true); err == nil {
			d.arb.Feature(true)
		}
	}

	var lines <-chan string
	if d.opts.Control {
		lines = control.ReadLines(ctx, d.opts.In, d.log)
	}

	poll := time.NewTicker(d.cfg.Control.PollInterval())
	defer poll.Stop()
	uptime := time.NewTicker(time.Second)
	defer uptime.Stop()

	for {
		select {
		case <-ctx.Done():
			d.log.Info("shutting down", "reason", context.Cause(ctx))
			return nil

		case line, ok := <-lines:
			if !ok {
				d.log.Info("control input closed")
				return nil
			}
			if d.handler.HandleLine(line) {
				return nil
			}

		case now := <-poll.C:
			d.arb.Tick(now)
			d.flush()

		case <-uptime.C:
			d.metrics.UpdateUptime()

		case err := <-d.loader.Errors():
			d.log.Warn("configuration reload", "error", err)

		case err := <-metricsErr:
			if err != nil {
				d.log.Warn("metrics endpoint stopped", "error", err)
			}
			metricsErr = nil
		}
	}
}

func (d *Daemon) serveMetrics(ctx context.Context) <-chan error {
	if d.cfg.Metrics.Listen == "" {
		return nil
	}
	addr, done, err := metrics.Serve(ctx, d.cfg.Metrics.Listen, d.metrics.Registry(), d.health.Routes())
	if err != nil {
		d.log.Warn("metrics endpoint disabled", "error", err)
		return nil
	}
	d.log.Info("metrics endpoint listening", "addr", addr.String())
	return done
}

// watchConfig applies lock and scan tunables from a rewritten config file.
func (d *Daemon) watchConfig() {
	d.loader.OnChange(func(c *config.Config) {
		cooldown := c.Lock.Cooldown()
		if cooldown <= 0 {
			cooldown = d.cooldown
		}
		d.arb.SetParams(lockParams(c, cooldown))
		d.arb.SetThreshold(c.Scan.Threshold)
		d.log.Info("configuration reloaded", "stop_to_unlock", c.Lock.StopToUnlock(), "deadzone", c.Lock.Deadzone, "cooldown", cooldown)
	})
	if err := d.loader.Watch(); err != nil {
		d.log.Warn("configuration hot reload disabled", "error", err)
	}
}

func (d *Daemon) startInput(ctx context.Context) {
	if d.backend == nil {
		d.arb.SetOffline(d.offline)
		return
	}
	if err := d.arb.Filter().Install(d.backend.Hook); err != nil {
		d.arb.SetOffline(err.Error())
		return
	}
	changed := func(infos []device.Info) {
		d.arb.DevicesChanged(device.GroupInfos(infos))
	}
	if err := d.backend.Source.Start(ctx, d.arb.HandleMotion, changed); err != nil {
		d.arb.SetOffline(err.Error())
		return
	}
	d.arb.InputReady()
}

// restore re-registers the device recorded before the last exit together
// with its remembered multiplier.
func (d *Daemon) restore() {
	if d.recovery == nil {
		return
	}
	hwID, err := d.recovery.Load()
	if err != nil {
		d.log.Warn("recovery state unreadable", "error", err)
		return
	}
	if hwID == "" {
		return
	}
	var sens float64
	if d.registry != nil {
		if v, ok, err := d.registry.Sensitivity(hwID); err != nil {
			d.log.Warn("registry lookup failed", "error", err)
		} else if ok {
			sens = v
		}
	}
	bound := d.arb.Restore(hwID, sens)
	d.log.Info("restoring registration", "hardware_id", hwID, "connected", bound, "sensitivity", sens)
}

func (d *Daemon) flush() {
	if d.writer != nil {
		if _, err := d.writer.Flush(d.arb.Outbox()); err != nil {
			d.log.Warn("control output", "error", err)
		}
		return
	}
	for _, line := range d.arb.Outbox().Drain(nil) {
		d.log.Info("event", "line", line)
	}
}

// Shutdown releases the button, removes suppression, finishes queued
// settings work and closes every resource. It runs once.
func (d *Daemon) Shutdown() {
	d.stop.Do(func() {
		d.arb.Outbox().Push("EVT EXITING")
		d.flush()

		d.arb.Shutdown()
		if d.cancel != nil {
			d.cancel()
			<-d.workerDone
		}
		ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		if n := d.arb.Jobs().RunPending(ctx); n > 0 {
			d.log.Debug("finished queued jobs", "count", n)
		}
		cancel()

		var errs []error
		if d.backend != nil {
			errs = append(errs, d.backend.Close())
		}
		if d.registry != nil {
			errs = append(errs, d.registry.Close())
		}
		errs = append(errs, d.loader.Close())
		if err := errors.Join(errs...); err != nil {
			d.log.Warn("teardown", "error", err)
		}

		d.arb.Outbox().Push("EVT EXITED")
		d.flush()
		d.log.Info("stopped")
		d.log.Close()
	})
}
