// Package arbiter owns the state shared between the input callbacks and the
// polling loop: which device is registered, the lock machine snapshot and
// the registration scan. All of it sits behind one mutex; the power,
// feature and scanning flags are atomics so they can be read without it.
//
// Motion enters through HandleMotion on platform callback goroutines and is
// handled to completion there. Anything that blocks (settings writes, the
// apply command, the registry) is queued as a Job for a single worker.
// Outbound protocol lines go to the Outbox, which the polling loop flushes.
package arbiter

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"dualsens/internal/device"
	"dualsens/internal/lock"
	"dualsens/internal/logging"
	"dualsens/internal/metrics"
	"dualsens/internal/motion"
	"dualsens/internal/scan"
	"dualsens/internal/settings"
	"dualsens/internal/store"
	"dualsens/internal/suppress"
)

var (
	ErrOffline     = errors.New("offline")
	ErrPowerOff    = errors.New("power is off")
	ErrNotScanning = errors.New("not scanning for a confirmable device")
	ErrNoCandidate = errors.New("no candidate")
)

// Injector synthesizes pointer input.
type Injector interface {
	Press() error
	Release() error
	Move(dx, dy int32) error
}

// Registration is the live registration record.
type Registration struct {
	// Handle is the node that won the scan; Handles are all nodes of the
	// same hardware group. Handles is empty while the device is unplugged.
	Handle     device.Handle
	Handles    []device.Handle
	HardwareID string
	Name       string
}

// Owns reports whether motion from h is registered motion.
func (r Registration) Owns(h device.Handle) bool {
	for _, x := range r.Handles {
		if x == h {
			return true
		}
	}
	return false
}

// Label is the identifier reported to the supervisor.
func (r Registration) Label() string {
	if r.HardwareID != "" {
		return r.HardwareID
	}
	return r.Handle.String()
}

// Options configures an Arbiter. Zero values select defaults.
type Options struct {
	Params    lock.Params
	Mode      scan.Mode
	Threshold int64

	DefaultSensitivity float64
	MinSensitivity     float64
	MaxSensitivity     float64

	// StatusPeriod bounds the rate of the motion status log line.
	StatusPeriod time.Duration

	Filter   *suppress.Filter
	Injector Injector
	// Persister is nil when settings persistence is unavailable.
	Persister Persister
	Jobs      *Queue
	Outbox    *Outbox
	Metrics   *metrics.Metrics
	Logger    *logging.Logger
	Clock     func() time.Time
}

// Arbiter routes motion and commands to the scan engine and lock machine.
type Arbiter struct {
	mu         sync.Mutex
	params     lock.Params
	snap       lock.Snapshot
	reg        Registration
	registered bool
	engine     *scan.Engine
	groups     []device.Group
	pending    string
	sens       float64

	defaultSens, minSens, maxSens float64

	power    atomic.Bool
	feature  atomic.Bool
	scanning atomic.Bool
	offline  atomic.Bool
	closed   atomic.Bool

	filter    *suppress.Filter
	inj       Injector
	persist   Persister
	jobs      *Queue
	out       *Outbox
	metrics   *metrics.Metrics
	log       *logging.Logger
	statusLog *logging.Throttle
	injectLog *logging.Throttle
	now       func() time.Time

	stop sync.Once
}

// New creates an Arbiter that starts scanning, with power and the feature
// off.
func New(opts Options) *Arbiter {
	if opts.Params == (lock.Params{}) {
		opts.Params = lock.DefaultParams()
	}
	if opts.Threshold <= 0 {
		opts.Threshold = 2000
	}
	if opts.DefaultSensitivity <= 0 {
		opts.DefaultSensitivity = 1
	}
	if opts.MinSensitivity <= 0 {
		opts.MinSensitivity = settings.MinSensitivity
	}
	if opts.MaxSensitivity <= 0 {
		opts.MaxSensitivity = settings.MaxSensitivity
	}
	if opts.StatusPeriod <= 0 {
		opts.StatusPeriod = 100 * time.Millisecond
	}
	if opts.Filter == nil {
		opts.Filter = suppress.New()
	}
	if opts.Injector == nil {
		opts.Injector = nopInjector{}
	}
	if opts.Jobs == nil {
		opts.Jobs = NewQueue(64)
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Discard()
	}
	if opts.Outbox == nil {
		opts.Outbox = NewOutbox(256, opts.Metrics.OutboxDropped.Inc)
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	a := &Arbiter{
		params:      opts.Params,
		engine:      scan.NewEngine(opts.Mode, opts.Threshold),
		defaultSens: opts.DefaultSensitivity,
		minSens:     opts.MinSensitivity,
		maxSens:     opts.MaxSensitivity,
		filter:      opts.Filter,
		inj:         opts.Injector,
		persist:     opts.Persister,
		jobs:        opts.Jobs,
		out:         opts.Outbox,
		metrics:     opts.Metrics,
		log:         opts.Logger.WithComponent("arbiter"),
		statusLog:   logging.NewThrottle(opts.StatusPeriod),
		injectLog:   logging.NewThrottle(time.Second),
		now:         opts.Clock,
	}
	a.sens = a.clamp(a.defaultSens)
	a.scanning.Store(true)
	return a
}

// Outbox returns the outbound line queue.
func (a *Arbiter) Outbox() *Outbox { return a.out }

// Jobs returns the job queue.
func (a *Arbiter) Jobs() *Queue { return a.jobs }

// Filter returns the suppression filter.
func (a *Arbiter) Filter() *suppress.Filter { return a.filter }

// HandleMotion classifies one motion event and drives the scan engine or
// the lock machine with it. It is called from input callbacks, never
// blocks on I/O, and never panics outward.
func (a *Arbiter) HandleMotion(ev motion.Event) {
	var perr error
	defer func() {
		if perr != nil {
			a.metrics.CallbackPanics.Inc()
		}
	}()
	defer logging.Recover(a.log, "motion callback", &perr)

	if a.closed.Load() || !ev.Relevant() {
		a.metrics.MotionDropped.Inc()
		return
	}

	start := time.Now()
	var jobs []Job
	route, state := a.dispatch(ev, &jobs)
	a.submit(jobs)
	a.metrics.Route(route).Inc()
	a.metrics.CallbackDuration.ObserveDuration(time.Since(start))

	if a.statusLog.Allow(start) {
		a.log.Debug("motion", "route", route, "handle", ev.Handle, "dx", ev.DX, "dy", ev.DY, "state", state)
	}
}

func (a *Arbiter) dispatch(ev motion.Event, jobs *[]Job) (string, lock.State) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch {
	case a.scanning.Load():
		a.observeLocked(ev, jobs)
		return metrics.RouteScan, a.snap.State
	case a.registered && a.reg.Owns(ev.Handle):
		a.stepLocked(lock.Registered(ev.At, ev.DX, ev.DY, a.feature.Load()))
		return metrics.RouteRegistered, a.snap.State
	case a.registered:
		a.stepLocked(lock.Other(ev.At, ev.Magnitude()))
		return metrics.RouteOther, a.snap.State
	}
	return metrics.RouteDropped, a.snap.State
}

func (a *Arbiter) observeLocked(ev motion.Event, jobs *[]Job) {
	p := a.engine.Observe(ev.Handle, ev.Magnitude())
	if p.Report {
		a.out.Eventf("SCAN_PROGRESS %.1f", p.Percent)
	}
	if p.Candidate != 0 {
		a.out.Eventf("CANDIDATE %s", a.nameLocked(p.Candidate))
	}
	if p.Selected != 0 {
		a.selectLocked(p.Selected, store.SourceScan, jobs)
	}
}

func (a *Arbiter) nameLocked(h device.Handle) string {
	if g, ok := device.FindGroup(a.groups, h); ok {
		if g.Name != "" {
			return g.Name
		}
		if g.HardwareID != "" {
			return g.HardwareID
		}
	}
	return h.String()
}

func (a *Arbiter) selectLocked(h device.Handle, source store.Source, jobs *[]Job) {
	reg := Registration{Handle: h, Handles: []device.Handle{h}}
	if g, ok := device.FindGroup(a.groups, h); ok {
		reg = registrationFor(g)
		reg.Handle = h
	}
	a.bindLocked(reg, source, jobs)
}

func registrationFor(g device.Group) Registration {
	reg := Registration{
		Handles:    append([]device.Handle(nil), g.Handles...),
		HardwareID: g.HardwareID,
		Name:       g.Name,
	}
	if len(g.Handles) > 0 {
		reg.Handle = g.Handles[0]
	}
	return reg
}

func (a *Arbiter) bindLocked(reg Registration, source store.Source, jobs *[]Job) {
	a.reg = reg
	a.registered = true
	a.pending = ""
	a.scanning.Store(false)
	a.engine.Reset()
	a.filter.SetScope(reg.Handles)
	a.metrics.Registrations.Inc()

	a.out.Eventf("REGISTERED %s", reg.Label())
	a.log.Info("device registered", "hardware_id", reg.HardwareID, "name", reg.Name, "handles", len(reg.Handles), "source", source)

	if reg.HardwareID == "" {
		a.log.Warn("no hardware identifier; sensitivity will not persist", "handle", reg.Handle)
		a.out.Push("EVT NOTIFY WARN hardware identifier unavailable; sensitivity will not persist")
		return
	}
	if a.persist == nil {
		return
	}
	scale, power := a.scaleLocked()
	*jobs = append(*jobs, func(ctx context.Context) {
		if err := a.persist.Register(ctx, reg, source, scale); err != nil {
			a.log.Warn("registration not persisted", "hardware_id", reg.HardwareID, "error", err)
			a.out.Eventf("NOTIFY WARN registration not persisted: %v", err)
			return
		}
		if power {
			a.out.Eventf("SENS_APPLIED %.3f", scale)
		}
	})
}

// scaleLocked returns the multiplier the reserved profile should carry: the
// user's value while powered, neutral otherwise.
func (a *Arbiter) scaleLocked() (float64, bool) {
	if a.power.Load() {
		return a.sens, true
	}
	return 1, false
}

// stepLocked feeds in to the lock machine and applies the effects in order
// while the mutex is held, so concurrent callbacks cannot interleave them.
func (a *Arbiter) stepLocked(in lock.Input) {
	prev := a.snap.State
	next, fx := lock.Step(a.snap, in, a.params)
	a.snap = next
	if !fx.None() {
		a.applyLocked(fx)
	}
	if on, changed := lock.Firing(prev, next.State); changed {
		a.metrics.SetFiring(on)
		if on {
			a.out.Push("EVT FIRING ON")
		} else {
			a.out.Push("EVT FIRING OFF")
		}
	}
}

func (a *Arbiter) applyLocked(fx lock.Effects) {
	if fx.Press {
		a.metrics.Presses.Inc()
		a.injected("press", a.inj.Press())
	}
	if fx.Suppress {
		a.filter.Engage()
	}
	if fx.Move {
		a.injected("move", a.inj.Move(fx.DX, fx.DY))
	}
	if fx.Release {
		a.metrics.Releases.Inc()
		a.injected("release", a.inj.Release())
	}
	if fx.Unsuppress {
		a.filter.Disengage()
	}
}

func (a *Arbiter) injected(op string, err error) {
	if err == nil {
		return
	}
	a.metrics.InjectErrors.Inc()
	if a.injectLog.Allow(time.Now()) {
		a.log.Warn("injection failed", "op", op, "error", err)
	}
}

func (a *Arbiter) submit(jobs []Job) bool {
	ok := true
	for _, j := range jobs {
		if !a.jobs.Submit(j) {
			ok = false
			a.log.Warn("job queue full; dropping settings update")
			a.out.Push("EVT NOTIFY WARN busy; settings update dropped")
		}
	}
	return ok
}

// Tick runs the stillness check. It is called from the polling loop.
func (a *Arbiter) Tick(now time.Time) {
	a.mu.Lock()
	if a.registered {
		a.stepLocked(lock.Tick(now))
	}
	a.mu.Unlock()
}

// SetParams replaces the lock tunables.
func (a *Arbiter) SetParams(p lock.Params) {
	a.mu.Lock()
	a.params = p
	a.mu.Unlock()
}

// SetThreshold replaces the scan threshold.
func (a *Arbiter) SetThreshold(threshold int64) {
	a.mu.Lock()
	a.engine.SetThreshold(threshold)
	a.mu.Unlock()
}

// InputReady announces that the platform source is delivering motion.
func (a *Arbiter) InputReady() {
	a.out.Push("EVT INPUT_READY")
	if a.scanning.Load() {
		a.mu.Lock()
		pct := a.engine.Percent()
		a.mu.Unlock()
		a.out.Eventf("SCAN_PROGRESS %.1f", pct)
	}
}

// SetOffline marks the platform layer unusable. The feature is forced off
// and POWER and FEATURE are refused from then on.
func (a *Arbiter) SetOffline(reason string) {
	if !a.offline.CompareAndSwap(false, true) {
		return
	}
	a.mu.Lock()
	a.feature.Store(false)
	a.stepLocked(lock.Release(a.now(), false))
	a.mu.Unlock()
	a.log.Error("input unavailable", "reason", reason)
	a.out.Eventf("OFFLINE %s", reason)
}

// DevicesChanged updates the connected device groups. The registration
// follows its hardware identifier to the new handles; when the registered
// device is gone the lock is released. A pending restore binds as soon as
// its device appears.
func (a *Arbiter) DevicesChanged(groups []device.Group) {
	var jobs []Job
	a.mu.Lock()
	a.groups = groups
	switch {
	case a.registered:
		a.rebindLocked()
	case a.pending != "" && a.scanning.Load():
		if g, ok := device.FindByHardwareID(groups, a.pending); ok {
			a.bindLocked(registrationFor(g), store.SourceRestore, &jobs)
		}
	}
	a.mu.Unlock()
	a.submit(jobs)
}

func (a *Arbiter) rebindLocked() {
	var g device.Group
	var ok bool
	if a.reg.HardwareID != "" {
		g, ok = device.FindByHardwareID(a.groups, a.reg.HardwareID)
	} else {
		g, ok = device.FindGroup(a.groups, a.reg.Handle)
	}

	if !ok || len(g.Handles) == 0 {
		if len(a.reg.Handles) == 0 {
			return
		}
		a.stepLocked(lock.Release(a.now(), false))
		a.reg.Handles = nil
		a.log.Warn("registered device disconnected", "hardware_id", a.reg.HardwareID)
		a.out.Push("EVT NOTIFY WARN registered device disconnected")
		return
	}

	reconnected := len(a.reg.Handles) == 0
	a.reg.Handles = append([]device.Handle(nil), g.Handles...)
	if !g.Contains(a.reg.Handle) {
		a.reg.Handle = g.Handles[0]
	}
	a.filter.SetScope(a.reg.Handles)
	if reconnected {
		a.log.Info("registered device reconnected", "hardware_id", a.reg.HardwareID)
		a.out.Push("EVT NOTIFY INFO registered device reconnected")
	}
}

// Restore re-registers the device recorded before a restart and, when sens
// is positive, restores its multiplier. It reports whether the device was
// connected; otherwise it is bound when it appears, unless a scan
// completes first.
func (a *Arbiter) Restore(hwID string, sens float64) bool {
	var jobs []Job
	bound := false

	a.mu.Lock()
	if sens > 0 {
		a.sens = a.clamp(sens)
	}
	if hwID != "" && !a.registered {
		if g, ok := device.FindByHardwareID(a.groups, hwID); ok {
			a.bindLocked(registrationFor(g), store.SourceRestore, &jobs)
			bound = true
		} else {
			a.pending = hwID
		}
	}
	a.mu.Unlock()

	a.submit(jobs)
	return bound
}

func (a *Arbiter) clamp(v float64) float64 {
	return math.Min(a.maxSens, math.Max(a.minSens, settings.Clamp(v)))
}

// Shutdown releases the button, clears suppression and removes the
// suppression hook. It runs once no matter how many callers race to it.
func (a *Arbiter) Shutdown() {
	a.stop.Do(func() {
		a.closed.Store(true)
		a.mu.Lock()
		a.feature.Store(false)
		a.stepLocked(lock.Release(a.now(), false))
		a.mu.Unlock()

		if err := a.filter.Uninstall(); err != nil && !errors.Is(err, suppress.ErrNotInstalled) {
			a.log.Warn("uninstall suppression hook", "error", err)
		}
	})
}

type nopInjector struct{}

func (nopInjector) Press() error            { return nil }
func (nopInjector) Release() error          { return nil }
func (nopInjector) Move(dx, dy int32) error { return nil }
