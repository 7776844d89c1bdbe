package arbiter

import (
	"context"

	"dualsens/internal/device"
	"dualsens/internal/lock"
	"dualsens/internal/scan"
	"dualsens/internal/store"
)

// Status is a point-in-time view for the STATUS command.
type Status struct {
	State       lock.State
	Power       bool
	Feature     bool
	Scanning    bool
	Offline     bool
	Mode        scan.Mode
	Percent     float64
	Registered  string
	Sensitivity float64
}

// Status returns the current state.
func (a *Arbiter) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := Status{
		State:       a.snap.State,
		Power:       a.power.Load(),
		Feature:     a.feature.Load(),
		Scanning:    a.scanning.Load(),
		Offline:     a.offline.Load(),
		Mode:        a.engine.Mode(),
		Percent:     a.engine.Percent(),
		Sensitivity: a.sens,
	}
	if a.registered {
		st.Registered = a.reg.Label()
	}
	return st
}

// Registration returns a copy of the live registration.
func (a *Arbiter) Registration() (Registration, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	reg := a.reg
	reg.Handles = append([]device.Handle(nil), a.reg.Handles...)
	return reg, a.registered
}

// Power turns sensitivity management on or off. On applies the user's
// multiplier to the registered device; off forces the feature off and
// restores the neutral multiplier. POWER_APPLIED is emitted once the
// settings are written.
func (a *Arbiter) Power(on bool) error {
	if a.offline.Load() {
		return ErrOffline
	}

	a.mu.Lock()
	a.power.Store(on)
	if !on {
		a.feature.Store(false)
		a.stepLocked(lock.Release(a.now(), false))
	}
	reg, registered := a.reg, a.registered
	scale, _ := a.scaleLocked()
	a.mu.Unlock()

	a.log.Info("power", "on", on)
	persist := registered && reg.HardwareID != "" && a.persist != nil
	job := func(ctx context.Context) {
		if persist {
			if err := a.persist.Apply(ctx, scale); err != nil {
				a.log.Warn("apply sensitivity", "error", err)
				a.out.Eventf("ERROR POWER %v", err)
			} else if on {
				a.out.Eventf("SENS_APPLIED %.3f", scale)
			}
		}
		a.powerApplied(on)
	}
	if !a.submit([]Job{job}) {
		a.powerApplied(on)
	}
	return nil
}

func (a *Arbiter) powerApplied(on bool) {
	if on {
		a.out.Push("EVT POWER_APPLIED ON")
	} else {
		a.out.Push("EVT POWER_APPLIED OFF")
	}
}

// Feature enables or disables locking. Enabling requires power; disabling
// releases a held lock.
func (a *Arbiter) Feature(on bool) error {
	if a.offline.Load() {
		return ErrOffline
	}
	if on && !a.power.Load() {
		return ErrPowerOff
	}

	a.mu.Lock()
	a.feature.Store(on)
	if !on {
		a.stepLocked(lock.Release(a.now(), false))
	}
	a.mu.Unlock()

	if on {
		a.out.Push("EVT FEATURE ON")
	} else {
		a.out.Push("EVT FEATURE OFF")
	}
	return nil
}

// SetSensitivity clamps and stores the multiplier, writes it to the
// settings document when powered and registered, and returns the stored
// value. SENS_APPLIED follows once that is done.
func (a *Arbiter) SetSensitivity(v float64) (float64, error) {
	a.mu.Lock()
	v = a.clamp(v)
	a.sens = v
	reg, registered, power := a.reg, a.registered, a.power.Load()
	a.mu.Unlock()

	hwID := ""
	if registered {
		hwID = reg.HardwareID
	}
	job := func(ctx context.Context) {
		if a.persist != nil && hwID != "" {
			if err := a.persist.Remember(hwID, v); err != nil {
				a.log.Warn("remember sensitivity", "error", err)
			}
			if power {
				if err := a.persist.Apply(ctx, v); err != nil {
					a.log.Warn("apply sensitivity", "error", err)
					a.out.Eventf("ERROR SET_SENS %v", err)
					return
				}
			}
		}
		a.out.Eventf("SENS_APPLIED %.3f", v)
	}
	a.submit([]Job{job})
	return v, nil
}

// Reset returns to the pre-registration state: lock released with the
// cooldown cleared, power and feature off, registration and scan cleared,
// default multiplier. Recovery state and reserved mappings are removed in
// the background.
func (a *Arbiter) Reset() error {
	a.mu.Lock()
	a.feature.Store(false)
	a.power.Store(false)
	a.stepLocked(lock.Release(a.now(), true))
	hwID := ""
	if a.registered {
		hwID = a.reg.HardwareID
	}
	a.reg = Registration{}
	a.registered = false
	a.pending = ""
	a.engine.Reset()
	a.scanning.Store(true)
	a.filter.SetScope(nil)
	a.sens = a.clamp(a.defaultSens)
	a.mu.Unlock()

	a.log.Info("reset", "hardware_id", hwID)
	a.out.Push("EVT RESET")
	a.out.Eventf("SCAN_PROGRESS %.1f", 0.0)

	if a.persist == nil {
		return nil
	}
	job := func(ctx context.Context) {
		if err := a.persist.Forget(ctx, hwID); err != nil {
			a.log.Warn("reset settings", "error", err)
			a.out.Eventf("ERROR RESET %v", err)
		}
	}
	a.submit([]Job{job})
	return nil
}

// Accept registers the pending confirm-mode candidate.
func (a *Arbiter) Accept() error {
	var jobs []Job
	a.mu.Lock()
	if !a.scanning.Load() || a.engine.Mode() != scan.ModeConfirm {
		a.mu.Unlock()
		return ErrNotScanning
	}
	h, ok := a.engine.Accept()
	if !ok {
		a.mu.Unlock()
		return ErrNoCandidate
	}
	a.selectLocked(h, store.SourceConfirm, &jobs)
	a.mu.Unlock()

	a.submit(jobs)
	return nil
}

// Reject drops the pending candidate; scanning continues with the other
// devices.
func (a *Arbiter) Reject() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.scanning.Load() || a.engine.Mode() != scan.ModeConfirm {
		return ErrNotScanning
	}
	h, ok := a.engine.Reject()
	if !ok {
		return ErrNoCandidate
	}
	a.log.Info("candidate rejected", "handle", h)
	return nil
}
