// Package lock implements the drag-lock state machine as a pure transition
// function. Callers own the Snapshot and apply the returned Effects.
//
//	IDLE ──registered motion──▶ LOCKED ──still ≥ StopToUnlock──▶ UNLOCKABLE
//	  ▲                           ▲                                  │
//	  │                           └────────registered motion─────────┤
//	  └──────────other-device motion ≥ Deadzone, or Force────────────┘
//
// Invariants: the button is held and suppression is engaged exactly when
// the state is not Idle.
package lock

import "time"

// State is the lock machine state.
type State int

const (
	Idle State = iota
	Locked
	Unlockable
)

func (s State) String() string {
	switch s {
	case Locked:
		return "LOCKED"
	case Unlockable:
		return "UNLOCKABLE"
	default:
		return "IDLE"
	}
}

// Params are the machine tunables.
type Params struct {
	// StopToUnlock is how long the registered device must be still before a
	// lock becomes releasable.
	StopToUnlock time.Duration

	// Deadzone is the minimum other-device magnitude that releases.
	Deadzone int64

	// Cooldown blocks re-locking after a release; normally the platform
	// double-click interval.
	Cooldown time.Duration
}

// DefaultParams returns the stock tunables with a 500 ms cooldown.
func DefaultParams() Params {
	return Params{
		StopToUnlock: 150 * time.Millisecond,
		Deadzone:     3,
		Cooldown:     500 * time.Millisecond,
	}
}

// Snapshot is the complete machine state.
type Snapshot struct {
	State         State
	LastMotion    time.Time
	CooldownUntil time.Time
}

// Held reports whether the synthesized button is down.
func (s Snapshot) Held() bool { return s.State != Idle }

// InputKind discriminates Input.
type InputKind uint8

const (
	// RegisteredMotion is relevant motion from the registered device.
	RegisteredMotion InputKind = iota + 1
	// OtherMotion is relevant motion from any other device.
	OtherMotion
	// IdleCheck is the periodic stillness check.
	IdleCheck
	// Force drives the machine to Idle (feature off, reset, shutdown).
	Force
)

// Input is one machine input. It is a flat value so stepping never
// allocates on the input path.
type Input struct {
	Kind InputKind
	At   time.Time

	// DX, DY are the registered device's delivered deltas.
	DX, DY int32

	// Magnitude is the other device's Manhattan magnitude.
	Magnitude int64

	// FeatureEnabled gates IDLE→LOCKED.
	FeatureEnabled bool

	// ClearCooldown, on Force, also cancels the cooldown deadline.
	ClearCooldown bool
}

// Registered builds a RegisteredMotion input.
func Registered(at time.Time, dx, dy int32, featureEnabled bool) Input {
	return Input{Kind: RegisteredMotion, At: at, DX: dx, DY: dy, FeatureEnabled: featureEnabled}
}

// Other builds an OtherMotion input.
func Other(at time.Time, magnitude int64) Input {
	return Input{Kind: OtherMotion, At: at, Magnitude: magnitude}
}

// Tick builds an IdleCheck input.
func Tick(at time.Time) Input {
	return Input{Kind: IdleCheck, At: at}
}

// Release builds a Force input.
func Release(at time.Time, clearCooldown bool) Input {
	return Input{Kind: Force, At: at, ClearCooldown: clearCooldown}
}

// Effects are the side effects of one step, applied in field order:
// Press, Suppress, Move, Release, Unsuppress.
type Effects struct {
	Press      bool
	Suppress   bool
	Move       bool
	DX, DY     int32
	Release    bool
	Unsuppress bool
}

// None reports whether the step had no side effects.
func (e Effects) None() bool { return e == Effects{} }

// Step applies in to s.
func Step(s Snapshot, in Input, p Params) (Snapshot, Effects) {
	switch in.Kind {
	case RegisteredMotion:
		switch s.State {
		case Idle:
			if !in.FeatureEnabled || in.At.Before(s.CooldownUntil) {
				return s, Effects{}
			}
			s.State = Locked
			s.LastMotion = in.At
			return s, Effects{Press: true, Suppress: true}
		default:
			// Suppression is already engaged, so the motion only reaches the
			// cursor through replay.
			s.State = Locked
			s.LastMotion = in.At
			return s, Effects{Move: true, DX: in.DX, DY: in.DY}
		}

	case IdleCheck:
		if s.State == Locked && in.At.Sub(s.LastMotion) >= p.StopToUnlock {
			s.State = Unlockable
		}
		return s, Effects{}

	case OtherMotion:
		if s.State == Unlockable && in.Magnitude >= p.Deadzone {
			return release(s, in.At, p)
		}
		return s, Effects{}

	case Force:
		var fx Effects
		if s.State != Idle {
			s, fx = release(s, in.At, p)
		}
		if in.ClearCooldown {
			s.CooldownUntil = time.Time{}
		}
		return s, fx
	}
	return s, Effects{}
}

func release(s Snapshot, at time.Time, p Params) (Snapshot, Effects) {
	s.State = Idle
	s.CooldownUntil = at.Add(p.Cooldown)
	return s, Effects{Release: true, Unsuppress: true}
}

// Firing reports a change of the held button between two states: on is the
// new value and changed is false when the button did not change.
func Firing(prev, next State) (on, changed bool) {
	was, is := prev != Idle, next != Idle
	return is, was != is
}
