// Package scan selects which device becomes the registered controller,
// either by majority of accumulated motion or by explicit confirmation.
//
// An Engine is not safe for concurrent use; the arbiter serializes access.
package scan

import (
	"fmt"
	"math"
	"strings"

	"dualsens/internal/device"
)

// Mode selects the registration strategy.
type Mode int

const (
	// ModeAuto registers the device that contributed most motion once the
	// combined motion reaches the threshold.
	ModeAuto Mode = iota
	// ModeConfirm proposes the first moving device and waits for Accept or
	// Reject.
	ModeConfirm
)

func (m Mode) String() string {
	if m == ModeConfirm {
		return "confirm"
	}
	return "auto"
}

// ParseMode parses "auto" or "confirm".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "auto":
		return ModeAuto, nil
	case "confirm":
		return ModeConfirm, nil
	default:
		return ModeAuto, fmt.Errorf("unknown scan mode: %s", s)
	}
}

// Accumulator sums motion magnitude per handle and tracks the leader. On a
// tie the handle that reached the value first keeps the lead.
type Accumulator struct {
	per    map[device.Handle]int64
	total  int64
	leader device.Handle
}

// Add accumulates magnitude for h.
func (a *Accumulator) Add(h device.Handle, magnitude int64) {
	if a.per == nil {
		a.per = make(map[device.Handle]int64)
	}
	a.per[h] += magnitude
	a.total += magnitude
	if a.leader == 0 || a.per[h] > a.per[a.leader] {
		a.leader = h
	}
}

// Total is the combined magnitude.
func (a *Accumulator) Total() int64 { return a.total }

// Of returns the magnitude accumulated for h.
func (a *Accumulator) Of(h device.Handle) int64 { return a.per[h] }

// Leader returns the handle with the largest individual accumulation.
func (a *Accumulator) Leader() device.Handle { return a.leader }

// Reset discards all accumulation.
func (a *Accumulator) Reset() {
	for h := range a.per {
		delete(a.per, h)
	}
	a.total = 0
	a.leader = 0
}

// Progress is the outcome of one observation.
type Progress struct {
	// Percent is min(100, total/threshold*100) in auto mode.
	Percent float64

	// Report is true when the whole-number percent changed, bounding the
	// progress event rate.
	Report bool

	// Selected is the winning handle when a scan completes.
	Selected device.Handle

	// Candidate is a newly proposed handle in confirm mode.
	Candidate device.Handle
}

// Engine runs one registration attempt at a time.
type Engine struct {
	mode      Mode
	threshold int64
	acc       Accumulator
	lastPct   int
	candidate device.Handle
	rejected  map[device.Handle]bool
}

// NewEngine creates an engine. A non-positive threshold is treated as 1.
func NewEngine(mode Mode, threshold int64) *Engine {
	if threshold <= 0 {
		threshold = 1
	}
	return &Engine{
		mode:      mode,
		threshold: threshold,
		lastPct:   -1,
		rejected:  make(map[device.Handle]bool),
	}
}

// Mode returns the engine's mode.
func (e *Engine) Mode() Mode { return e.mode }

// SetThreshold changes the auto-mode threshold for subsequent observations.
func (e *Engine) SetThreshold(threshold int64) {
	if threshold > 0 {
		e.threshold = threshold
	}
}

// Observe records motion of the given magnitude from h.
func (e *Engine) Observe(h device.Handle, magnitude int64) Progress {
	if magnitude <= 0 {
		return Progress{Percent: e.Percent()}
	}
	if e.mode == ModeConfirm {
		if e.candidate != 0 || e.rejected[h] {
			return Progress{}
		}
		e.candidate = h
		return Progress{Candidate: h}
	}

	e.acc.Add(h, magnitude)
	p := Progress{Percent: e.Percent()}
	if whole := int(math.Floor(p.Percent)); whole != e.lastPct {
		e.lastPct = whole
		p.Report = true
	}
	if p.Percent >= 100 {
		p.Selected = e.acc.Leader()
		e.Reset()
	}
	return p
}

// Percent is the current auto-mode progress.
func (e *Engine) Percent() float64 {
	return math.Min(100, float64(e.acc.Total())/float64(e.threshold)*100)
}

// Candidate returns the pending confirm-mode proposal.
func (e *Engine) Candidate() device.Handle { return e.candidate }

// Accept takes the pending candidate. The boolean is false when there is
// none.
func (e *Engine) Accept() (device.Handle, bool) {
	h := e.candidate
	if h == 0 {
		return 0, false
	}
	e.Reset()
	return h, true
}

// Reject drops the pending candidate; it will not be proposed again until
// Reset.
func (e *Engine) Reject() (device.Handle, bool) {
	h := e.candidate
	if h == 0 {
		return 0, false
	}
	e.rejected[h] = true
	e.candidate = 0
	return h, true
}

// Reset starts a fresh attempt.
func (e *Engine) Reset() {
	e.acc.Reset()
	e.lastPct = -1
	e.candidate = 0
	for h := range e.rejected {
		delete(e.rejected, h)
	}
}
