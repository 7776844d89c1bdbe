package logging

import (
	"sync/atomic"
	"time"
)

// Throttle admits at most one event per period. It is safe to call from
// input callbacks: Allow takes no lock and does not allocate.
type Throttle struct {
	period int64
	last   atomic.Int64
}

// NewThrottle returns a throttle admitting one event per period.
// A rate of 10 Hz is NewThrottle(100 * time.Millisecond).
func NewThrottle(period time.Duration) *Throttle {
	return &Throttle{period: int64(period)}
}

// Allow reports whether an event at now may pass.
func (t *Throttle) Allow(now time.Time) bool {
	ns := now.UnixNano()
	for {
		last := t.last.Load()
		if last != 0 && ns-last < t.period {
			return false
		}
		if t.last.CompareAndSwap(last, ns) {
			return true
		}
	}
}
