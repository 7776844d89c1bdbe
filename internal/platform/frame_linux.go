package platform

import (
	evdev "github.com/holoplot/go-evdev"
)

// frame accumulates relative deltas between SYN_REPORTs.
type frame struct {
	dx, dy  int32
	dropped bool
}

// add feeds one kernel event. It returns the deltas and true when a
// SYN_REPORT completes a frame with motion.
func (f *frame) add(typ evdev.EvType, code evdev.EvCode, value int32) (dx, dy int32, ok bool) {
	switch typ {
	case evdev.EV_REL:
		if f.dropped {
			return 0, 0, false
		}
		switch code {
		case evdev.REL_X:
			f.dx += value
		case evdev.REL_Y:
			f.dy += value
		}

	case evdev.EV_SYN:
		switch code {
		case evdev.SYN_DROPPED:
			f.dx, f.dy, f.dropped = 0, 0, true
		case evdev.SYN_REPORT:
			if f.dropped {
				f.dropped = false
				return 0, 0, false
			}
			dx, dy = f.dx, f.dy
			f.dx, f.dy = 0, 0
			return dx, dy, dx != 0 || dy != 0
		}
	}
	return 0, 0, false
}
