// Package motion defines the relative motion event delivered by platform
// sources and the helpers that interpret its raw payload.
package motion

import (
	"time"

	"dualsens/internal/device"
)

// Event is one relative motion report from a device node.
type Event struct {
	Handle device.Handle

	// DX and DY are the deltas as delivered, after any platform acceleration.
	DX, DY int32

	// Raw optionally carries pre-acceleration deltas packed as two signed
	// 16-bit halves: X in the low half, Y in the high half. Zero means the
	// source has none.
	Raw uint32

	// Absolute marks absolute-coordinate reports (tablets, VMs).
	Absolute bool

	At time.Time
}

// PackRaw packs x and y into a raw payload.
func PackRaw(x, y int16) uint32 {
	return uint32(uint16(x)) | uint32(uint16(y))<<16
}

// DecodeRaw unpacks a raw payload.
func DecodeRaw(raw uint32) (x, y int16) {
	return int16(uint16(raw)), int16(uint16(raw >> 16))
}

// Presence returns the deltas used to decide whether the device moved and by
// how much: the raw payload when present, otherwise the delivered deltas.
func (e Event) Presence() (dx, dy int32) {
	if e.Raw != 0 {
		x, y := DecodeRaw(e.Raw)
		return int32(x), int32(y)
	}
	return e.DX, e.DY
}

// Magnitude is the Manhattan length of Presence.
func (e Event) Magnitude() int64 {
	dx, dy := e.Presence()
	return abs(int64(dx)) + abs(int64(dy))
}

// Relevant reports whether the event takes part in arbitration: relative and
// with a non-zero presence delta.
func (e Event) Relevant() bool {
	if e.Absolute {
		return false
	}
	dx, dy := e.Presence()
	return dx != 0 || dy != 0
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
