package platform

import (
	"sync/atomic"

	"dualsens/internal/device"
	"dualsens/internal/suppress"
)

// grabHook suppresses by grabbing the nodes the filter discards while it is
// engaged. A grabbed node still reaches our reader but no other client.
type grabHook struct {
	src       *evdevSource
	filter    *suppress.Filter
	installed atomic.Bool
}

func (h *grabHook) Install(f *suppress.Filter) error {
	if h.installed.Swap(true) {
		return nil
	}
	h.filter = f
	f.Watch(h.apply)
	return nil
}

func (h *grabHook) apply(active bool, _ []device.Handle) {
	if !h.installed.Load() {
		return
	}
	if !active {
		h.src.setGrab(nil)
		return
	}
	f := h.filter
	h.src.setGrab(func(handle device.Handle) bool {
		return f.Discard(suppress.Notification{Handle: handle})
	})
}

func (h *grabHook) Uninstall() error {
	h.installed.Store(false)
	h.src.setGrab(nil)
	return nil
}
