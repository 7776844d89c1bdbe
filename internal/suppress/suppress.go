// Package suppress holds the flag that hides the registered device's
// physical motion while the lock is held, and the hook registration that
// enforces it at the platform layer.
package suppress

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"dualsens/internal/device"
)

// ErrNotInstalled is returned by Uninstall when no hook is installed.
var ErrNotInstalled = errors.New("suppress: hook not installed")

// Notification is what a platform hook knows about one event.
type Notification struct {
	Handle   device.Handle
	Injected bool
}

// Hook enforces the filter at the platform layer. Install is called once;
// the hook consults Discard or Watch for the current decision.
type Hook interface {
	Install(f *Filter) error
	Uninstall() error
}

type scope struct {
	handles []device.Handle
}

// Filter decides whether a physical event is discarded. Discard is safe to
// call from input callbacks: it takes no lock and does not allocate.
type Filter struct {
	active atomic.Bool
	scope  atomic.Pointer[scope]

	mu       sync.Mutex
	watchers []func(active bool, handles []device.Handle)
	hook     Hook
}

// New returns an inactive filter with an empty scope.
func New() *Filter {
	f := &Filter{}
	f.scope.Store(&scope{})
	return f
}

// Discard reports whether the event must not reach the system: the flag is
// set, the event is physical, and it comes from a scoped handle. An empty
// scope matches every handle.
func (f *Filter) Discard(n Notification) bool {
	if !f.active.Load() || n.Injected {
		return false
	}
	s := f.scope.Load()
	if len(s.handles) == 0 {
		return true
	}
	for _, h := range s.handles {
		if h == n.Handle {
			return true
		}
	}
	return false
}

// Active reports the flag.
func (f *Filter) Active() bool { return f.active.Load() }

// Scope returns the scoped handles.
func (f *Filter) Scope() []device.Handle {
	return append([]device.Handle(nil), f.scope.Load().handles...)
}

// Engage sets the flag. It is a no-op when already set.
func (f *Filter) Engage() {
	if f.active.CompareAndSwap(false, true) {
		f.notify(true)
	}
}

// Disengage clears the flag. It is a no-op when already clear.
func (f *Filter) Disengage() {
	if f.active.CompareAndSwap(true, false) {
		f.notify(false)
	}
}

// SetScope replaces the handles the filter applies to. Watchers are told
// when the filter is active so source-level enforcement can follow.
func (f *Filter) SetScope(handles []device.Handle) {
	f.scope.Store(&scope{handles: append([]device.Handle(nil), handles...)})
	if f.active.Load() {
		f.notify(true)
	}
}

// Watch registers fn to be called on every engage, disengage, and scope
// change while engaged.
func (f *Filter) Watch(fn func(active bool, handles []device.Handle)) {
	f.mu.Lock()
	f.watchers = append(f.watchers, fn)
	f.mu.Unlock()
}

func (f *Filter) notify(active bool) {
	handles := f.scope.Load().handles
	f.mu.Lock()
	watchers := f.watchers
	f.mu.Unlock()
	for _, fn := range watchers {
		fn(active, handles)
	}
}

// Install registers h. Failure leaves the filter without a hook.
func (f *Filter) Install(h Hook) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hook != nil {
		return nil
	}
	if err := h.Install(f); err != nil {
		return fmt.Errorf("install suppression hook: %w", err)
	}
	f.hook = h
	return nil
}

// Uninstall clears the flag and removes the hook.
func (f *Filter) Uninstall() error {
	f.Disengage()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hook == nil {
		return ErrNotInstalled
	}
	err := f.hook.Uninstall()
	f.hook = nil
	return err
}
