package device

import (
	"sort"
	"sync"
	"time"
)

// EventType indicates what happened to a device node.
type EventType int

const (
	Connected EventType = iota
	Disconnected
)

func (t EventType) String() string {
	if t == Disconnected {
		return "disconnected"
	}
	return "connected"
}

// Change records a node being attached or detached.
type Change struct {
	At   time.Time
	Info Info
	Type EventType
}

// Tracker is the registry of open device nodes. It assigns handles, resolves
// them to hardware identifiers and keeps a bounded history of changes.
type Tracker struct {
	mu      sync.RWMutex
	next    Handle
	byPath  map[string]Handle
	devices map[Handle]Info
	changes []Change
	limit   int
	now     func() time.Time
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		byPath:  make(map[string]Handle),
		devices: make(map[Handle]Info),
		limit:   256,
		now:     time.Now,
	}
}

// Attach registers a node and returns it with its handle assigned. Attaching
// a path that is already registered returns the existing record.
func (t *Tracker) Attach(info Info) Info {
	t.mu.Lock()
	defer t.mu.Unlock()

	if h, ok := t.byPath[info.Path]; ok && info.Path != "" {
		return t.devices[h]
	}
	t.next++
	info.Handle = t.next
	if info.HardwareID == "" {
		info.HardwareID = DeriveHardwareID(info.Vendor, info.Product, info.Phys, info.Uniq, info.SysPath)
	}
	t.byPath[info.Path] = info.Handle
	t.devices[info.Handle] = info
	t.record(info, Connected)
	return info
}

// Detach removes a node by path. The boolean is false if it was unknown.
func (t *Tracker) Detach(path string) (Info, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, ok := t.byPath[path]
	if !ok {
		return Info{}, false
	}
	info := t.devices[h]
	delete(t.byPath, path)
	delete(t.devices, h)
	t.record(info, Disconnected)
	return info, true
}

func (t *Tracker) record(info Info, typ EventType) {
	t.changes = append(t.changes, Change{At: t.now(), Info: info, Type: typ})
	if len(t.changes) > t.limit {
		t.changes = append(t.changes[:0], t.changes[len(t.changes)-t.limit:]...)
	}
}

// Resolve returns the hardware identifier of h, or "" when the handle is
// unknown or has no identifier.
func (t *Tracker) Resolve(h Handle) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.devices[h].HardwareID
}

// Lookup returns the record for h.
func (t *Tracker) Lookup(h Handle) (Info, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	info, ok := t.devices[h]
	return info, ok
}

// Devices returns the open nodes ordered by handle.
func (t *Tracker) Devices() []Info {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Info, 0, len(t.devices))
	for _, info := range t.devices {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out
}

// Groups returns the open nodes grouped by hardware identifier.
func (t *Tracker) Groups() []Group {
	return GroupInfos(t.Devices())
}

// Changes returns a copy of the recorded history.
func (t *Tracker) Changes() []Change {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Change(nil), t.changes...)
}
