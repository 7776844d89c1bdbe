package platform

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	evdev "github.com/holoplot/go-evdev"

	"dualsens/internal/device"
	"dualsens/internal/logging"
	"dualsens/internal/motion"
)

// Nodes appear before udev has applied permissions.
const (
	openRetries = 5
	openBackoff = 100 * time.Millisecond
)

type node struct {
	dev     *evdev.InputDevice
	info    device.Info
	grabbed bool
}

// evdevSource reads every pointer node under the input directory.
type evdevSource struct {
	cfg     Config
	log     *logging.Logger
	tracker *device.Tracker

	mu      sync.Mutex
	nodes   map[string]*node
	started bool
	closed  bool
	sink    func(motion.Event)
	changed func([]device.Info)

	// grab decides per node while the suppression hook is engaged.
	grab func(device.Handle) bool

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func newSource(cfg Config) *evdevSource {
	return &evdevSource{
		cfg:     cfg,
		log:     cfg.Logger.WithComponent("evdev"),
		tracker: device.NewTracker(),
		nodes:   make(map[string]*node),
	}
}

// Start opens the current pointer nodes and, when enabled, watches the
// input directory for hotplug.
func (s *evdevSource) Start(ctx context.Context, sink func(motion.Event), changed func([]device.Info)) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.started {
		s.mu.Unlock()
		return errors.New("platform: source already started")
	}
	s.started = true
	s.sink, s.changed = sink, changed
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	paths, err := eventPaths(s.cfg.InputDir)
	if err != nil {
		return err
	}

	if s.cfg.Hotplug {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("create hotplug watcher: %w", err)
		}
		if err := w.Add(s.cfg.InputDir); err != nil {
			w.Close()
			return fmt.Errorf("watch %s: %w", s.cfg.InputDir, err)
		}
		s.watcher = w
		s.wg.Add(1)
		go s.watchLoop(ctx)
	}

	for _, p := range paths {
		s.add(ctx, p, false)
	}
	s.notify()

	if len(s.Devices()) == 0 && !s.cfg.Hotplug {
		return fmt.Errorf("platform: no readable pointer devices in %s", s.cfg.InputDir)
	}
	return nil
}

func eventPaths(dir string) ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "event*"))
	if err != nil {
		return nil, fmt.Errorf("list input devices: %w", err)
	}
	slices.Sort(paths)
	return paths, nil
}

// add opens path and starts its reader when it is a pointer node. It
// reports whether a node was added.
func (s *evdevSource) add(ctx context.Context, path string, retry bool) bool {
	var dev *evdev.InputDevice
	var err error
	attempts := 1
	if retry {
		attempts = openRetries
	}
	for i := 0; i < attempts; i++ {
		if dev, err = evdev.Open(path); err == nil || !os.IsPermission(err) {
			break
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(openBackoff):
		}
	}
	if err != nil {
		if os.IsPermission(err) {
			s.log.Warn("no permission to read input device; add the user to the input group", "path", path)
		} else {
			s.log.Debug("skip input device", "path", path, "error", err)
		}
		return false
	}

	info, ok := describe(dev, path)
	if !ok || info.Name == s.cfg.VirtualName {
		dev.Close()
		return false
	}

	s.mu.Lock()
	if s.closed || s.nodes[path] != nil {
		s.mu.Unlock()
		dev.Close()
		return false
	}
	info = s.tracker.Attach(info)
	n := &node{dev: dev, info: info}
	s.nodes[path] = n
	if s.grab != nil && s.grab(info.Handle) {
		s.grabLocked(n, true)
	}
	s.mu.Unlock()

	s.log.Info("pointer attached", "path", path, "name", info.Name, "hardware_id", info.HardwareID, "handle", info.Handle)
	s.wg.Add(1)
	go s.readLoop(ctx, n)
	return true
}

// remove closes the node at path. It reports whether one was open.
func (s *evdevSource) remove(path string) bool {
	s.mu.Lock()
	n := s.nodes[path]
	if n == nil {
		s.mu.Unlock()
		return false
	}
	delete(s.nodes, path)
	s.tracker.Detach(path)
	s.mu.Unlock()

	n.dev.Close()
	s.log.Info("pointer detached", "path", path, "handle", n.info.Handle)
	return true
}

func (s *evdevSource) notify() {
	s.mu.Lock()
	changed := s.changed
	s.mu.Unlock()
	if changed != nil {
		changed(s.Devices())
	}
}

// readLoop delivers one node's frames until the node is closed.
func (s *evdevSource) readLoop(ctx context.Context, n *node) {
	defer s.wg.Done()

	var f frame
	for {
		ev, err := n.dev.ReadOne()
		if err != nil {
			if ctx.Err() == nil && s.remove(n.info.Path) {
				s.log.Warn("input device read failed", "path", n.info.Path, "error", err)
				s.notify()
			}
			return
		}
		dx, dy, ok := f.add(ev.Type, ev.Code, ev.Value)
		if !ok {
			continue
		}
		s.sink(motion.Event{Handle: n.info.Handle, DX: dx, DY: dy, At: time.Now()})
	}
}

func (s *evdevSource) watchLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasPrefix(filepath.Base(event.Name), "event") {
				continue
			}
			switch {
			case event.Op&fsnotify.Create != 0:
				if s.add(ctx, event.Name, true) {
					s.notify()
				}
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				if s.remove(event.Name) {
					s.notify()
				}
			}

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn("hotplug watch", "error", err)
		}
	}
}

// Devices returns the open pointer nodes.
func (s *evdevSource) Devices() []device.Info {
	return s.tracker.Devices()
}

// Close stops every reader and the hotplug watch.
func (s *evdevSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.cancel != nil {
		s.cancel()
	}
	nodes := s.nodes
	s.nodes = make(map[string]*node)
	s.mu.Unlock()

	var errs []error
	if s.watcher != nil {
		errs = append(errs, s.watcher.Close())
	}
	for _, n := range nodes {
		if n.grabbed {
			n.dev.Ungrab()
		}
		errs = append(errs, n.dev.Close())
	}
	s.wg.Wait()
	return errors.Join(errs...)
}

// setGrab grabs the nodes want selects and ungrabs the rest. A nil want
// releases every node.
func (s *evdevSource) setGrab(want func(device.Handle) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grab = want
	for _, n := range s.nodes {
		s.grabLocked(n, want != nil && want(n.info.Handle))
	}
}

func (s *evdevSource) grabLocked(n *node, want bool) {
	if n.grabbed == want {
		return
	}
	var err error
	if want {
		err = n.dev.Grab()
	} else {
		err = n.dev.Ungrab()
	}
	if err != nil {
		s.log.Warn("grab input device", "path", n.info.Path, "grab", want, "error", err)
		return
	}
	n.grabbed = want
}

// describe reads a node's identity. It reports false for nodes that are
// not relative pointers with a left button.
func describe(dev *evdev.InputDevice, path string) (device.Info, bool) {
	if !isPointer(dev) {
		return device.Info{}, false
	}
	info := device.Info{Path: path}
	info.Name, _ = dev.Name()
	info.Phys, _ = dev.PhysicalLocation()
	info.Uniq, _ = dev.UniqueID()
	if id, err := dev.InputID(); err == nil {
		info.Vendor = id.Vendor
		info.Product = id.Product
		info.Connection = device.BusConnection(id.BusType)
	}
	if sys, err := filepath.EvalSymlinks(filepath.Join("/sys/class/input", filepath.Base(path), "device")); err == nil {
		info.SysPath = sys
	}
	return info, true
}

func isPointer(dev *evdev.InputDevice) bool {
	if !slices.Contains(dev.CapableTypes(), evdev.EV_REL) {
		return false
	}
	rel := dev.CapableEvents(evdev.EV_REL)
	if !slices.Contains(rel, evdev.REL_X) || !slices.Contains(rel, evdev.REL_Y) {
		return false
	}
	return slices.Contains(dev.CapableEvents(evdev.EV_KEY), evdev.BTN_LEFT)
}
