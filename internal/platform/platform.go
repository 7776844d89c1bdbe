// Package platform connects the arbiter to the operating system: a Source
// delivering relative motion per device node, an Injector synthesizing the
// held button, and a suppression hook.
package platform

import (
	"context"
	"errors"
	"time"

	"dualsens/internal/device"
	"dualsens/internal/logging"
	"dualsens/internal/motion"
	"dualsens/internal/suppress"
)

var (
	// ErrUnsupported is returned where no input backend exists.
	ErrUnsupported = errors.New("platform: input capture is not supported on this system")

	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("platform: source closed")
)

// Source delivers motion from every pointer node. sink is called from one
// goroutine per node; changed is called with the full node list whenever a
// node appears or disappears.
type Source interface {
	Start(ctx context.Context, sink func(motion.Event), changed func([]device.Info)) error
	Devices() []device.Info
	Close() error
}

// Injector synthesizes pointer input.
type Injector interface {
	Press() error
	Release() error
	Move(dx, dy int32) error
	Close() error
}

// Config configures the backend.
type Config struct {
	InputDir    string
	UinputPath  string
	VirtualName string
	Hotplug     bool
	Logger      *logging.Logger
}

func (c *Config) setDefaults() {
	if c.InputDir == "" {
		c.InputDir = "/dev/input"
	}
	if c.UinputPath == "" {
		c.UinputPath = "/dev/uinput"
	}
	if c.VirtualName == "" {
		c.VirtualName = "dualsens virtual pointer"
	}
	if c.Logger == nil {
		c.Logger = logging.Discard()
	}
}

// Backend bundles the adapters of one platform.
type Backend struct {
	Source   Source
	Injector Injector
	Hook     suppress.Hook
}

// Open creates the backend for the running platform. The injector is
// created first so its node exists before the source enumerates.
func Open(cfg Config) (*Backend, error) {
	cfg.setDefaults()
	return open(cfg)
}

// Close releases the source and the injector.
func (b *Backend) Close() error {
	var errs []error
	if b.Source != nil {
		errs = append(errs, b.Source.Close())
	}
	if b.Injector != nil {
		errs = append(errs, b.Injector.Close())
	}
	return errors.Join(errs...)
}

// Enumerate lists the pointer nodes without reading them.
func Enumerate(cfg Config) ([]device.Info, error) {
	cfg.setDefaults()
	return enumerate(cfg)
}

// DoubleClickInterval returns the desktop double-click interval, or the
// platform fallback when it cannot be read.
func DoubleClickInterval(ctx context.Context) time.Duration {
	if d, err := doubleClickInterval(ctx); err == nil && d > 0 {
		return d
	}
	return fallbackDoubleClick
}
