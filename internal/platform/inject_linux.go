package platform

import (
	"fmt"
	"sync"

	"github.com/bendahl/uinput"
)

// uinputInjector drives a virtual mouse. Its node carries the configured
// virtual name so the source never reads it back.
type uinputInjector struct {
	mu    sync.Mutex
	mouse uinput.Mouse
	down  bool
}

func newInjector(cfg Config) (*uinputInjector, error) {
	m, err := uinput.CreateMouse(cfg.UinputPath, []byte(cfg.VirtualName))
	if err != nil {
		return nil, fmt.Errorf("create virtual mouse on %s: %w", cfg.UinputPath, err)
	}
	return &uinputInjector{mouse: m}, nil
}

func (u *uinputInjector) Press() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.mouse.LeftPress(); err != nil {
		return fmt.Errorf("press: %w", err)
	}
	u.down = true
	return nil
}

func (u *uinputInjector) Release() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.mouse.LeftRelease(); err != nil {
		return fmt.Errorf("release: %w", err)
	}
	u.down = false
	return nil
}

func (u *uinputInjector) Move(dx, dy int32) error {
	if dx == 0 && dy == 0 {
		return nil
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.mouse.Move(dx, dy); err != nil {
		return fmt.Errorf("move: %w", err)
	}
	return nil
}

// Close releases a held button before destroying the device.
func (u *uinputInjector) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.down {
		u.mouse.LeftRelease()
		u.down = false
	}
	return u.mouse.Close()
}
