//go:build !linux

package platform

import (
	"context"
	"time"

	"dualsens/internal/device"
)

const fallbackDoubleClick = 500 * time.Millisecond

func open(cfg Config) (*Backend, error) {
	return nil, ErrUnsupported
}

func enumerate(cfg Config) ([]device.Info, error) {
	return nil, ErrUnsupported
}

func doubleClickInterval(ctx context.Context) (time.Duration, error) {
	return 0, ErrUnsupported
}
