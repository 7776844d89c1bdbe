package platform

import (
	"context"
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"
)

const (
	fallbackDoubleClick = 400 * time.Millisecond

	portalName     = "org.freedesktop.portal.Desktop"
	portalPath     = "/org/freedesktop/portal/desktop"
	portalRead     = "org.freedesktop.portal.Settings.Read"
	mouseNamespace = "org.gnome.desktop.peripherals.mouse"
	doubleClickKey = "double-click"
)

func doubleClickInterval(ctx context.Context) (time.Duration, error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		return 0, fmt.Errorf("connect to session bus: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	var v dbus.Variant
	obj := conn.Object(portalName, dbus.ObjectPath(portalPath))
	if err := obj.CallWithContext(ctx, portalRead, 0, mouseNamespace, doubleClickKey).Store(&v); err != nil {
		return 0, fmt.Errorf("read %s %s: %w", mouseNamespace, doubleClickKey, err)
	}
	return variantMillis(v)
}

// variantMillis unwraps the portal reply, which nests the value in a
// second variant.
func variantMillis(v dbus.Variant) (time.Duration, error) {
	for {
		inner, ok := v.Value().(dbus.Variant)
		if !ok {
			break
		}
		v = inner
	}
	var ms int64
	switch x := v.Value().(type) {
	case int32:
		ms = int64(x)
	case uint32:
		ms = int64(x)
	case int64:
		ms = x
	case uint64:
		ms = int64(x)
	default:
		return 0, fmt.Errorf("unexpected double-click value %s", v.Signature())
	}
	if ms <= 0 {
		return 0, fmt.Errorf("double-click interval %d ms", ms)
	}
	return time.Duration(ms) * time.Millisecond, nil
}
