// Package device models connected pointing devices: session handles, stable
// hardware identifiers, and grouping of nodes that belong to one device.
package device

import (
	"fmt"
	"sort"
	"strings"
)

// Handle identifies an opened device node for the lifetime of the process.
// Zero is never assigned.
type Handle uint64

// String renders the handle for logs and events.
func (h Handle) String() string {
	return fmt.Sprintf("0x%04X", uint64(h))
}

// ConnectionType indicates how the device is attached.
type ConnectionType int

const (
	ConnectionUnknown ConnectionType = iota
	ConnectionUSB
	ConnectionBluetooth
	ConnectionPS2
	ConnectionInternal
	ConnectionVirtual
)

// String returns the connection type as a string.
func (ct ConnectionType) String() string {
	switch ct {
	case ConnectionUSB:
		return "USB"
	case ConnectionBluetooth:
		return "Bluetooth"
	case ConnectionPS2:
		return "PS/2"
	case ConnectionInternal:
		return "Internal"
	case ConnectionVirtual:
		return "Virtual"
	default:
		return "Unknown"
	}
}

// IsPhysical reports whether the connection is real hardware.
func (ct ConnectionType) IsPhysical() bool {
	switch ct {
	case ConnectionUSB, ConnectionBluetooth, ConnectionPS2, ConnectionInternal:
		return true
	default:
		return false
	}
}

// BusConnection maps a Linux input bus number (BUS_* in input.h) to a
// connection type.
func BusConnection(bus uint16) ConnectionType {
	switch bus {
	case 0x03:
		return ConnectionUSB
	case 0x05:
		return ConnectionBluetooth
	case 0x11:
		return ConnectionPS2
	case 0x18, 0x19:
		return ConnectionInternal
	case 0x06:
		return ConnectionVirtual
	default:
		return ConnectionUnknown
	}
}

// Info describes one opened device node.
type Info struct {
	Handle Handle `json:"handle"`

	// Name is the product string reported by the device.
	Name string `json:"name"`

	// Path is the node the platform reads, e.g. /dev/input/event7.
	Path string `json:"path"`

	// Phys, Uniq and SysPath are the raw platform location strings the
	// hardware identifier is derived from.
	Phys    string `json:"phys,omitempty"`
	Uniq    string `json:"uniq,omitempty"`
	SysPath string `json:"sys_path,omitempty"`

	Vendor     uint16         `json:"vendor"`
	Product    uint16         `json:"product"`
	Connection ConnectionType `json:"connection"`

	// HardwareID is empty when no identifier could be derived.
	HardwareID string `json:"hardware_id"`
}

// DeriveHardwareID builds the persistable identifier for a device:
//
//	HID\VID_046D&PID_C52B\usb-0000:00:14.0-2
//
// The location part is the physical path with its trailing "/inputN"
// removed, so sibling nodes of one device share an identifier. Uniq and the
// sysfs path are fallbacks. The result is empty when nothing locates the
// device.
func DeriveHardwareID(vendor, product uint16, phys, uniq, sysPath string) string {
	loc := phys
	if i := strings.LastIndex(loc, "/input"); i > 0 {
		loc = loc[:i]
	}
	if loc == "" {
		loc = uniq
	}
	if loc == "" {
		loc = strings.TrimPrefix(sysPath, "/sys/devices/")
		if i := strings.LastIndex(loc, "/input/"); i > 0 {
			loc = loc[:i]
		}
	}
	if loc == "" {
		return ""
	}
	return fmt.Sprintf(`HID\VID_%04X&PID_%04X\%s`, vendor, product, loc)
}

// Group is the set of nodes sharing one hardware identifier.
type Group struct {
	HardwareID string
	Name       string
	Handles    []Handle
}

// Contains reports whether h belongs to the group.
func (g Group) Contains(h Handle) bool {
	for _, x := range g.Handles {
		if x == h {
			return true
		}
	}
	return false
}

// GroupInfos groups nodes by hardware identifier, sorted by identifier.
// Nodes without an identifier form singleton groups keyed by handle so they
// can still be selected for a session.
func GroupInfos(infos []Info) []Group {
	index := map[string]int{}
	var groups []Group
	for _, info := range infos {
		key := info.HardwareID
		if key == "" {
			key = "handle:" + info.Handle.String()
		}
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, Group{HardwareID: info.HardwareID, Name: info.Name})
		}
		groups[i].Handles = append(groups[i].Handles, info.Handle)
	}
	for i := range groups {
		sort.Slice(groups[i].Handles, func(a, b int) bool { return groups[i].Handles[a] < groups[i].Handles[b] })
	}
	sort.SliceStable(groups, func(a, b int) bool { return groups[a].HardwareID < groups[b].HardwareID })
	return groups
}

// FindGroup returns the group containing h.
func FindGroup(groups []Group, h Handle) (Group, bool) {
	for _, g := range groups {
		if g.Contains(h) {
			return g, true
		}
	}
	return Group{}, false
}

// FindByHardwareID returns the group with the given identifier, compared
// case-insensitively.
func FindByHardwareID(groups []Group, id string) (Group, bool) {
	if id == "" {
		return Group{}, false
	}
	for _, g := range groups {
		if strings.EqualFold(g.HardwareID, id) {
			return g, true
		}
	}
	return Group{}, false
}
