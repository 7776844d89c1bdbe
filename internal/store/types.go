package store

import "time"

// Source records how a device came to be registered.
type Source string

const (
	SourceScan    Source = "scan"
	SourceConfirm Source = "confirm"
	SourceRestore Source = "restore"
)

// Device is one known pointing device.
type Device struct {
	HardwareID     string
	Name           string
	FirstSeen      time.Time
	LastRegistered time.Time
	// Sensitivity is the last multiplier stored for the device; zero when
	// none was set.
	Sensitivity float64
}

// Registration is one entry of the registration history.
type Registration struct {
	ID           int64
	HardwareID   string
	RegisteredAt time.Time
	Source       Source
}
