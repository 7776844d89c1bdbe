package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	mouseID = `HID\VID_046D&PID_C52B\usb-0000:00:14.0-2`
	ballID  = `HID\VID_1532&PID_0084\usb-0000:00:14.0-3`
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "registry.db"), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	clock := time.Unix(1700000000, 0)
	s.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return s
}

func TestOpenCreatesDirectory(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "a", "b", "registry.db"), time.Second)
	require.NoError(t, err)
	assert.NoError(t, s.Ping(context.Background()))
	assert.NoError(t, s.Close())
	assert.Error(t, s.Ping(context.Background()))
}

func TestCloseNilDB(t *testing.T) {
	s := &Store{}
	assert.NoError(t, s.Close())
}

func TestRecordRegistration(t *testing.T) {
	s := openTest(t)

	require.NoError(t, s.RecordRegistration(mouseID, "Office Mouse", SourceScan))
	require.NoError(t, s.RecordRegistration(ballID, "Trackball", SourceConfirm))
	require.NoError(t, s.RecordRegistration(mouseID, "", SourceRestore))

	devices, err := s.Devices()
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, mouseID, devices[0].HardwareID, "most recent first")
	assert.Equal(t, "Office Mouse", devices[0].Name, "empty name keeps the stored one")
	assert.True(t, devices[0].LastRegistered.After(devices[0].FirstSeen))

	history, err := s.History(mouseID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, SourceScan, history[0].Source)
	assert.Equal(t, SourceRestore, history[1].Source)

	assert.Error(t, s.RecordRegistration("", "x", SourceScan))
}

func TestSensitivity(t *testing.T) {
	s := openTest(t)

	_, ok, err := s.Sensitivity(mouseID)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, s.SetSensitivity(mouseID, 2), ErrUnknownDevice)

	require.NoError(t, s.RecordRegistration(mouseID, "Office Mouse", SourceScan))
	_, ok, err = s.Sensitivity(mouseID)
	require.NoError(t, err)
	assert.False(t, ok, "registered without a stored multiplier")

	require.NoError(t, s.SetSensitivity(mouseID, 2.5))
	v, ok, err := s.Sensitivity(mouseID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2.5, v)
}

func TestForget(t *testing.T) {
	s := openTest(t)
	require.NoError(t, s.RecordRegistration(mouseID, "Office Mouse", SourceScan))
	require.NoError(t, s.SetSensitivity(mouseID, 4))

	require.NoError(t, s.Forget(mouseID))
	require.NoError(t, s.Forget(ballID))

	devices, err := s.Devices()
	require.NoError(t, err)
	assert.Empty(t, devices)

	history, err := s.History(mouseID)
	require.NoError(t, err)
	assert.Empty(t, history, "history cascades with the device")
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.db")
	s, err := Open(path, time.Second)
	require.NoError(t, err)
	require.NoError(t, s.RecordRegistration(mouseID, "Office Mouse", SourceScan))
	require.NoError(t, s.SetSensitivity(mouseID, 0.5))
	require.NoError(t, s.Close())

	s, err = Open(path, time.Second)
	require.NoError(t, err)
	defer s.Close()
	v, ok, err := s.Sensitivity(mouseID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0.5, v)
}
