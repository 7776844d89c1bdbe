package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dualsens/internal/config"
	"dualsens/internal/device"
	"dualsens/internal/platform"
	"dualsens/internal/settings"
	"dualsens/internal/store"
)

func TestCollectDevices(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Storage.Path = filepath.Join(dir, "registry.db")
	cfg.Settings.Path = filepath.Join(dir, "settings.json")

	doc, err := settings.BindDevice([]byte(settingsDoc), cfg.Sensitivity.ProfileName, hwA, "Mouse A")
	require.NoError(t, err)
	doc, err = settings.ApplySensitivity(doc, cfg.Sensitivity.ProfileName, 1.5)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(cfg.Settings.Path, doc, 0o600))

	reg, err := store.Open(cfg.Storage.Path, time.Second)
	require.NoError(t, err)
	require.NoError(t, reg.RecordRegistration(hwA, "Mouse A", store.SourceScan))
	require.NoError(t, reg.SetSensitivity(hwA, 0.5))
	require.NoError(t, reg.Close())

	enumerate := func(platform.Config) ([]device.Info, error) {
		return []device.Info{
			{Handle: 3, Name: "Mouse A", Path: "/dev/input/event3", HardwareID: hwA},
			{Handle: 4, Name: "Mouse A", Path: "/dev/input/event4", HardwareID: hwA},
			{Handle: 5, Name: "Trackpad", Path: "/dev/input/event5"},
		}, nil
	}
	report, err := collectDevices(cfg, "", true, enumerate)
	require.NoError(t, err)

	require.Len(t, report.Connected, 2)
	assert.Equal(t, "", report.Connected[0].HardwareID)
	assert.Equal(t, hwA, report.Connected[1].HardwareID)
	assert.Len(t, report.Connected[1].Nodes, 2)

	require.Len(t, report.Known, 1)
	assert.Equal(t, 0.5, report.Known[0].Sensitivity)
	require.Len(t, report.Known[0].History, 1)
	assert.Equal(t, store.SourceScan, report.Known[0].History[0].Source)

	require.NotNil(t, report.Settings)
	assert.Equal(t, 1.5, report.Settings.Sensitivity)
	assert.Equal(t, []settings.Mapping{
		{Name: "Mouse A", Profile: cfg.Sensitivity.ProfileName, ID: hwA},
	}, report.Settings.Bindings)

	var buf bytes.Buffer
	printDevices(&buf, report)
	assert.Contains(t, buf.String(), "(no hardware id)")
	assert.Contains(t, buf.String(), "Sensitivity: 0.500")
	assert.Contains(t, buf.String(), "Bound:       Mouse A ("+hwA+")")
}

func TestCollectDevicesUnsupported(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Storage.Path = filepath.Join(t.TempDir(), "missing.db")
	cfg.Settings.Path = filepath.Join(t.TempDir(), "missing.json")

	report, err := collectDevices(cfg, "", false, func(platform.Config) ([]device.Info, error) {
		return nil, platform.ErrUnsupported
	})
	require.NoError(t, err)
	assert.Empty(t, report.Connected)
	assert.Nil(t, report.Known)
	assert.Nil(t, report.Settings)
	assert.Equal(t, platform.ErrUnsupported.Error(), report.Error)
}
