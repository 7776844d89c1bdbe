package suppress

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dualsens/internal/device"
)

type fakeHook struct {
	installErr  error
	installed   int
	uninstalled int
}

func (h *fakeHook) Install(*Filter) error {
	if h.installErr != nil {
		return h.installErr
	}
	h.installed++
	return nil
}

func (h *fakeHook) Uninstall() error {
	h.uninstalled++
	return nil
}

func TestDiscard(t *testing.T) {
	f := New()
	physical := Notification{Handle: 1}
	injected := Notification{Handle: 1, Injected: true}

	assert.False(t, f.Discard(physical), "inactive filter passes everything")

	f.Engage()
	assert.True(t, f.Discard(physical))
	assert.False(t, f.Discard(injected), "injected events always pass")

	f.SetScope([]device.Handle{1, 2})
	assert.True(t, f.Discard(Notification{Handle: 2}))
	assert.False(t, f.Discard(Notification{Handle: 3}), "out-of-scope device passes")

	f.Disengage()
	assert.False(t, f.Discard(physical))
}

func TestDiscardDoesNotAllocate(t *testing.T) {
	f := New()
	f.SetScope([]device.Handle{4, 5})
	f.Engage()
	n := Notification{Handle: 5}
	allocs := testing.AllocsPerRun(1000, func() { f.Discard(n) })
	assert.Zero(t, allocs)
}

func TestWatchersSeeEdgesOnly(t *testing.T) {
	f := New()
	var seen []bool
	f.Watch(func(active bool, _ []device.Handle) { seen = append(seen, active) })

	f.Engage()
	f.Engage()
	f.Disengage()
	f.Disengage()
	f.SetScope([]device.Handle{9})

	assert.Equal(t, []bool{true, false}, seen)

	f.Engage()
	f.SetScope([]device.Handle{8})
	assert.Equal(t, []bool{true, false, true, true}, seen)
}

func TestInstallUninstall(t *testing.T) {
	f := New()
	h := &fakeHook{}

	require.NoError(t, f.Install(h))
	require.NoError(t, f.Install(h))
	assert.Equal(t, 1, h.installed)

	f.Engage()
	require.NoError(t, f.Uninstall())
	assert.False(t, f.Active(), "uninstall clears the flag")
	assert.ErrorIs(t, f.Uninstall(), ErrNotInstalled)
}

func TestInstallFailure(t *testing.T) {
	f := New()
	boom := errors.New("no permission")
	err := f.Install(&fakeHook{installErr: boom})
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, f.Uninstall(), ErrNotInstalled)
}
