package arbiter

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dualsens/internal/device"
	"dualsens/internal/lock"
	"dualsens/internal/motion"
	"dualsens/internal/scan"
	"dualsens/internal/store"
	"dualsens/internal/suppress"
)

const (
	hwA = `HID\VID_0001&PID_0001\usb-1`
	hwB = `HID\VID_0002&PID_0002\usb-2`
)

var base = time.Unix(1700000000, 0)

type fakeInjector struct {
	mu           sync.Mutex
	ops          []string
	panicOnPress bool
}

func (f *fakeInjector) record(op string) {
	f.mu.Lock()
	f.ops = append(f.ops, op)
	f.mu.Unlock()
}

func (f *fakeInjector) Press() error {
	f.record("press")
	if f.panicOnPress {
		panic("press failed")
	}
	return nil
}

func (f *fakeInjector) Release() error { f.record("release"); return nil }

func (f *fakeInjector) Move(dx, dy int32) error {
	f.record(fmt.Sprintf("move %d %d", dx, dy))
	return nil
}

func (f *fakeInjector) Ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...)
}

func (f *fakeInjector) count(op string) int {
	n := 0
	for _, o := range f.Ops() {
		if o == op {
			n++
		}
	}
	return n
}

type fakePersister struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (p *fakePersister) add(format string, args ...any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, fmt.Sprintf(format, args...))
	return p.err
}

func (p *fakePersister) Register(ctx context.Context, reg Registration, source store.Source, scale float64) error {
	return p.add("register %s %s %.3f", reg.HardwareID, source, scale)
}

func (p *fakePersister) Apply(ctx context.Context, scale float64) error {
	return p.add("apply %.3f", scale)
}

func (p *fakePersister) Remember(hwID string, sens float64) error {
	return p.add("remember %s %.3f", hwID, sens)
}

func (p *fakePersister) Forget(ctx context.Context, hwID string) error {
	return p.add("forget %s", hwID)
}

func (p *fakePersister) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

type fakeHook struct {
	installs, uninstalls int
}

func (h *fakeHook) Install(*suppress.Filter) error { h.installs++; return nil }
func (h *fakeHook) Uninstall() error               { h.uninstalls++; return nil }

func testGroups() []device.Group {
	return []device.Group{
		{HardwareID: hwA, Name: "Mouse A", Handles: []device.Handle{1}},
		{HardwareID: hwB, Name: "Mouse B", Handles: []device.Handle{2}},
	}
}

func newTest(t *testing.T, mode scan.Mode) (*Arbiter, *fakeInjector, *fakePersister) {
	t.Helper()
	inj := &fakeInjector{}
	p := &fakePersister{}
	a := New(Options{
		Mode:      mode,
		Threshold: 100,
		Injector:  inj,
		Persister: p,
		Clock:     func() time.Time { return base },
	})
	a.DevicesChanged(testGroups())
	return a, inj, p
}

func move(h device.Handle, at time.Time, dx, dy int32) motion.Event {
	return motion.Event{Handle: h, DX: dx, DY: dy, At: at}
}

func runJobs(a *Arbiter) {
	a.Jobs().RunPending(context.Background())
}

func events(a *Arbiter) []string {
	return a.Outbox().Drain(nil)
}

// armed returns an arbiter with device A registered, power and feature on,
// and the outbox and job queue drained.
func armed(t *testing.T) (*Arbiter, *fakeInjector, *fakePersister) {
	t.Helper()
	a, inj, p := newTest(t, scan.ModeAuto)
	require.True(t, a.Restore(hwA, 0))
	require.NoError(t, a.Power(true))
	require.NoError(t, a.Feature(true))
	runJobs(a)
	events(a)
	return a, inj, p
}

func TestAutoScanRegistersLeader(t *testing.T) {
	a, inj, p := newTest(t, scan.ModeAuto)

	a.HandleMotion(move(1, base, 30, 0))
	a.HandleMotion(move(2, base, 80, 0))

	assert.Equal(t, []string{
		"EVT SCAN_PROGRESS 30.0",
		"EVT SCAN_PROGRESS 100.0",
		"EVT REGISTERED " + hwB,
	}, events(a))

	reg, ok := a.Registration()
	require.True(t, ok)
	assert.Equal(t, "Mouse B", reg.Name)
	assert.False(t, a.Status().Scanning)
	assert.Equal(t, []device.Handle{2}, a.Filter().Scope())

	runJobs(a)
	assert.Equal(t, []string{"register " + hwB + " scan 1.000"}, p.Calls())

	a.HandleMotion(move(2, base, 10, 0))
	assert.Empty(t, inj.Ops(), "feature is off")
}

func TestIgnoredMotionIsDropped(t *testing.T) {
	a, _, _ := newTest(t, scan.ModeAuto)

	a.HandleMotion(motion.Event{Handle: 1, At: base})
	a.HandleMotion(motion.Event{Handle: 1, DX: 5, Absolute: true, At: base})
	a.Shutdown()
	a.HandleMotion(move(1, base, 500, 0))

	assert.Empty(t, events(a))
	assert.Equal(t, uint64(3), a.metrics.MotionDropped.Value())
}

func TestLockCycle(t *testing.T) {
	a, inj, _ := armed(t)
	ms := time.Millisecond

	a.HandleMotion(move(1, base, 3, 4))
	assert.True(t, a.Filter().Active())
	assert.Equal(t, lock.Locked, a.Status().State)

	a.HandleMotion(move(1, base.Add(10*ms), 3, 4))
	a.Tick(base.Add(100 * ms))
	a.HandleMotion(move(2, base.Add(120*ms), 5, 0))
	assert.Equal(t, lock.Locked, a.Status().State, "other motion does not release a moving lock")

	a.Tick(base.Add(170 * ms))
	assert.Equal(t, lock.Unlockable, a.Status().State)

	a.HandleMotion(move(2, base.Add(180*ms), 1, 1))
	assert.Equal(t, lock.Unlockable, a.Status().State, "below the deadzone")

	a.HandleMotion(move(2, base.Add(190*ms), 2, 2))
	assert.Equal(t, lock.Idle, a.Status().State)
	assert.False(t, a.Filter().Active())

	a.HandleMotion(move(1, base.Add(300*ms), 1, 0))
	assert.Equal(t, lock.Idle, a.Status().State, "cooldown")

	a.HandleMotion(move(1, base.Add(700*ms), 1, 0))
	assert.Equal(t, lock.Locked, a.Status().State)

	assert.Equal(t, []string{"press", "move 3 4", "release", "press"}, inj.Ops())
	assert.Equal(t, []string{"EVT FIRING ON", "EVT FIRING OFF", "EVT FIRING ON"}, events(a))
	assert.Equal(t, uint64(2), a.metrics.Presses.Value())
}

func TestFeatureRequiresPower(t *testing.T) {
	a, _, _ := newTest(t, scan.ModeAuto)

	err := a.Feature(true)
	require.ErrorIs(t, err, ErrPowerOff)
	assert.Equal(t, "power is off", err.Error())
	assert.False(t, a.Status().Feature)

	require.NoError(t, a.Feature(false))
	assert.Equal(t, []string{"EVT FEATURE OFF"}, events(a))
}

func TestFeatureOffReleases(t *testing.T) {
	a, inj, _ := armed(t)
	a.HandleMotion(move(1, base, 3, 0))

	require.NoError(t, a.Feature(false))
	assert.Equal(t, lock.Idle, a.Status().State)
	assert.Equal(t, []string{"press", "release"}, inj.Ops())
	assert.Equal(t, []string{"EVT FIRING ON", "EVT FIRING OFF", "EVT FEATURE OFF"}, events(a))
}

func TestSetSensitivityClamps(t *testing.T) {
	a, _, p := newTest(t, scan.ModeAuto)

	v, err := a.SetSensitivity(150)
	require.NoError(t, err)
	assert.Equal(t, 100.0, v)

	runJobs(a)
	assert.Equal(t, []string{"EVT SENS_APPLIED 100.000"}, events(a))
	assert.Empty(t, p.Calls(), "nothing is written without a registration")

	v, _ = a.SetSensitivity(0)
	assert.Equal(t, 0.001, v)
}

func TestPowerAppliesAndRestoresSensitivity(t *testing.T) {
	a, _, p := newTest(t, scan.ModeAuto)
	require.True(t, a.Restore(hwA, 0))

	require.NoError(t, a.Power(true))
	_, err := a.SetSensitivity(2.5)
	require.NoError(t, err)
	require.NoError(t, a.Power(false))
	runJobs(a)

	assert.Equal(t, []string{
		"register " + hwA + " restore 1.000",
		"apply 1.000",
		"remember " + hwA + " 2.500",
		"apply 2.500",
		"apply 1.000",
	}, p.Calls())
	assert.Equal(t, []string{
		"EVT REGISTERED " + hwA,
		"EVT SENS_APPLIED 1.000",
		"EVT POWER_APPLIED ON",
		"EVT SENS_APPLIED 2.500",
		"EVT POWER_APPLIED OFF",
	}, events(a))
}

func TestPersistErrorsAreReported(t *testing.T) {
	a, _, p := newTest(t, scan.ModeAuto)
	require.True(t, a.Restore(hwA, 0))
	runJobs(a)
	events(a)
	p.err = fmt.Errorf("disk full")

	require.NoError(t, a.Power(true))
	_, err := a.SetSensitivity(3)
	require.NoError(t, err)
	runJobs(a)

	assert.Equal(t, []string{
		"EVT ERROR POWER disk full",
		"EVT POWER_APPLIED ON",
		"EVT ERROR SET_SENS disk full",
	}, events(a))
}

func TestResetClearsEverything(t *testing.T) {
	a, inj, p := armed(t)
	_, err := a.SetSensitivity(4)
	require.NoError(t, err)
	runJobs(a)
	a.HandleMotion(move(1, base, 3, 0))
	events(a)

	require.NoError(t, a.Reset())

	st := a.Status()
	assert.Equal(t, lock.Idle, st.State)
	assert.False(t, st.Power)
	assert.False(t, st.Feature)
	assert.True(t, st.Scanning)
	assert.Empty(t, st.Registered)
	assert.Equal(t, 1.0, st.Sensitivity)
	assert.False(t, a.Filter().Active())
	assert.Equal(t, "release", inj.Ops()[len(inj.Ops())-1])
	assert.Equal(t, []string{"EVT FIRING OFF", "EVT RESET", "EVT SCAN_PROGRESS 0.0"}, events(a))

	runJobs(a)
	calls := p.Calls()
	assert.Equal(t, "forget "+hwA, calls[len(calls)-1])

	a.HandleMotion(move(1, base, 100, 0))
	assert.Contains(t, events(a), "EVT REGISTERED "+hwA, "scanning restarts")
}

func TestFullQueueStillReportsChanges(t *testing.T) {
	a := New(Options{
		Mode:      scan.ModeAuto,
		Threshold: 100,
		Injector:  &fakeInjector{},
		Persister: &fakePersister{},
		Jobs:      NewQueue(1),
		Clock:     func() time.Time { return base },
	})
	a.DevicesChanged(testGroups())
	require.True(t, a.Restore(hwA, 0))
	events(a)

	require.NoError(t, a.Power(true))
	v, err := a.SetSensitivity(2)
	require.NoError(t, err)
	assert.Equal(t, 2.0, v)

	st := a.Status()
	assert.True(t, st.Power)
	assert.Equal(t, 2.0, st.Sensitivity)
	assert.Equal(t, []string{
		"EVT NOTIFY WARN busy; settings update dropped",
		"EVT POWER_APPLIED ON",
		"EVT NOTIFY WARN busy; settings update dropped",
	}, events(a))

	require.NoError(t, a.Reset())
	assert.Empty(t, a.Status().Registered)
	assert.Contains(t, events(a), "EVT NOTIFY WARN busy; settings update dropped")
}

func TestConfirmMode(t *testing.T) {
	a, _, p := newTest(t, scan.ModeConfirm)
	assert.ErrorIs(t, a.Accept(), ErrNoCandidate)

	a.HandleMotion(move(1, base, 5, 0))
	assert.Equal(t, []string{"EVT CANDIDATE Mouse A"}, events(a))

	require.NoError(t, a.Reject())
	a.HandleMotion(move(1, base, 5, 0))
	assert.Empty(t, events(a), "rejected devices are not proposed again")

	a.HandleMotion(move(2, base, 5, 0))
	assert.Equal(t, []string{"EVT CANDIDATE Mouse B"}, events(a))

	require.NoError(t, a.Accept())
	assert.Equal(t, []string{"EVT REGISTERED " + hwB}, events(a))
	runJobs(a)
	assert.Equal(t, []string{"register " + hwB + " confirm 1.000"}, p.Calls())

	assert.ErrorIs(t, a.Accept(), ErrNotScanning)
	assert.ErrorIs(t, a.Reject(), ErrNotScanning)
}

func TestAcceptRequiresConfirmMode(t *testing.T) {
	a, _, _ := newTest(t, scan.ModeAuto)
	assert.ErrorIs(t, a.Accept(), ErrNotScanning)
}

func TestDevicesChangedFollowsHardwareID(t *testing.T) {
	a, inj, _ := armed(t)
	a.HandleMotion(move(1, base, 3, 0))

	a.DevicesChanged([]device.Group{
		{HardwareID: hwA, Name: "Mouse A", Handles: []device.Handle{5, 6}},
		{HardwareID: hwB, Name: "Mouse B", Handles: []device.Handle{2}},
	})
	assert.Equal(t, lock.Locked, a.Status().State)
	assert.Equal(t, []device.Handle{5, 6}, a.Filter().Scope())

	a.DevicesChanged([]device.Group{{HardwareID: hwB, Handles: []device.Handle{2}}})
	assert.Equal(t, lock.Idle, a.Status().State)
	assert.Equal(t, 1, inj.count("release"))
	assert.Equal(t, hwA, a.Status().Registered, "registration survives unplug")

	a.DevicesChanged([]device.Group{{HardwareID: hwA, Handles: []device.Handle{7}}})
	reg, _ := a.Registration()
	assert.True(t, reg.Owns(7))
	assert.Equal(t, device.Handle(7), reg.Handle)

	assert.Equal(t, []string{
		"EVT FIRING ON",
		"EVT FIRING OFF",
		"EVT NOTIFY WARN registered device disconnected",
		"EVT NOTIFY INFO registered device reconnected",
	}, events(a))
}

func TestRestoreWaitsForDevice(t *testing.T) {
	a, _, p := newTest(t, scan.ModeAuto)
	a.DevicesChanged(nil)

	assert.False(t, a.Restore(hwB, 2))
	assert.True(t, a.Status().Scanning)
	assert.Equal(t, 2.0, a.Status().Sensitivity)

	a.DevicesChanged(testGroups())
	assert.Equal(t, hwB, a.Status().Registered)
	runJobs(a)
	assert.Equal(t, []string{"register " + hwB + " restore 1.000"}, p.Calls())
}

func TestRegistrationWithoutHardwareID(t *testing.T) {
	a, _, p := newTest(t, scan.ModeAuto)
	a.DevicesChanged([]device.Group{{Name: "Anonymous", Handles: []device.Handle{9}}})

	a.HandleMotion(move(9, base, 200, 0))
	assert.Equal(t, []string{
		"EVT SCAN_PROGRESS 100.0",
		"EVT REGISTERED 0x0009",
		"EVT NOTIFY WARN hardware identifier unavailable; sensitivity will not persist",
	}, events(a))
	runJobs(a)
	assert.Empty(t, p.Calls())
}

func TestOffline(t *testing.T) {
	a, _, _ := newTest(t, scan.ModeAuto)
	a.SetOffline("no pointer devices")
	a.SetOffline("again")

	assert.Equal(t, []string{"EVT OFFLINE no pointer devices"}, events(a))
	assert.ErrorIs(t, a.Power(true), ErrOffline)
	assert.ErrorIs(t, a.Feature(true), ErrOffline)
	assert.True(t, a.Status().Offline)
}

func TestHandleMotionRecoversPanic(t *testing.T) {
	a, inj, _ := armed(t)
	inj.panicOnPress = true

	assert.NotPanics(t, func() { a.HandleMotion(move(1, base, 3, 0)) })
	assert.Equal(t, uint64(1), a.metrics.CallbackPanics.Value())
	assert.NotPanics(t, func() { a.Status() }, "mutex was released")
}

func TestShutdownReleasesExactlyOnce(t *testing.T) {
	a, inj, _ := armed(t)
	hook := &fakeHook{}
	require.NoError(t, a.Filter().Install(hook))
	a.HandleMotion(move(1, base, 3, 0))
	require.True(t, a.Filter().Active())

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.Shutdown()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, inj.count("release"))
	assert.Equal(t, 1, hook.uninstalls)
	assert.False(t, a.Filter().Active())

	a.HandleMotion(move(1, base.Add(time.Second), 3, 0))
	assert.Equal(t, 1, inj.count("press"), "motion after shutdown is ignored")
}

func TestConcurrentMotionKeepsInvariant(t *testing.T) {
	a, inj, _ := armed(t)

	var wg sync.WaitGroup
	for h := device.Handle(1); h <= 2; h++ {
		wg.Add(1)
		go func(h device.Handle) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				at := base.Add(time.Duration(i) * time.Millisecond)
				a.HandleMotion(move(h, at, 4, 0))
				a.Tick(at)
			}
		}(h)
	}
	wg.Wait()

	presses, releases := inj.count("press"), inj.count("release")
	held := a.Status().State != lock.Idle
	if held {
		assert.Equal(t, presses, releases+1)
	} else {
		assert.Equal(t, presses, releases)
	}
	assert.Equal(t, held, a.Filter().Active())
}
