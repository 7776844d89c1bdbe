package metrics

import "time"

// Motion routes.
const (
	RouteScan       = "scan"
	RouteRegistered = "registered"
	RouteOther      = "other"
	RouteDropped    = "dropped"
)

// Metrics holds the daemon's metrics.
type Metrics struct {
	registry *Registry

	MotionScan       *Counter
	MotionRegistered *Counter
	MotionOther      *Counter
	MotionDropped    *Counter
	CallbackPanics   *Counter

	Presses        *Counter
	Releases       *Counter
	InjectErrors   *Counter
	Registrations  *Counter
	SettingsWrites *Counter
	SettingsErrors *Counter
	ApplyRuns      *Counter
	Commands       *Counter
	CommandErrors  *Counter
	OutboxDropped  *Counter

	Firing        *Gauge
	UptimeSeconds *Gauge

	CallbackDuration *Histogram
	ApplyDuration    *Histogram

	start time.Time
}

// New registers the daemon's metrics in registry.
func New(registry *Registry) *Metrics {
	motion := func(route string) *Counter {
		return registry.Counter("motion_events_total", "Motion events by classifier route", Labels{"route": route})
	}
	return &Metrics{
		registry: registry,

		MotionScan:       motion(RouteScan),
		MotionRegistered: motion(RouteRegistered),
		MotionOther:      motion(RouteOther),
		MotionDropped:    motion(RouteDropped),
		CallbackPanics:   registry.Counter("callback_panics_total", "Panics recovered in the input callback", nil),

		Presses:        registry.Counter("button_presses_total", "Synthesized primary button presses", nil),
		Releases:       registry.Counter("button_releases_total", "Synthesized primary button releases", nil),
		InjectErrors:   registry.Counter("inject_errors_total", "Failed synthetic input injections", nil),
		Registrations:  registry.Counter("registrations_total", "Completed device registrations", nil),
		SettingsWrites: registry.Counter("settings_writes_total", "Settings document rewrites", nil),
		SettingsErrors: registry.Counter("settings_errors_total", "Failed settings document updates", nil),
		ApplyRuns:      registry.Counter("apply_runs_total", "Apply command invocations", nil),
		Commands:       registry.Counter("control_commands_total", "Control commands received", nil),
		CommandErrors:  registry.Counter("control_errors_total", "Control commands answered with an error", nil),
		OutboxDropped:  registry.Counter("outbox_dropped_total", "Outbound control lines dropped on overflow", nil),

		Firing:        registry.Gauge("firing", "1 while the synthesized button is held", nil),
		UptimeSeconds: registry.Gauge("uptime_seconds", "Seconds since the daemon started", nil),

		CallbackDuration: registry.Histogram("callback_duration_seconds", "Time spent handling one motion event", nil, LatencyBuckets),
		ApplyDuration:    registry.Histogram("apply_duration_seconds", "Duration of apply command runs", nil, DurationBuckets),

		start: time.Now(),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *Registry { return m.registry }

// Route returns the motion counter for a classifier route.
func (m *Metrics) Route(route string) *Counter {
	switch route {
	case RouteScan:
		return m.MotionScan
	case RouteRegistered:
		return m.MotionRegistered
	case RouteOther:
		return m.MotionOther
	default:
		return m.MotionDropped
	}
}

// SetFiring records whether the synthesized button is held.
func (m *Metrics) SetFiring(on bool) {
	if on {
		m.Firing.Set(1)
		return
	}
	m.Firing.Set(0)
}

// UpdateUptime refreshes the uptime gauge.
func (m *Metrics) UpdateUptime() {
	m.UptimeSeconds.Set(int64(time.Since(m.start).Seconds()))
}

// Discard returns metrics registered in a private registry, for callers
// that do not export them.
func Discard() *Metrics {
	return New(NewRegistry(""))
}
