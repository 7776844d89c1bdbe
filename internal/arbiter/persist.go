package arbiter

import (
	"context"
	"fmt"
	"time"

	"dualsens/internal/apply"
	"dualsens/internal/logging"
	"dualsens/internal/metrics"
	"dualsens/internal/settings"
	"dualsens/internal/store"
)

// Persister performs the blocking side of registration and sensitivity
// changes. Methods are called from the job worker only.
type Persister interface {
	// Register records reg for restart recovery and makes it the only
	// device mapped to the reserved profile, whose multiplier is set to
	// scale.
	Register(ctx context.Context, reg Registration, source store.Source, scale float64) error

	// Apply writes scale into the reserved profile and runs the apply step
	// when the document changed.
	Apply(ctx context.Context, scale float64) error

	// Remember stores the user's multiplier for hwID.
	Remember(hwID string, sens float64) error

	// Forget clears the recovery state, unbinds the reserved profile and
	// drops hwID from the registry.
	Forget(ctx context.Context, hwID string) error
}

// Settings is the Persister backed by the settings document, the recovery
// file, the device registry and the apply command.
type Settings struct {
	Store    *settings.Store
	Recovery *settings.Recovery
	// Registry may be nil when the registry is disabled or failed to open.
	Registry *store.Store
	Runner   apply.Runner
	Profile  string

	Metrics *metrics.Metrics
	Logger  *logging.Logger
}

func (s *Settings) update(ctx context.Context, fn func(doc []byte) ([]byte, error)) error {
	changed, err := s.Store.Update(fn)
	if err != nil {
		s.Metrics.SettingsErrors.Inc()
		return fmt.Errorf("update settings: %w", err)
	}
	if !changed {
		return nil
	}
	s.Metrics.SettingsWrites.Inc()
	return s.run(ctx)
}

func (s *Settings) run(ctx context.Context) error {
	if !s.Runner.Enabled() {
		return nil
	}
	start := time.Now()
	err := s.Runner.Run(ctx, s.Store.Path())
	s.Metrics.ApplyRuns.Inc()
	s.Metrics.ApplyDuration.ObserveDuration(time.Since(start))
	if err != nil {
		return fmt.Errorf("apply settings: %w", err)
	}
	s.Logger.Debug("settings applied", "path", s.Store.Path(), "elapsed", time.Since(start))
	return nil
}

// Register implements Persister.
func (s *Settings) Register(ctx context.Context, reg Registration, source store.Source, scale float64) error {
	if err := s.Recovery.Save(reg.HardwareID); err != nil {
		return err
	}
	if s.Registry != nil {
		if err := s.Registry.RecordRegistration(reg.HardwareID, reg.Name, source); err != nil {
			s.Logger.Warn("registry write failed", "error", err)
		}
	}
	return s.update(ctx, func(doc []byte) ([]byte, error) {
		doc, err := settings.BindDevice(doc, s.Profile, reg.HardwareID, reg.Name)
		if err != nil {
			return nil, err
		}
		return settings.ApplySensitivity(doc, s.Profile, scale)
	})
}

// Apply implements Persister.
func (s *Settings) Apply(ctx context.Context, scale float64) error {
	return s.update(ctx, func(doc []byte) ([]byte, error) {
		return settings.ApplySensitivity(doc, s.Profile, scale)
	})
}

// Remember implements Persister.
func (s *Settings) Remember(hwID string, sens float64) error {
	if s.Registry == nil || hwID == "" {
		return nil
	}
	return s.Registry.SetSensitivity(hwID, sens)
}

// Forget implements Persister.
func (s *Settings) Forget(ctx context.Context, hwID string) error {
	if err := s.Recovery.Clear(); err != nil {
		return err
	}
	if s.Registry != nil && hwID != "" {
		if err := s.Registry.Forget(hwID); err != nil {
			s.Logger.Warn("registry forget failed", "error", err)
		}
	}
	return s.update(ctx, func(doc []byte) ([]byte, error) {
		doc, _, err := settings.UnbindDevices(doc, s.Profile)
		return doc, err
	})
}
