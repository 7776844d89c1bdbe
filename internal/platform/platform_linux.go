package platform

import (
	evdev "github.com/holoplot/go-evdev"

	"dualsens/internal/device"
)

func open(cfg Config) (*Backend, error) {
	inj, err := newInjector(cfg)
	if err != nil {
		return nil, err
	}
	src := newSource(cfg)
	return &Backend{
		Source:   src,
		Injector: inj,
		Hook:     &grabHook{src: src},
	}, nil
}

func enumerate(cfg Config) ([]device.Info, error) {
	paths, err := eventPaths(cfg.InputDir)
	if err != nil {
		return nil, err
	}
	t := device.NewTracker()
	for _, p := range paths {
		dev, err := evdev.Open(p)
		if err != nil {
			continue
		}
		info, ok := describe(dev, p)
		dev.Close()
		if ok && info.Name != cfg.VirtualName {
			t.Attach(info)
		}
	}
	return t.Devices(), nil
}
