package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"dualsens/internal/config"
	"dualsens/internal/device"
	"dualsens/internal/platform"
	"dualsens/internal/settings"
	"dualsens/internal/store"
)

type deviceReport struct {
	Connected []connectedDevice `json:"connected"`
	Known     []knownDevice     `json:"known,omitempty"`
	Settings  *bindingReport    `json:"settings,omitempty"`
	// Error is set when the platform could not enumerate.
	Error string `json:"error,omitempty"`
}

// bindingReport describes the reserved profile in the settings document.
type bindingReport struct {
	Path        string             `json:"path"`
	Profile     string             `json:"profile"`
	Sensitivity float64            `json:"sensitivity,omitempty"`
	Bindings    []settings.Mapping `json:"bindings"`
	Error       string             `json:"error,omitempty"`
}

type connectedDevice struct {
	HardwareID string        `json:"hardware_id"`
	Name       string        `json:"name"`
	Nodes      []device.Info `json:"nodes"`
}

type knownDevice struct {
	store.Device
	History []store.Registration `json:"history,omitempty"`
}

func cmdDevices(args []string) error {
	fs := flag.NewFlagSet("devices", flag.ExitOnError)
	configPath := fs.String("config", "", "configuration file")
	asJSON := fs.Bool("json", false, "print JSON")
	history := fs.Bool("history", false, "include registration history")
	fs.Parse(args)

	path := *configPath
	if path == "" {
		path = config.FindConfigFile()
	}
	cfg := config.DefaultConfig()
	if path != "" {
		loaded, err := config.NewLoader(path).Load()
		if err != nil {
			return err
		}
		cfg = loaded
	}

	exeDir := ""
	if exe, err := os.Executable(); err == nil {
		exeDir = filepath.Dir(exe)
	}
	report, err := collectDevices(cfg, exeDir, *history, platform.Enumerate)
	if err != nil {
		return err
	}
	if *asJSON {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}
	printDevices(os.Stdout, report)
	return nil
}

func collectDevices(cfg *config.Config, exeDir string, history bool, enumerate func(platform.Config) ([]device.Info, error)) (*deviceReport, error) {
	report := &deviceReport{}

	infos, err := enumerate(platform.Config{
		InputDir:    cfg.Platform.InputDir,
		VirtualName: cfg.Platform.VirtualName,
	})
	if err != nil {
		report.Error = err.Error()
	}
	for _, g := range device.GroupInfos(infos) {
		report.Connected = append(report.Connected, connectedDevice{
			HardwareID: g.HardwareID,
			Name:       g.Name,
			Nodes:      nodesOf(g, infos),
		})
	}
	report.Settings = readBindings(cfg.SettingsPath(exeDir), cfg.Sensitivity.ProfileName)

	if !cfg.Storage.Enabled {
		return report, nil
	}
	if _, err := os.Stat(cfg.Storage.Path); errors.Is(err, os.ErrNotExist) {
		return report, nil
	}
	reg, err := store.Open(cfg.Storage.Path, time.Duration(cfg.Storage.BusyTimeoutMs)*time.Millisecond)
	if err != nil {
		return nil, err
	}
	defer reg.Close()

	known, err := reg.Devices()
	if err != nil {
		return nil, err
	}
	for _, d := range known {
		k := knownDevice{Device: d}
		if history {
			if k.History, err = reg.History(d.HardwareID); err != nil {
				return nil, err
			}
		}
		report.Known = append(report.Known, k)
	}
	return report, nil
}

// readBindings returns nil when the settings document does not exist.
func readBindings(path, profile string) *bindingReport {
	doc, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	r := &bindingReport{Path: path, Profile: profile}
	if err != nil {
		r.Error = err.Error()
		return r
	}
	if r.Bindings, err = settings.Mappings(doc, profile); err != nil {
		r.Error = err.Error()
		return r
	}
	r.Sensitivity, _ = settings.SensitivityOf(doc, profile)
	return r
}

func nodesOf(g device.Group, infos []device.Info) []device.Info {
	var nodes []device.Info
	for _, info := range infos {
		if g.Contains(info.Handle) {
			nodes = append(nodes, info)
		}
	}
	return nodes
}

func printDevices(w io.Writer, r *deviceReport) {
	fmt.Fprintf(w, "=== Connected pointers ===\n")
	if r.Error != "" {
		fmt.Fprintf(w, "  unavailable: %s\n", r.Error)
	} else if len(r.Connected) == 0 {
		fmt.Fprintf(w, "  none\n")
	}
	for _, c := range r.Connected {
		id := c.HardwareID
		if id == "" {
			id = "(no hardware id)"
		}
		fmt.Fprintf(w, "%s\n", c.Name)
		fmt.Fprintf(w, "  ID:    %s\n", id)
		for _, n := range c.Nodes {
			fmt.Fprintf(w, "  Node:  %s (%s, %04x:%04x)\n", n.Path, n.Connection, n.Vendor, n.Product)
		}
	}

	if b := r.Settings; b != nil {
		fmt.Fprintf(w, "\n=== Settings bindings ===\n")
		fmt.Fprintf(w, "  Document:    %s\n", b.Path)
		if b.Sensitivity > 0 {
			fmt.Fprintf(w, "  Profile:     %s (%.3f)\n", b.Profile, b.Sensitivity)
		} else {
			fmt.Fprintf(w, "  Profile:     %s\n", b.Profile)
		}
		switch {
		case b.Error != "":
			fmt.Fprintf(w, "  unreadable: %s\n", b.Error)
		case len(b.Bindings) == 0:
			fmt.Fprintf(w, "  none\n")
		}
		for _, m := range b.Bindings {
			fmt.Fprintf(w, "  Bound:       %s (%s)\n", m.Name, m.ID)
		}
	}

	if r.Known == nil {
		return
	}
	fmt.Fprintf(w, "\n=== Known devices ===\n")
	for _, k := range r.Known {
		fmt.Fprintf(w, "%s\n", k.Name)
		fmt.Fprintf(w, "  ID:          %s\n", k.HardwareID)
		fmt.Fprintf(w, "  First seen:  %s\n", k.FirstSeen.Format("2006-01-02 15:04:05"))
		if !k.LastRegistered.IsZero() {
			fmt.Fprintf(w, "  Registered:  %s\n", k.LastRegistered.Format("2006-01-02 15:04:05"))
		}
		if k.Sensitivity > 0 {
			fmt.Fprintf(w, "  Sensitivity: %.3f\n", k.Sensitivity)
		}
		for _, h := range k.History {
			fmt.Fprintf(w, "    - %s via %s\n", h.RegisteredAt.Format(time.RFC3339), h.Source)
		}
	}
}
