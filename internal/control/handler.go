// Package control implements the line protocol spoken with the supervisor:
// commands arrive on stdin one per line and EVT lines go back on stdout.
package control

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"dualsens/internal/arbiter"
	"dualsens/internal/logging"
	"dualsens/internal/metrics"
)

// Controller is the part of the arbiter the protocol drives.
type Controller interface {
	Power(on bool) error
	Feature(on bool) error
	SetSensitivity(v float64) (float64, error)
	Reset() error
	Accept() error
	Reject() error
	Status() arbiter.Status
}

// Sink receives outbound lines.
type Sink interface {
	Push(line string)
}

// HandlerConfig configures a Handler.
type HandlerConfig struct {
	Controller Controller
	Out        Sink
	Metrics    *metrics.Metrics
	Logger     *logging.Logger
}

// Handler dispatches parsed commands.
type Handler struct {
	ctl     Controller
	out     Sink
	metrics *metrics.Metrics
	log     *logging.Logger
	quit    atomic.Bool
}

// NewHandler creates a Handler.
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Discard()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	return &Handler{
		ctl:     cfg.Controller,
		out:     cfg.Out,
		metrics: cfg.Metrics,
		log:     cfg.Logger.WithComponent("control"),
	}
}

// Quitting reports whether QUIT was received.
func (h *Handler) Quitting() bool { return h.quit.Load() }

// HandleLine parses and runs one inbound line. It returns true once QUIT
// has been received; lines after that are ignored.
func (h *Handler) HandleLine(line string) bool {
	if h.quit.Load() {
		return true
	}
	line = Clean(line)
	if line == "" {
		return false
	}
	h.metrics.Commands.Inc()

	cmd, err := Parse(line)
	if err != nil {
		h.fail(cmd.Name, err)
		return false
	}
	if err := h.Handle(cmd); err != nil {
		h.fail(cmd.Name, err)
	}
	return h.quit.Load()
}

// Handle runs a parsed command.
func (h *Handler) Handle(cmd Command) error {
	switch cmd.Kind {
	case CmdPing:
		h.out.Push("EVT PONG")
		return nil

	case CmdQuit:
		h.log.Info("quit requested")
		h.quit.Store(true)
		return nil

	case CmdReset:
		return h.ctl.Reset()

	case CmdPower:
		return h.ctl.Power(cmd.On)

	case CmdFeature:
		return h.ctl.Feature(cmd.On)

	case CmdSetSens:
		v, err := h.ctl.SetSensitivity(cmd.Value)
		if err == nil && v != cmd.Value {
			h.log.Debug("sensitivity clamped", "requested", cmd.Value, "stored", v)
		}
		return err

	case CmdAccept:
		return h.ctl.Accept()

	case CmdReject:
		return h.ctl.Reject()

	case CmdStatus:
		h.out.Push(StatusLine(h.ctl.Status()))
		return nil

	default:
		return unknown(cmd.Name)
	}
}

func (h *Handler) fail(name string, err error) {
	h.metrics.CommandErrors.Inc()
	line := "EVT ERROR " + errorTag(name, err)
	h.log.Debug("command failed", "command", name, "error", err)
	h.out.Push(line)
}

// errorTag renders err as the tail of an EVT ERROR line.
func errorTag(name string, err error) string {
	var pe *ParseError
	if errors.As(err, &pe) {
		return pe.Error()
	}

	var msg string
	switch {
	case errors.Is(err, arbiter.ErrOffline):
		msg = "offline"
	case errors.Is(err, arbiter.ErrPowerOff):
		msg = "power is off"
	case errors.Is(err, arbiter.ErrNotScanning):
		msg = "not scanning"
	case errors.Is(err, arbiter.ErrNoCandidate):
		msg = "no candidate"
	default:
		msg = strings.Join(strings.Fields(err.Error()), " ")
	}
	return name + " " + msg
}

// StatusLine formats a STATUS reply.
func StatusLine(st arbiter.Status) string {
	registered := st.Registered
	if registered == "" {
		registered = "-"
	}
	return fmt.Sprintf("EVT STATUS state=%s power=%s feature=%s registered=%s sens=%.3f",
		st.State, onOff(st.Power), onOff(st.Feature), registered, st.Sensitivity)
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
