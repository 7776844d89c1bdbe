package control

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind names a command.
type Kind int

const (
	CmdPing Kind = iota + 1
	CmdQuit
	CmdReset
	CmdPower
	CmdFeature
	CmdSetSens
	CmdAccept
	CmdReject
	CmdStatus
)

var commandNames = map[string]Kind{
	"PING":     CmdPing,
	"QUIT":     CmdQuit,
	"RESET":    CmdReset,
	"POWER":    CmdPower,
	"FEATURE":  CmdFeature,
	"SET_SENS": CmdSetSens,
	"ACCEPT":   CmdAccept,
	"REJECT":   CmdReject,
	"STATUS":   CmdStatus,
}

// Command is one parsed inbound line.
type Command struct {
	Kind Kind
	Name string

	// On is the POWER and FEATURE argument.
	On bool

	// Value is the SET_SENS argument.
	Value float64
}

// ParseError is a protocol error, reported as EVT ERROR <Tag> <Name> ...
type ParseError struct {
	Tag    string
	Name   string
	Detail string
}

func (e *ParseError) Error() string {
	if e.Detail == "" {
		return e.Tag + " " + e.Name
	}
	return e.Tag + " " + e.Name + " " + e.Detail
}

func unknown(name string) error {
	return &ParseError{Tag: "UNKNOWN", Name: name}
}

func badArg(name, format string, args ...any) error {
	return &ParseError{Tag: "BAD_ARG", Name: name, Detail: fmt.Sprintf(format, args...)}
}

// Parse parses one cleaned, non-empty line. The command word is
// case-insensitive.
func Parse(line string) (Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{}, unknown("")
	}
	name := strings.ToUpper(fields[0])
	args := fields[1:]

	kind, ok := commandNames[name]
	if !ok {
		return Command{}, unknown(name)
	}
	cmd := Command{Kind: kind, Name: name}

	switch kind {
	case CmdPower, CmdFeature:
		if len(args) != 1 {
			return cmd, badArg(name, "expected ON or OFF")
		}
		switch strings.ToUpper(args[0]) {
		case "ON":
			cmd.On = true
		case "OFF":
		default:
			return cmd, badArg(name, "expected ON or OFF, got %q", args[0])
		}

	case CmdSetSens:
		if len(args) != 1 {
			return cmd, badArg(name, "expected one number")
		}
		v, err := strconv.ParseFloat(args[0], 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return cmd, badArg(name, "not a number: %q", args[0])
		}
		cmd.Value = v

	default:
		if len(args) != 0 {
			return cmd, badArg(name, "takes no arguments")
		}
	}
	return cmd, nil
}
