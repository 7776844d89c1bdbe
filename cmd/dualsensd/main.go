// dualsensd - arbitrates several pointing devices and holds a virtual mouse
// button while the registered one moves.
//
//	dualsensd run        Run the daemon (default)
//	dualsensd devices    List connected pointers and known devices
//	dualsensd version    Print the version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// Version is set at build time.
var Version = "dev"

func main() {
	cmd := "run"
	args := os.Args[1:]
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "run":
		err = cmdRun(args)
	case "devices":
		err = cmdDevices(args)
	case "version":
		fmt.Printf("dualsensd %s\n", Version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "dualsensd: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `dualsensd - dual pointer arbitration

USAGE:
    dualsensd [command] [options]

COMMANDS:
    run          Run the daemon (default)
    devices      List connected pointer devices and the device registry
    version      Print the version
    help         Show this help message

RUN OPTIONS:
    --config <path>          Configuration file (TOML, JSON or YAML)
    --ipc                    Speak the control protocol on stdin/stdout (default true)
    --mode auto|confirm      Registration scan mode

CONTROL PROTOCOL (stdin):
    PING, QUIT, RESET, STATUS, ACCEPT, REJECT
    POWER ON|OFF, FEATURE ON|OFF, SET_SENS <multiplier>

Events are written to stdout as "EVT ..." lines; logs go to stderr.
`)
}

func cmdRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "configuration file")
	ipc := fs.Bool("ipc", true, "speak the control protocol on stdin/stdout")
	mode := fs.String("mode", "", "registration scan mode: auto or confirm")
	fs.Parse(args)

	d, err := NewDaemon(Options{
		ConfigPath: *configPath,
		Mode:       *mode,
		Control:    *ipc,
		In:         os.Stdin,
		Out:        os.Stdout,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = d.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
