// Package apply runs the external executable that loads a rewritten
// settings document into the acceleration driver.
package apply

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ErrTimeout is returned when the command does not exit within the
// runner's timeout.
var ErrTimeout = errors.New("apply: command timed out")

// Runner invokes Command with the settings path as its only argument.
// An empty Command disables the step.
type Runner struct {
	Command string
	Timeout time.Duration
}

// Enabled reports whether a command is configured.
func (r Runner) Enabled() bool { return r.Command != "" }

// Run executes the command and waits for it to exit. A non-zero exit status
// is an error carrying the command's trimmed stderr.
func (r Runner) Run(ctx context.Context, settingsPath string) error {
	if !r.Enabled() {
		return nil
	}
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, r.Command, settingsPath)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	err := cmd.Run()
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", ErrTimeout, r.Timeout)
	}
	if msg := strings.TrimSpace(stderr.String()); msg != "" {
		return fmt.Errorf("apply %s: %w: %s", r.Command, err, msg)
	}
	return fmt.Errorf("apply %s: %w", r.Command, err)
}
