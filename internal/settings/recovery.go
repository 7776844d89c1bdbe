package settings

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// Recovery is the one-line restart-recovery file holding the hardware
// identifier of the last registered device.
type Recovery struct {
	path string
}

// NewRecovery returns the recovery file at path.
func NewRecovery(path string) *Recovery {
	return &Recovery{path: path}
}

// Path returns the file path.
func (r *Recovery) Path() string { return r.path }

// Load returns the stored identifier, or "" when there is none.
func (r *Recovery) Load() (string, error) {
	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read recovery state: %w", err)
	}
	line, _, _ := strings.Cut(string(data), "\n")
	return strings.TrimSpace(line), nil
}

// Save stores id, replacing any previous value. An empty id clears the
// file.
func (r *Recovery) Save(id string) error {
	if id == "" {
		return r.Clear()
	}
	if strings.ContainsAny(id, "\r\n") {
		return fmt.Errorf("recovery state: identifier contains a line break")
	}
	if err := writeAtomic(r.path, []byte(id+"\n")); err != nil {
		return fmt.Errorf("write recovery state: %w", err)
	}
	return nil
}

// Clear removes the file.
func (r *Recovery) Clear() error {
	if err := os.Remove(r.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("clear recovery state: %w", err)
	}
	return nil
}
