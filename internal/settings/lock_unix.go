//go:build unix

package settings

import (
	"os"

	"golang.org/x/sys/unix"
)

// lockPath takes an exclusive advisory lock on a sidecar file, shared with
// any other process editing the document the same way.
func lockPath(path string) (func(), error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, err
	}
	return func() {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}, nil
}
