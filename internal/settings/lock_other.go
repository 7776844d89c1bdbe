//go:build !unix

package settings

// lockPath is a no-op where flock is unavailable; in-process updates are
// still serialized by Store.mu.
func lockPath(string) (func(), error) {
	return func() {}, nil
}
