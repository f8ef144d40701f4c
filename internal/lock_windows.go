//go:build windows

package internal

import "os"

// SetProcessLock is a no-op on Windows. Locks are only enforced between
// handles within the process.
func SetProcessLock(f *os.File, from, to LockLevel) (LockLevel, error) {
	return to, nil
}
