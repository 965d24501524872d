//go:build unix

package main

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// errLocked means another sigrelay instance holds the PID file.
var errLocked = errors.New("held by another instance")

// ///////////////////////////////////////////////
// PID File Lock
// ///////////////////////////////////////////////

// lockFile takes the PID file's exclusive flock without waiting. The lock
// is what marks an instance as running; the pid written into the file is
// only informational. A held lock yields an error wrapping [errLocked].
func lockFile(f *os.File) error {
	err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.EWOULDBLOCK):
		return fmt.Errorf("lock %s: %w", f.Name(), errLocked)
	default:
		return fmt.Errorf("lock %s: %w", f.Name(), err)
	}
}

// unlockFile drops the lock before removePID deletes the file.
func unlockFile(f *os.File) error {
	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		return fmt.Errorf("unlock %s: %w", f.Name(), err)
	}
	return nil
}
