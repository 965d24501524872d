//go:build unix

package main

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"tools.zach/dev/sigrelay/internal/paths"
)

// ///////////////////////////////////////////////
// PID Management
// ///////////////////////////////////////////////

// pidToken returns a random token proving ownership of the PID file so
// removePID only deletes a file this instance wrote.
func pidToken() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// writePID locks the PID file and writes "PID:TOKEN". The returned file
// must stay open while the daemon runs to keep the lock.
func writePID(dp paths.DataDir, token string) (*os.File, error) {
	f, err := os.OpenFile(dp.PID(), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open PID file: %w", err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("lock PID file: %w", err)
	}
	if err := f.Truncate(0); err != nil {
		_ = unlockFile(f)
		f.Close()
		return nil, fmt.Errorf("truncate PID file: %w", err)
	}
	if _, err := f.WriteString(fmt.Sprintf("%d:%s", os.Getpid(), token)); err != nil {
		_ = unlockFile(f)
		f.Close()
		return nil, fmt.Errorf("write PID file: %w", err)
	}
	return f, nil
}

// removePID unlocks and closes f, then removes the PID file if it still
// carries token.
func removePID(dp paths.DataDir, token string, f *os.File) {
	if f != nil {
		_ = unlockFile(f)
		f.Close()
	}
	data, err := os.ReadFile(dp.PID())
	if err != nil {
		return
	}
	parts := strings.SplitN(string(data), ":", 2)
	if len(parts) == 2 && parts[1] == token {
		os.Remove(dp.PID())
	}
}

// readPID parses the pid stored in the PID file.
func readPID(dp paths.DataDir) (int, error) {
	data, err := os.ReadFile(dp.PID())
	if err != nil {
		return 0, fmt.Errorf("read PID file: %w", err)
	}
	pidStr, _, _ := strings.Cut(string(data), ":")
	pid, err := strconv.Atoi(strings.TrimSpace(pidStr))
	if err != nil {
		return 0, fmt.Errorf("parse PID file: %w", err)
	}
	return pid, nil
}

// checkStalePID reports whether another instance holds the PID file lock.
// A file that can be locked belongs to a dead instance and is removed. Any
// other lock failure leaves the file alone so writePID reports it.
func checkStalePID(dp paths.DataDir) (alive bool, pid int) {
	f, err := os.OpenFile(dp.PID(), os.O_RDWR, 0o600)
	if err != nil {
		return false, 0
	}

	if lockErr := lockFile(f); lockErr != nil {
		f.Close()
		if !errors.Is(lockErr, errLocked) {
			return false, 0
		}
		p, _ := readPID(dp)
		return true, p
	}

	// Lock acquired: previous instance is dead.
	_ = unlockFile(f)
	f.Close()
	os.Remove(dp.PID())
	return false, 0
}
