// pattern: Imperative Shell

// Package daemonlock enforces that at most one taskmasterd process runs
// against a given data directory at a time.
package daemonlock

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

const lockFileName = "taskmasterd.lock"

// Lock acquires an exclusive file lock for single-daemon-instance
// enforcement. Returns the flock handle (caller must defer Cleanup) or an
// error if another daemon already holds the lock.
func Lock(dataDir string) (*flock.Flock, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("daemonlock: create data dir: %w", err)
	}
	lockPath := filepath.Join(dataDir, lockFileName)
	fl := flock.New(lockPath)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("daemonlock: acquire lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("daemonlock: another taskmasterd instance is already running")
	}
	return fl, nil
}

// Cleanup releases the file lock. Safe to call with a nil handle.
func Cleanup(fl *flock.Flock) {
	if fl != nil {
		_ = fl.Unlock()
	}
}
