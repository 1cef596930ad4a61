package scheduler

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// lockDirPermissions is the permission mode for the lock directory.
const lockDirPermissions = 0o750

// ErrAlreadyRunning is returned when another supervisor holds the host lock.
var ErrAlreadyRunning = errors.New("another supervisor is already running")

// HostLock is an advisory file lock that keeps one supervisor per work
// identifier on a host. The lock dies with the process.
type HostLock struct {
	path string
	lock *flock.Flock
}

// AcquireHostLock takes the lock file <dir>/<workID>.lock without blocking.
func AcquireHostLock(dir, workID string) (*HostLock, error) {
	if err := os.MkdirAll(dir, lockDirPermissions); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}
	path := filepath.Join(dir, workID+".lock")
	l := flock.New(path)

	ok, err := l.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w (lock %s)", ErrAlreadyRunning, path)
	}
	return &HostLock{path: path, lock: l}, nil
}

// Path returns the lock file path.
func (h *HostLock) Path() string {
	return h.path
}

// Release unlocks the file. The file itself is left in place.
func (h *HostLock) Release() error {
	return h.lock.Unlock()
}
