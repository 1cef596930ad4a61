package process

import "errors"

// Sentinel errors for launch and run failures.
var (
	// ErrBinaryNotFound is returned when the daemon binary does not exist.
	ErrBinaryNotFound = errors.New("daemon binary not found")

	// ErrSpawnFailed is returned when the OS refused to create the process.
	ErrSpawnFailed = errors.New("daemon spawn failed")

	// ErrProcessIO indicates an I/O failure while the daemon was running.
	ErrProcessIO = errors.New("daemon process I/O failure")

	// ErrInterruptedWait indicates the caller stopped waiting for the daemon.
	ErrInterruptedWait = errors.New("wait for daemon interrupted")
)

// RecoverableError can be implemented by errors that know whether a retry
// could succeed.
type RecoverableError interface {
	error
	IsRecoverable() bool
}

// IsRecoverable reports whether retrying after err makes sense. A missing
// binary is permanent; everything else, including nil, is retryable unless
// the error says otherwise.
func IsRecoverable(err error) bool {
	if err == nil {
		return true
	}
	var re RecoverableError
	if errors.As(err, &re) {
		return re.IsRecoverable()
	}
	return !errors.Is(err, ErrBinaryNotFound)
}
