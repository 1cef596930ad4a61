// Package supervisor owns the single syncthing daemon process and its
// lifecycle state.
//
// State machine:
//
//	idle|stopped|failed --Start--> starting
//	starting --binary missing--> failed (permanent)
//	starting --spawned--> running
//	running --exit 0--> stopped
//	running --I/O error, non-zero exit--> failed (retryable)
//	running --Stop--> stopping --gone--> stopped
//	stopping --termination timed out--> failed
//
// Start blocks for the whole run. Calling it again while a run is starting
// or running joins that run rather than spawning a second daemon. Stop first
// interrupts the process group it spawned, then falls back to scanning the
// process table. Kill always scans, so it also reaches daemons left behind by
// an earlier supervisor.
//
// Observers receive transitions and finished runs on one goroutine, in order.
package supervisor
