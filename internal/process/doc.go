// Package process launches the daemon binary and tracks it while it runs.
//
// A Launcher spawns the binary with an explicit environment (nothing is
// inherited), merges stdout and stderr into one line stream, forwards each
// line to a LineSink as soon as it is read and records it in the run's log.
// Spawn returns a Handle immediately; Launch blocks until the process exits.
//
// Error classes:
//   - ErrBinaryNotFound: the binary is missing. Reported before anything
//     starts and never worth retrying.
//   - ErrProcessIO: the run failed while waiting or reading. Retryable.
//   - ErrInterruptedWait: the caller stopped waiting. Treated like ErrProcessIO;
//     the process itself keeps running and is reaped in the background.
//
// The multicast capability is held for exactly the lifetime of the child:
// acquired before spawn, released once the process has been reaped.
//
// Example usage:
//
//	l := process.NewLauncher(process.Config{Sink: hub})
//	res := l.Launch(ctx, process.ResolveBinary(libDir, process.DefaultBinaryName),
//	    []string{"--device-id"}, env)
//	if res.Err != nil {
//	    log.Printf("run failed: %v", res.Err)
//	}
package process
