// Package scheduler runs the supervised daemon as a background work unit.
//
// A work unit is a sequence of supervisor runs. Each run is classified as
// success (clean exit), retry (recoverable failure) or permanent failure
// (missing binary). Retries back off exponentially from InitialDelay to
// MaxDelay; a run that stayed up for StableThreshold resets the count.
//
// Work is single-flight per work identifier. With PolicyKeep a request
// arriving while work is in flight joins it and observes its result. With
// PolicyReplace the in-flight work is cancelled, its daemon stopped, and
// the new request starts afterwards. Either way at most one daemon runs.
//
// AcquireHostLock extends the guarantee across processes with a file lock.
package scheduler
