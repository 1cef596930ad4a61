package process

import "sync"

// MulticastLock is the platform capability that lets the daemon receive
// multicast/broadcast discovery packets. Acquire and Release are paired
// exactly once per run.
type MulticastLock interface {
	Acquire() error
	Release()
}

// nopMulticastLock is used when the platform needs no capability.
type nopMulticastLock struct{}

func (nopMulticastLock) Acquire() error { return nil }
func (nopMulticastLock) Release()       {}

// RefCountedLock tracks how many runs currently hold the capability and
// invokes the optional hooks on the 0->1 and 1->0 edges.
type RefCountedLock struct {
	// OnFirstAcquire runs when the first holder arrives. An error aborts
	// the acquire.
	OnFirstAcquire func() error

	// OnLastRelease runs when the last holder leaves.
	OnLastRelease func()

	mu    sync.Mutex
	count int
}

// Acquire implements MulticastLock.
func (l *RefCountedLock) Acquire() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.count == 0 && l.OnFirstAcquire != nil {
		if err := l.OnFirstAcquire(); err != nil {
			return err
		}
	}
	l.count++
	return nil
}

// Release implements MulticastLock. Extra releases are ignored.
func (l *RefCountedLock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.count == 0 {
		return
	}
	l.count--
	if l.count == 0 && l.OnLastRelease != nil {
		l.OnLastRelease()
	}
}

// Held returns the current number of holders.
func (l *RefCountedLock) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}
