package disp

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// LockFactory creates the lock guarding a dispatcher queue. The choice of
// lock does not change ordering guarantees, only the contention profile.
type LockFactory func() sync.Locker

// SimpleLockFactory uses a plain sync.Mutex.
func SimpleLockFactory() LockFactory {
	return func() sync.Locker { return &sync.Mutex{} }
}

// CombinedLockFactory spins up to spins attempts with TryLock before
// blocking on the mutex. Good for queues with short critical sections and
// bursts of producers.
func CombinedLockFactory(spins int) LockFactory {
	if spins <= 0 {
		spins = 1000
	}
	return func() sync.Locker { return &combinedLock{spins: spins} }
}

// SpinLockFactory creates pure spin locks.
func SpinLockFactory() LockFactory {
	return func() sync.Locker { return &SpinLock{} }
}

type combinedLock struct {
	mu    sync.Mutex
	spins int
}

func (l *combinedLock) Lock() {
	for i := 0; i < l.spins; i++ {
		if l.mu.TryLock() {
			return
		}
		runtime.Gosched()
	}
	l.mu.Lock()
}

func (l *combinedLock) Unlock() {
	l.mu.Unlock()
}

// SpinLock is a test-and-set lock that yields the processor while waiting.
type SpinLock struct {
	state atomic.Int32
}

func (l *SpinLock) Lock() {
	for !l.state.CompareAndSwap(0, 1) {
		runtime.Gosched()
	}
}

func (l *SpinLock) Unlock() {
	l.state.Store(0)
}
