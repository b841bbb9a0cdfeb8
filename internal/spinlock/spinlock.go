// Package spinlock provides a test-and-set lock for critical sections that
// only ever guard a handful of memory operations.
package spinlock

import (
	"runtime"
	"sync/atomic"
)

// Lock is a spinning mutual exclusion lock. The zero value is unlocked.
// It must not be copied after first use.
type Lock struct {
	state atomic.Int32
}

func (l *Lock) Lock() {
	for spins := 0; !l.state.CompareAndSwap(0, 1); spins++ {
		if spins > 32 {
			runtime.Gosched()
			spins = 0
		}
	}
}

func (l *Lock) TryLock() bool {
	return l.state.CompareAndSwap(0, 1)
}

func (l *Lock) Unlock() {
	if l.state.Swap(0) == 0 {
		panic("spinlock: unlock of unlocked lock")
	}
}
